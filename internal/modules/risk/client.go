package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPredictor calls the external inference service over HTTP.
type HTTPPredictor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPredictor creates a predictor for the given inference endpoint.
func NewHTTPPredictor(baseURL string) *HTTPPredictor {
	return &HTTPPredictor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type predictRequest struct {
	Kind     string             `json:"kind"`
	Features map[string]float64 `json:"features"`
}

type predictResponse struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Predict implements Predictor.
func (p *HTTPPredictor) Predict(ctx context.Context, kind Kind, features map[string]float64) (float64, float64, error) {
	body, err := json.Marshal(predictRequest{Kind: string(kind), Features: features})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode prediction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build prediction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("prediction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("prediction service returned status %d", resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, fmt.Errorf("failed to decode prediction response: %w", err)
	}
	return out.Score, out.Confidence, nil
}
