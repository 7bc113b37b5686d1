package risk

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Predictor is the inference contract. Implementations call the external
// model service; the engine only sees scores.
type Predictor interface {
	Predict(ctx context.Context, kind Kind, features map[string]float64) (score, confidence float64, err error)
}

// BreakerPredictor wraps a Predictor in a circuit breaker and a hard call
// budget. A tripped breaker or a slow call both surface as errors, which the
// engine turns into the degraded rule-only path.
type BreakerPredictor struct {
	inner   Predictor
	breaker *gobreaker.CircuitBreaker
	budget  time.Duration
	log     zerolog.Logger
}

// NewBreakerPredictor creates a breaker-guarded predictor.
func NewBreakerPredictor(inner Predictor, budget time.Duration, log zerolog.Logger) *BreakerPredictor {
	logger := log.With().Str("component", "risk_ml").Logger()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "risk-inference",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Inference breaker state changed")
		},
	})
	return &BreakerPredictor{
		inner:   inner,
		breaker: breaker,
		budget:  budget,
		log:     logger,
	}
}

type prediction struct {
	score      float64
	confidence float64
}

// Predict implements Predictor.
func (p *BreakerPredictor) Predict(ctx context.Context, kind Kind, features map[string]float64) (float64, float64, error) {
	result, err := p.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.budget)
		defer cancel()

		score, confidence, err := p.inner.Predict(callCtx, kind, features)
		if err != nil {
			return nil, err
		}
		return prediction{score: score, confidence: confidence}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	pred := result.(prediction)
	return pred.score, pred.confidence, nil
}

// ErrInferenceDisabled reports that no inference endpoint is configured.
var ErrInferenceDisabled = errors.New("inference disabled")

// DisabledPredictor stands in when no inference endpoint is configured. The
// engine then always takes the deterministic rule-only path.
type DisabledPredictor struct{}

// Predict implements Predictor.
func (DisabledPredictor) Predict(ctx context.Context, kind Kind, features map[string]float64) (float64, float64, error) {
	return 0, 0, ErrInferenceDisabled
}
