package requirement

import (
	"context"
	"math"
)

// TradeHistory supplies the external inputs to buyer trust scoring.
// Implementations read fulfilment and dispute systems; the scoring itself is
// deterministic.
type TradeHistory interface {
	// FulfilmentRatio is completed trades / matched trades in [0,1].
	FulfilmentRatio(ctx context.Context, partnerID string) (float64, error)
	// DisputeCount is the number of disputes raised against the partner.
	DisputeCount(ctx context.Context, partnerID string) (int, error)
	// TenureDays is the age of the partner account in days.
	TenureDays(ctx context.Context, partnerID string) (int, error)
}

// TrustScore computes a buyer trust score in [0,1]: fulfilment carries most
// of the weight, disputes subtract, tenure saturates after two years. A
// history read failure degrades to the neutral 0.5.
func TrustScore(ctx context.Context, history TradeHistory, partnerID string) float64 {
	if history == nil {
		return 0.5
	}

	fulfilment, err := history.FulfilmentRatio(ctx, partnerID)
	if err != nil {
		return 0.5
	}
	disputes, err := history.DisputeCount(ctx, partnerID)
	if err != nil {
		return 0.5
	}
	tenureDays, err := history.TenureDays(ctx, partnerID)
	if err != nil {
		return 0.5
	}

	tenure := math.Min(float64(tenureDays)/730.0, 1.0)
	disputePenalty := math.Min(float64(disputes)*0.05, 0.5)

	score := 0.6*fulfilment + 0.4*tenure - disputePenalty
	return math.Max(0, math.Min(1, score))
}
