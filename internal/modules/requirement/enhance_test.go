package requirement

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandinet/tradecore/internal/domain"
)

type stubPrices struct {
	prices []decimal.Decimal
	err    error
}

func (s stubPrices) RecentAskingPrices(ctx context.Context, commodityID string, limit int) ([]decimal.Decimal, error) {
	return s.prices, s.err
}

type slowStep struct{ delay time.Duration }

func (slowStep) Name() string { return "slow" }
func (s slowStep) Apply(ctx context.Context, req *domain.Requirement) error {
	select {
	case <-time.After(s.delay):
		req.QualityTolerance = 0.99
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type failingStep struct{}

func (failingStep) Name() string { return "failing" }
func (failingStep) Apply(ctx context.Context, req *domain.Requirement) error {
	req.QualityTolerance = 0.99
	return errors.New("recommender down")
}

func TestEnhancer_PriceSuggestionMedian(t *testing.T) {
	e := NewEnhancer(500*time.Millisecond, zerolog.New(io.Discard),
		PriceSuggestion{Prices: stubPrices{prices: []decimal.Decimal{
			decimal.NewFromInt(20), decimal.NewFromInt(22), decimal.NewFromInt(25),
		}}},
	)

	req := &domain.Requirement{CommodityID: "c-1"}
	e.Run(context.Background(), req)

	require.NotNil(t, req.AISuggestedPrice)
	assert.True(t, req.AISuggestedPrice.Equal(decimal.NewFromInt(22)))
}

func TestEnhancer_StepErrorLeavesInputUntouched(t *testing.T) {
	e := NewEnhancer(500*time.Millisecond, zerolog.New(io.Discard), failingStep{})

	req := &domain.Requirement{QualityTolerance: 0.1}
	e.Run(context.Background(), req)

	assert.Equal(t, 0.1, req.QualityTolerance)
}

func TestEnhancer_StepTimeoutDegrades(t *testing.T) {
	e := NewEnhancer(20*time.Millisecond, zerolog.New(io.Discard), slowStep{delay: time.Second})

	req := &domain.Requirement{QualityTolerance: 0.1}
	start := time.Now()
	e.Run(context.Background(), req)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 0.1, req.QualityTolerance)
}

type lateWriterStep struct {
	release chan struct{}
	wrote   chan struct{}
}

func (lateWriterStep) Name() string { return "late_writer" }
func (s lateWriterStep) Apply(ctx context.Context, req *domain.Requirement) error {
	<-s.release
	req.QualityParams["grade"] = domain.TextValue("tampered")
	req.AISuggestedSellers = append(req.AISuggestedSellers, "s-999")
	close(s.wrote)
	return nil
}

func TestEnhancer_TimedOutStepCannotTouchCommittedState(t *testing.T) {
	step := lateWriterStep{release: make(chan struct{}), wrote: make(chan struct{})}
	e := NewEnhancer(10*time.Millisecond, zerolog.New(io.Discard), step)

	req := &domain.Requirement{
		QualityParams:      domain.ParamValues{"grade": domain.TextValue("A")},
		AISuggestedSellers: []string{"s-1"},
	}
	e.Run(context.Background(), req)

	// The step is still alive past its budget; let it write now and make
	// sure the writes land in its own copy only.
	close(step.release)
	<-step.wrote

	assert.Equal(t, domain.TextValue("A"), req.QualityParams["grade"])
	assert.Equal(t, []string{"s-1"}, req.AISuggestedSellers)
}

func TestEnhancer_ToleranceDefault(t *testing.T) {
	e := NewEnhancer(500*time.Millisecond, zerolog.New(io.Discard), ToleranceRecommendation{})

	req := &domain.Requirement{}
	e.Run(context.Background(), req)
	assert.Equal(t, 0.1, req.QualityTolerance)

	req = &domain.Requirement{QualityTolerance: 0.25}
	e.Run(context.Background(), req)
	assert.Equal(t, 0.25, req.QualityTolerance)
}

func TestEnhancer_LaterStepsRunAfterFailure(t *testing.T) {
	e := NewEnhancer(500*time.Millisecond, zerolog.New(io.Discard),
		failingStep{}, ToleranceRecommendation{})

	req := &domain.Requirement{}
	e.Run(context.Background(), req)
	assert.Equal(t, 0.1, req.QualityTolerance)
}

type stubHistory struct {
	fulfilment float64
	disputes   int
	tenure     int
	err        error
}

func (s stubHistory) FulfilmentRatio(ctx context.Context, id string) (float64, error) {
	return s.fulfilment, s.err
}
func (s stubHistory) DisputeCount(ctx context.Context, id string) (int, error) {
	return s.disputes, s.err
}
func (s stubHistory) TenureDays(ctx context.Context, id string) (int, error) {
	return s.tenure, s.err
}

func TestTrustScore(t *testing.T) {
	t.Run("established clean buyer", func(t *testing.T) {
		score := TrustScore(context.Background(), stubHistory{fulfilment: 1.0, tenure: 1000}, "p-1")
		assert.InDelta(t, 1.0, score, 1e-9)
	})

	t.Run("disputes subtract", func(t *testing.T) {
		clean := TrustScore(context.Background(), stubHistory{fulfilment: 0.9, tenure: 365}, "p-1")
		disputed := TrustScore(context.Background(), stubHistory{fulfilment: 0.9, tenure: 365, disputes: 4}, "p-1")
		assert.InDelta(t, clean-0.2, disputed, 1e-9)
	})

	t.Run("history failure is neutral", func(t *testing.T) {
		score := TrustScore(context.Background(), stubHistory{err: errors.New("down")}, "p-1")
		assert.Equal(t, 0.5, score)
	})

	t.Run("nil provider is neutral", func(t *testing.T) {
		assert.Equal(t, 0.5, TrustScore(context.Background(), nil, "p-1"))
	})
}
