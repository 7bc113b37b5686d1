package requirement

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mandinet/tradecore/internal/domain"
)

// EnhanceStep is one stage of the enrichment pipeline that runs between
// validation and persistence. A step mutates the requirement in place or
// leaves it untouched; it never blocks creation.
type EnhanceStep interface {
	Name() string
	Apply(ctx context.Context, req *domain.Requirement) error
}

// Enhancer runs enhancement steps sequentially, each under its own timeout.
// A step error or timeout logs a warning and moves on with the requirement
// as it was; enrichment is best-effort by contract.
type Enhancer struct {
	steps      []EnhanceStep
	stepBudget time.Duration
	log        zerolog.Logger
}

// NewEnhancer creates an enhancer with the given per-step budget.
func NewEnhancer(stepBudget time.Duration, log zerolog.Logger, steps ...EnhanceStep) *Enhancer {
	return &Enhancer{
		steps:      steps,
		stepBudget: stepBudget,
		log:        log.With().Str("component", "requirement_enhancer").Logger(),
	}
}

// Run applies all steps to the requirement. Each step works on a deep copy;
// a step that outlives its budget keeps writing into its own copy and can
// never touch the committed requirement.
func (e *Enhancer) Run(ctx context.Context, req *domain.Requirement) {
	for _, step := range e.steps {
		stepCtx, cancel := domain.WithBudget(ctx, e.stepBudget)

		done := make(chan error, 1)
		snapshot := stepSnapshot(req)
		go func() {
			done <- step.Apply(stepCtx, snapshot)
		}()

		select {
		case err := <-done:
			if err != nil {
				e.log.Warn().Err(err).Str("step", step.Name()).Msg("Enhancement step failed")
			} else {
				*req = *snapshot
			}
		case <-stepCtx.Done():
			e.log.Warn().Str("step", step.Name()).Msg("Enhancement step timed out")
		}
		cancel()
	}
}

// stepSnapshot copies the requirement including its maps and slices.
func stepSnapshot(req *domain.Requirement) *domain.Requirement {
	c := *req
	if req.BuyerBranchID != nil {
		v := *req.BuyerBranchID
		c.BuyerBranchID = &v
	}
	if req.BudgetMax != nil {
		v := *req.BudgetMax
		c.BudgetMax = &v
	}
	if req.AISuggestedPrice != nil {
		v := *req.AISuggestedPrice
		c.AISuggestedPrice = &v
	}
	if req.QualityParams != nil {
		c.QualityParams = make(domain.ParamValues, len(req.QualityParams))
		for k, v := range req.QualityParams {
			c.QualityParams[k] = v
		}
	}
	c.DeliveryLocations = append([]domain.Location(nil), req.DeliveryLocations...)
	c.AISuggestedSellers = append([]string(nil), req.AISuggestedSellers...)
	c.AIScoreVector = append([]float64(nil), req.AIScoreVector...)
	return &c
}

// PriceSuggestion fills ai_suggested_price from recent comparable postings.
// The heuristic takes the median open asking price for the commodity.
type PriceSuggestion struct {
	Prices PriceSource
}

// PriceSource lists recent normalized asking prices for a commodity.
type PriceSource interface {
	RecentAskingPrices(ctx context.Context, commodityID string, limit int) ([]decimal.Decimal, error)
}

// Name implements EnhanceStep.
func (PriceSuggestion) Name() string { return "price_suggestion" }

// Apply implements EnhanceStep.
func (p PriceSuggestion) Apply(ctx context.Context, req *domain.Requirement) error {
	if p.Prices == nil || req.AISuggestedPrice != nil {
		return nil
	}
	prices, err := p.Prices.RecentAskingPrices(ctx, req.CommodityID, 25)
	if err != nil || len(prices) == 0 {
		return err
	}
	median := prices[len(prices)/2]
	req.AISuggestedPrice = &median
	return nil
}

// ToleranceRecommendation widens a zero quality tolerance to the default.
type ToleranceRecommendation struct{}

// Name implements EnhanceStep.
func (ToleranceRecommendation) Name() string { return "tolerance_recommendation" }

// Apply implements EnhanceStep.
func (ToleranceRecommendation) Apply(ctx context.Context, req *domain.Requirement) error {
	if req.QualityTolerance == 0 {
		req.QualityTolerance = 0.1
	}
	return nil
}

// SellerRecommendation fills ai_suggested_sellers from an external
// recommender; the matcher later grants these sellers the score boost.
type SellerRecommendation struct {
	Recommender SellerSource
}

// SellerSource returns recommended seller IDs for a requirement.
type SellerSource interface {
	RecommendSellers(ctx context.Context, req *domain.Requirement) ([]string, error)
}

// Name implements EnhanceStep.
func (SellerRecommendation) Name() string { return "seller_recommendation" }

// Apply implements EnhanceStep.
func (s SellerRecommendation) Apply(ctx context.Context, req *domain.Requirement) error {
	if s.Recommender == nil || len(req.AISuggestedSellers) > 0 {
		return nil
	}
	sellers, err := s.Recommender.RecommendSellers(ctx, req)
	if err != nil {
		return err
	}
	req.AISuggestedSellers = sellers
	return nil
}
