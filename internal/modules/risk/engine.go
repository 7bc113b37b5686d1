package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mandinet/tradecore/internal/config"
	"github.com/mandinet/tradecore/internal/domain"
	"github.com/mandinet/tradecore/internal/modules/capability"
)

// PartyValidator is the insider module's contract.
type PartyValidator interface {
	ValidateParties(ctx context.Context, buyerID, sellerID string) error
}

// Engine composes tier-1 rules and tier-2 scoring into one assessment.
type Engine struct {
	repo      *Repository
	parties   PartyValidator
	predictor Predictor
	snapshots *config.Store
	tier1Max  time.Duration
	log       zerolog.Logger
}

// NewEngine creates a new risk engine
func NewEngine(repo *Repository, parties PartyValidator, predictor Predictor, snapshots *config.Store, tier1Max time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		repo:      repo,
		parties:   parties,
		predictor: predictor,
		snapshots: snapshots,
		tier1Max:  tier1Max,
		log:       log.With().Str("service", "risk").Logger(),
	}
}

// Assess runs both tiers. Tier-1 failures short-circuit: the assessment
// comes back FAIL with reasons and tier-2 never runs.
func (e *Engine) Assess(ctx context.Context, in *Input) (*domain.RiskAssessment, error) {
	tier1Ctx, cancel := domain.WithBudget(ctx, e.tier1Max)
	defer cancel()

	reasons, err := e.tier1(tier1Ctx, in)
	if err != nil {
		return nil, err
	}

	assessment := &domain.RiskAssessment{
		Tier1Status:  domain.RiskPass,
		Tier1Reasons: reasons,
	}
	ruleScore := 100.0
	if len(reasons) > 0 {
		assessment.Tier1Status = domain.RiskFail
		assessment.FinalStatus = domain.RiskFail
		ruleScore = 0
	}

	snap := e.snapshots.Current()
	if assessment.Tier1Status == domain.RiskFail {
		assessment.FinalScore = snap.RuleWeight * ruleScore
		return assessment, nil
	}

	score, factors, degraded := e.tier2(ctx, in)
	assessment.Tier2Score = score
	assessment.Factors = factors
	assessment.MLDegraded = degraded

	tier2Status := domain.RiskFail
	switch {
	case score >= snap.Tier2PassScore:
		tier2Status = domain.RiskPass
	case score >= snap.Tier2WarnScore:
		tier2Status = domain.RiskWarn
	}

	assessment.FinalStatus = assessment.Tier1Status.Worse(tier2Status)
	assessment.FinalScore = snap.RuleWeight*ruleScore + snap.MLWeight*score
	return assessment, nil
}

// tier1 evaluates the blocking rules and returns the failure reasons.
func (e *Engine) tier1(ctx context.Context, in *Input) ([]string, error) {
	var reasons []string

	if in.Seller != nil {
		if err := capability.Check(in.Seller, in.Country, domain.DirectionSell); err != nil {
			reasons = append(reasons, err.Error())
		}
	}
	if in.Buyer != nil {
		if err := capability.Check(in.Buyer, in.Country, domain.DirectionBuy); err != nil {
			reasons = append(reasons, err.Error())
		}
	}

	if in.Buyer != nil && in.Seller != nil {
		if err := e.parties.ValidateParties(ctx, in.Buyer.ID, in.Seller.ID); err != nil {
			if !domain.IsKind(err, domain.KindInsiderBlocked) {
				return nil, err
			}
			reasons = append(reasons, err.Error())
		}
	}

	actor := in.actor()
	if actor != nil {
		asBuyer := in.Direction == domain.DirectionBuy
		circular, err := e.repo.HasOpenCounterPosting(ctx, actor.ID, in.CommodityID, asBuyer, time.Now())
		if err != nil {
			return nil, domain.WrapError(domain.KindTransientInfra, "circular-trading check failed", err)
		}
		if circular {
			reasons = append(reasons, "open counter-posting in the same commodity today")
		}
	}

	if in.Buyer != nil && in.TradeValue.IsPositive() {
		if in.Buyer.CreditUsed.Add(in.TradeValue).GreaterThan(in.Buyer.CreditLimit) {
			reasons = append(reasons, "trade value exceeds available credit")
		}
	}

	return reasons, nil
}

// tier2 calls the inference service. On any inference problem it falls back
// to the deterministic feature score and marks the result degraded.
func (e *Engine) tier2(ctx context.Context, in *Input) (float64, map[string]float64, bool) {
	features := e.features(in)

	score, confidence, err := e.predictor.Predict(ctx, in.Kind, features)
	if err != nil {
		fallback := fallbackScore(features)
		e.log.Warn().Err(err).
			Float64("fallback_score", fallback).
			Msg("Inference unavailable, using rule-only score")
		return fallback, features, true
	}

	features["confidence"] = confidence
	return clamp(score, 0, 100), features, false
}

// features derives the deterministic inputs available without external data.
// External factor feeds (payment defaults, fraud anomaly) extend this map in
// the Predictor implementation.
func (e *Engine) features(in *Input) map[string]float64 {
	features := map[string]float64{}

	if buyer := in.Buyer; buyer != nil {
		features["kyc_completeness"] = kycCompleteness(buyer)
		features["credit_headroom"] = creditHeadroom(buyer, in.TradeValue)
	}
	if seller := in.Seller; seller != nil {
		features["seller_kyc_completeness"] = kycCompleteness(seller)
	}
	if in.Kind == KindTrade {
		features["trade_value"], _ = in.TradeValue.Float64()
	}
	return features
}

// fallbackScore is the rule-only tier-2 score: a weighted blend of the
// deterministic features, neutral (75) when a feature is absent.
func fallbackScore(features map[string]float64) float64 {
	get := func(name string) float64 {
		if v, ok := features[name]; ok {
			return v * 100
		}
		return 75
	}
	score := 0.4*get("kyc_completeness") + 0.4*get("credit_headroom") + 0.2*get("seller_kyc_completeness")
	return clamp(score, 0, 100)
}

func kycCompleteness(p *domain.Partner) float64 {
	granted := 0
	for _, f := range domain.AllCapabilityFlags {
		if p.Capabilities[f] {
			granted++
		}
	}
	return float64(granted) / float64(len(domain.AllCapabilityFlags))
}

func creditHeadroom(p *domain.Partner, tradeValue decimal.Decimal) float64 {
	if !p.CreditLimit.IsPositive() {
		return 0
	}
	remaining := p.CreditLimit.Sub(p.CreditUsed).Sub(tradeValue)
	headroom, _ := remaining.Div(p.CreditLimit).Float64()
	return clamp(headroom, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
