package matching

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mandinet/tradecore/internal/cache"
	"github.com/mandinet/tradecore/internal/config"
	"github.com/mandinet/tradecore/internal/database"
	"github.com/mandinet/tradecore/internal/domain"
	"github.com/mandinet/tradecore/internal/events"
	"github.com/mandinet/tradecore/internal/eventstore"
	"github.com/mandinet/tradecore/internal/modules/availability"
	"github.com/mandinet/tradecore/internal/modules/insider"
	"github.com/mandinet/tradecore/internal/modules/requirement"
	"github.com/mandinet/tradecore/internal/modules/risk"
	"github.com/mandinet/tradecore/internal/outbox"
)

// Reasons carried by NO_MATCH_FOUND, in filter order.
const (
	ReasonNoCandidates     = "NO_CANDIDATES"
	ReasonDuplicate        = "DUPLICATE"
	ReasonInsider          = "INSIDER"
	ReasonRiskBlocked      = "RISK_BLOCKED"
	ReasonBelowThreshold   = "BELOW_THRESHOLD"
	ReasonAllocationFailed = "ALLOCATION_FAILED"
)

const defaultRunBudget = 3 * time.Second

// Allocator reserves and releases inventory on behalf of the matcher.
type Allocator interface {
	Reserve(ctx context.Context, availabilityID, buyerID string, qty decimal.Decimal) (*availability.Reservation, error)
	Release(ctx context.Context, availabilityID string, qty decimal.Decimal) error
}

// RiskAssessor runs the dual-tier risk check on a concrete pair.
type RiskAssessor interface {
	Assess(ctx context.Context, in *risk.Input) (*domain.RiskAssessment, error)
}

// InsiderScreen returns pairwise related-party edges among partners.
type InsiderScreen interface {
	BatchEdges(ctx context.Context, partnerIDs []string) ([]insider.Edge, error)
}

// PartnerSource loads partners with their derived capabilities.
type PartnerSource interface {
	GetPartner(ctx context.Context, id string) (*domain.Partner, error)
}

// CommoditySource loads catalog entries.
type CommoditySource interface {
	Get(ctx context.Context, id string) (*domain.Commodity, error)
}

// Engine runs the matching pipeline for one requirement at a time: location
// hard filter, duplicate and insider screening, weighted scoring, then atomic
// allocation of the top candidates.
type Engine struct {
	db           *sqlx.DB
	repo         *Repository
	requirements *requirement.Repository
	partners     PartnerSource
	commodities  CommoditySource
	risk         RiskAssessor
	insiders     InsiderScreen
	allocator    Allocator
	prints       *cache.Fingerprints
	idem         *cache.Idempotency
	outbox       *outbox.Repository
	store        *eventstore.Store
	bus          *events.Bus
	snapshots    *config.Store
	runBudget    time.Duration
	log          zerolog.Logger
}

// EngineDeps carries the engine's collaborators.
type EngineDeps struct {
	DB           *sqlx.DB
	Repo         *Repository
	Requirements *requirement.Repository
	Partners     PartnerSource
	Commodities  CommoditySource
	Risk         RiskAssessor
	Insiders     InsiderScreen
	Allocator    Allocator
	Fingerprints *cache.Fingerprints
	Idempotency  *cache.Idempotency
	Outbox       *outbox.Repository
	EventStore   *eventstore.Store
	Bus          *events.Bus
	Snapshots    *config.Store
	RunBudget    time.Duration
}

// NewEngine creates the matching engine.
func NewEngine(deps EngineDeps, log zerolog.Logger) *Engine {
	budget := deps.RunBudget
	if budget <= 0 {
		budget = defaultRunBudget
	}
	return &Engine{
		db:           deps.DB,
		repo:         deps.Repo,
		requirements: deps.Requirements,
		partners:     deps.Partners,
		commodities:  deps.Commodities,
		risk:         deps.Risk,
		insiders:     deps.Insiders,
		allocator:    deps.Allocator,
		prints:       deps.Fingerprints,
		idem:         deps.Idempotency,
		outbox:       deps.Outbox,
		store:        deps.EventStore,
		bus:          deps.Bus,
		snapshots:    deps.Snapshots,
		runBudget:    budget,
		log:          log.With().Str("component", "matching_engine").Logger(),
	}
}

type scored struct {
	avail      *domain.Availability
	seller     *domain.Partner
	assessment *domain.RiskAssessment
	breakdown  domain.ScoreBreakdown
}

// Run executes the full pipeline for one requirement. Candidate-level errors
// skip that candidate; only requirement-level failures propagate.
func (e *Engine) Run(ctx context.Context, requirementID string) error {
	ctx, cancel := domain.WithBudget(ctx, e.runBudget)
	defer cancel()

	req, err := e.requirements.GetByID(ctx, requirementID)
	if err != nil {
		return err
	}
	if req == nil {
		e.log.Warn().Str("requirement_id", requirementID).Msg("Requirement vanished before matching")
		return nil
	}
	if req.Status != domain.ReqPublished && req.Status != domain.ReqPartiallyMatched {
		return nil
	}
	if req.Remaining().LessThanOrEqual(decimal.Zero) {
		return nil
	}

	snap := e.snapshots.Current()
	rule := snap.LocationRuleFor(req.CommodityID)

	candidates, err := e.repo.Candidates(ctx, req, rule, snap.MaxCandidates)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return e.noMatch(ctx, req, ReasonNoCandidates, 0)
	}
	total := len(candidates)

	var dupDropped int
	candidates, dupDropped = e.dropDuplicates(ctx, req, candidates, snap)
	if len(candidates) == 0 {
		return e.noMatch(ctx, req, ReasonDuplicate, total)
	}

	var insiderDropped int
	candidates, insiderDropped, err = e.dropInsiders(ctx, req, candidates)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return e.noMatch(ctx, req, ReasonInsider, total)
	}

	com, err := e.commodities.Get(ctx, req.CommodityID)
	if err != nil {
		return err
	}
	buyer, err := e.partners.GetPartner(ctx, req.BuyerID)
	if err != nil {
		return err
	}
	if buyer == nil {
		return domain.NewError(domain.KindNotFound, "buyer not found")
	}

	pool, riskBlocked, belowThreshold := e.score(ctx, snap, com, req, buyer, candidates)
	if len(pool) == 0 {
		reason := ReasonBelowThreshold
		if riskBlocked > belowThreshold {
			reason = ReasonRiskBlocked
		}
		return e.noMatch(ctx, req, reason, total)
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].breakdown.Final != pool[j].breakdown.Final {
			return pool[i].breakdown.Final > pool[j].breakdown.Final
		}
		if !pool[i].avail.ValidFrom.Equal(pool[j].avail.ValidFrom) {
			return pool[i].avail.ValidFrom.Before(pool[j].avail.ValidFrom)
		}
		return pool[i].avail.ID < pool[j].avail.ID
	})

	matched, err := e.allocate(ctx, snap, req, pool)
	if err != nil {
		return err
	}
	if matched == 0 {
		return e.noMatch(ctx, req, ReasonAllocationFailed, total)
	}

	e.log.Info().
		Str("requirement_id", req.ID).
		Int("candidates", total).
		Int("duplicates", dupDropped).
		Int("insider_dropped", insiderDropped).
		Int("matched", matched).
		Msg("Matching run completed")
	return nil
}

// MatchesFor lists the current matches for a requirement, newest first.
func (e *Engine) MatchesFor(ctx context.Context, requirementID string) ([]*domain.Match, error) {
	return e.repo.MatchesForRequirement(ctx, requirementID)
}

// dropDuplicates rejects candidates whose seller and quality fingerprint
// nearly repeat a recent successful match for this buyer and commodity.
func (e *Engine) dropDuplicates(ctx context.Context, req *domain.Requirement, candidates []*domain.Availability, snap *config.Snapshot) ([]*domain.Availability, int) {
	if e.prints == nil {
		return candidates, 0
	}
	recent, err := e.prints.Recent(ctx, req.BuyerID, req.CommodityID)
	if err != nil {
		e.log.Warn().Err(err).Msg("Fingerprint lookup failed, skipping duplicate check")
		return candidates, 0
	}
	if len(recent) == 0 {
		return candidates, 0
	}

	kept := candidates[:0]
	dropped := 0
	for _, a := range candidates {
		if e.isDuplicate(a, recent, snap.DuplicateSimilarity) {
			dropped++
			continue
		}
		kept = append(kept, a)
	}
	return kept, dropped
}

func (e *Engine) isDuplicate(a *domain.Availability, recent []string, minSimilarity float64) bool {
	for _, fp := range recent {
		sellerID, params, err := ParseFingerprint(fp)
		if err != nil {
			continue
		}
		if sellerID != a.SellerID {
			continue
		}
		if ParamSimilarity(params, a.QualityParams) >= minSimilarity {
			return true
		}
	}
	return false
}

// dropInsiders removes sellers linked to the buyer through a shared master
// entity, corporate group or tax registration.
func (e *Engine) dropInsiders(ctx context.Context, req *domain.Requirement, candidates []*domain.Availability) ([]*domain.Availability, int, error) {
	ids := []string{req.BuyerID}
	seen := map[string]bool{req.BuyerID: true}
	for _, a := range candidates {
		if !seen[a.SellerID] {
			seen[a.SellerID] = true
			ids = append(ids, a.SellerID)
		}
	}

	edges, err := e.insiders.BatchEdges(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	linked := map[string]bool{}
	for _, edge := range edges {
		if edge.PartnerA == req.BuyerID {
			linked[edge.PartnerB] = true
		}
		if edge.PartnerB == req.BuyerID {
			linked[edge.PartnerA] = true
		}
	}

	kept := candidates[:0]
	dropped := 0
	for _, a := range candidates {
		if linked[a.SellerID] {
			dropped++
			continue
		}
		kept = append(kept, a)
	}
	return kept, dropped, nil
}

// score runs the per-candidate risk check and the four weighted sub-scores,
// returning only candidates at or above the threshold.
func (e *Engine) score(ctx context.Context, snap *config.Snapshot, com *domain.Commodity, req *domain.Requirement, buyer *domain.Partner, candidates []*domain.Availability) (pool []scored, riskBlocked, belowThreshold int) {
	weights := snap.WeightsFor(req.CommodityID)
	rule := snap.LocationRuleFor(req.CommodityID)
	sellers := map[string]*domain.Partner{}
	boosted := map[string]bool{}
	for _, id := range req.AISuggestedSellers {
		boosted[id] = true
	}

	remaining := req.Remaining()
	for _, a := range candidates {
		seller, ok := sellers[a.SellerID]
		if !ok {
			var err error
			seller, err = e.partners.GetPartner(ctx, a.SellerID)
			if err != nil || seller == nil {
				e.log.Warn().Err(err).Str("seller_id", a.SellerID).Msg("Skipping candidate, seller load failed")
				continue
			}
			sellers[a.SellerID] = seller
		}

		alloc := decimal.Min(remaining, a.Available())
		assessment, err := e.risk.Assess(ctx, &risk.Input{
			Kind:        risk.KindTrade,
			Buyer:       buyer,
			Seller:      seller,
			CommodityID: req.CommodityID,
			Country:     a.Location.Country,
			Direction:   domain.DirectionBuy,
			TradeValue:  tradeValue(req, a, alloc),
		})
		if err != nil {
			e.log.Warn().Err(err).Str("availability_id", a.ID).Msg("Skipping candidate, risk assessment failed")
			continue
		}
		if assessment.FinalStatus == domain.RiskFail {
			riskBlocked++
			continue
		}

		b := domain.ScoreBreakdown{
			Quality:  QualityScore(com, req, a.QualityParams),
			Price:    PriceScore(req, a),
			Delivery: DeliveryScore(req, a, rule),
			Risk:     RiskSubScore(assessment.FinalStatus),
		}
		base := weights.Quality*b.Quality + weights.Price*b.Price +
			weights.Delivery*b.Delivery + weights.Risk*b.Risk
		if assessment.FinalStatus == domain.RiskWarn {
			b.Penalty = snap.WarnPenalty
		}
		if boosted[a.SellerID] {
			b.Boost = snap.AIBoost
		}
		b.Final = clamp01(base - b.Penalty + b.Boost)

		if b.Final < snap.MinScoreThreshold {
			belowThreshold++
			continue
		}
		pool = append(pool, scored{avail: a, seller: seller, assessment: assessment, breakdown: b})
	}
	return pool, riskBlocked, belowThreshold
}

// allocate reserves inventory for the top candidates in score order and
// persists one match per successful reservation.
func (e *Engine) allocate(ctx context.Context, snap *config.Snapshot, req *domain.Requirement, pool []scored) (int, error) {
	if len(pool) > snap.MaxNotify {
		pool = pool[:snap.MaxNotify]
	}
	minPartial := req.Quantity.Mul(decimal.NewFromFloat(snap.MinPartialFraction))

	matched := 0
	for _, c := range pool {
		remaining := req.Remaining()
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		alloc := decimal.Min(remaining, c.avail.Available())
		if alloc.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if alloc.LessThan(remaining) && alloc.LessThan(minPartial) {
			continue
		}

		key := matchKey(req, c.avail)
		if e.idem != nil {
			_, fresh, err := e.idem.Begin(ctx, key)
			if err != nil {
				e.log.Warn().Err(err).Msg("Idempotency check failed, proceeding")
			} else if !fresh {
				continue
			}
		}

		if _, err := e.allocator.Reserve(ctx, c.avail.ID, req.BuyerID, alloc); err != nil {
			e.log.Warn().Err(err).Str("availability_id", c.avail.ID).Msg("Reservation failed, skipping candidate")
			continue
		}

		if err := e.persistMatch(ctx, req, c, alloc, key); err != nil {
			e.log.Error().Err(err).Str("availability_id", c.avail.ID).Msg("Match persistence failed, releasing reservation")
			if relErr := e.allocator.Release(ctx, c.avail.ID, alloc); relErr != nil {
				e.log.Error().Err(relErr).Str("availability_id", c.avail.ID).Msg("Compensating release failed")
			}
			continue
		}

		if e.prints != nil {
			fp := Fingerprint(c.avail.SellerID, c.avail.QualityParams)
			if err := e.prints.Add(ctx, req.BuyerID, req.CommodityID, fp); err != nil {
				e.log.Warn().Err(err).Msg("Fingerprint store failed")
			}
		}
		matched++
	}
	return matched, nil
}

// persistMatch writes the match row, the requirement's progress and the
// MATCH_FOUND event in one transaction.
func (e *Engine) persistMatch(ctx context.Context, req *domain.Requirement, c scored, alloc decimal.Decimal, key string) error {
	now := time.Now().UTC()
	m := &domain.Match{
		ID:             uuid.NewString(),
		RequirementID:  req.ID,
		AvailabilityID: c.avail.ID,
		BuyerID:        req.BuyerID,
		SellerID:       c.avail.SellerID,
		AllocatedQty:   alloc,
		Score:          c.breakdown.Final,
		Breakdown:      c.breakdown,
		RiskStatus:     c.assessment.FinalStatus,
		CreatedAt:      now,
	}
	if c.assessment.FinalStatus == domain.RiskWarn {
		m.Warnings = append(m.Warnings, c.assessment.Tier1Reasons...)
		if len(m.Warnings) == 0 {
			m.Warnings = []string{"risk score in warning band"}
		}
	}

	env, err := events.NewEnvelope(events.MatchFound, "match", m.ID, m, domain.MetadataFrom(ctx))
	if err != nil {
		return err
	}
	env.WithIdempotencyKey(key)

	prevQty, prevStatus := req.MatchedQty, req.Status
	req.MatchedQty = req.MatchedQty.Add(alloc)
	if req.Remaining().LessThanOrEqual(decimal.Zero) {
		req.Status = domain.ReqMatched
	} else {
		req.Status = domain.ReqPartiallyMatched
	}

	err = database.WithTransaction(ctx, e.db, func(tx *sqlx.Tx) error {
		if err := e.repo.InsertMatchTx(ctx, tx, m); err != nil {
			return err
		}
		if err := e.requirements.UpdateStatusTx(ctx, tx, req); err != nil {
			return err
		}
		if err := e.outbox.InsertTx(ctx, tx, env); err != nil {
			return err
		}
		return e.store.AppendTx(ctx, tx, env)
	})
	if err != nil {
		req.MatchedQty, req.Status = prevQty, prevStatus
		return err
	}

	e.bus.Emit(env)
	return nil
}

// noMatch records an empty run for observability.
func (e *Engine) noMatch(ctx context.Context, req *domain.Requirement, reason string, candidates int) error {
	payload := map[string]any{
		"requirement_id": req.ID,
		"reason":         reason,
		"candidates":     candidates,
	}
	env, err := events.NewEnvelope(events.NoMatchFound, "requirement", req.ID, payload, domain.MetadataFrom(ctx))
	if err != nil {
		return err
	}
	env.WithIdempotencyKey(fmt.Sprintf("no-match:%s:%d:%s", req.ID, req.Version, reason))

	if err := e.outbox.InsertStandalone(ctx, env); err != nil {
		return err
	}
	e.bus.Emit(env)
	e.log.Info().Str("requirement_id", req.ID).Str("reason", reason).Msg("Matching run produced no matches")
	return nil
}

func matchKey(req *domain.Requirement, a *domain.Availability) string {
	return fmt.Sprintf("match:%s:%d:%s:%d", req.ID, req.Version, a.ID, a.Version)
}

func tradeValue(req *domain.Requirement, a *domain.Availability, alloc decimal.Decimal) decimal.Decimal {
	if req.Quantity.IsZero() {
		return decimal.Zero
	}
	allocBase := req.QtyInBaseUnit.Mul(alloc).Div(req.Quantity)
	return a.PricePerBaseUnit.Mul(allocBase)
}
