package requirement

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/cache"
	"github.com/mandinet/tradecore/internal/database"
	"github.com/mandinet/tradecore/internal/domain"
	"github.com/mandinet/tradecore/internal/events"
	"github.com/mandinet/tradecore/internal/eventstore"
	"github.com/mandinet/tradecore/internal/modules/capability"
	"github.com/mandinet/tradecore/internal/modules/commodity"
	"github.com/mandinet/tradecore/internal/modules/risk"
	"github.com/mandinet/tradecore/internal/outbox"
	"github.com/mandinet/tradecore/internal/units"
)

// MatchScheduler enqueues a matching job for a published requirement.
type MatchScheduler interface {
	EnqueueRequirement(requirementID string) error
}

// IntentForwarder hands NEGOTIATE and AUCTION requirements to their external
// modules.
type IntentForwarder interface {
	Forward(ctx context.Context, req *domain.Requirement) error
}

// Service implements the buy-side trade desk.
type Service struct {
	db          *sqlx.DB
	repo        *Repository
	partners    *capability.Repository
	commodities *commodity.Service
	riskEngine  *risk.Engine
	converter   *units.Converter
	enhancer    *Enhancer
	history     TradeHistory
	scheduler   MatchScheduler
	forwarder   IntentForwarder
	outbox      *outbox.Repository
	store       *eventstore.Store
	bus         *events.Bus
	idem        *cache.Idempotency
	allowAdhoc  bool
	log         zerolog.Logger
}

// NewService creates a new requirement service
func NewService(
	db *sqlx.DB,
	repo *Repository,
	partners *capability.Repository,
	commodities *commodity.Service,
	riskEngine *risk.Engine,
	converter *units.Converter,
	enhancer *Enhancer,
	history TradeHistory,
	scheduler MatchScheduler,
	forwarder IntentForwarder,
	ob *outbox.Repository,
	store *eventstore.Store,
	bus *events.Bus,
	idem *cache.Idempotency,
	allowAdhoc bool,
	log zerolog.Logger,
) *Service {
	return &Service{
		db:          db,
		repo:        repo,
		partners:    partners,
		commodities: commodities,
		riskEngine:  riskEngine,
		converter:   converter,
		enhancer:    enhancer,
		history:     history,
		scheduler:   scheduler,
		forwarder:   forwarder,
		outbox:      ob,
		store:       store,
		bus:         bus,
		idem:        idem,
		allowAdhoc:  allowAdhoc,
		log:         log.With().Str("service", "requirement").Logger(),
	}
}

// Create validates and persists a new requirement, then routes it by intent:
// DIRECT_BUY publishes and enqueues matching, NEGOTIATE and AUCTION are
// forwarded, BROWSE stays a draft.
func (s *Service) Create(ctx context.Context, in *CreateInput) (*domain.Requirement, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" && s.idem != nil {
		stored, fresh, err := s.idem.Begin(ctx, in.IdempotencyKey)
		if err != nil {
			s.log.Warn().Err(err).Msg("Idempotency cache unavailable, proceeding")
		} else if !fresh && stored != "" {
			return s.repo.GetByID(ctx, stored)
		}
	}

	buyer, err := s.partners.GetPartner(ctx, in.BuyerID)
	if err != nil {
		return nil, domain.WrapError(domain.KindTransientInfra, "buyer lookup failed", err)
	}
	if buyer == nil {
		return nil, domain.NewError(domain.KindNotFound, "buyer not found")
	}

	locations, err := s.resolveDeliveries(ctx, in)
	if err != nil {
		return nil, err
	}
	for _, country := range distinctCountries(locations) {
		if err := capability.Check(buyer, country, domain.DirectionBuy); err != nil {
			return nil, err
		}
	}

	com, err := s.commodities.Get(ctx, in.CommodityID)
	if err != nil {
		return nil, err
	}
	if err := s.commodities.ValidateQuality(com, in.QualityParams); err != nil {
		return nil, err
	}

	qtyBase, err := s.converter.Convert(in.Quantity, in.TradeUnit, com.BaseUnit)
	if err != nil {
		return nil, err
	}
	pricePerBase, err := s.converter.NormalizePrice(in.TargetPrice, in.PriceUnit, com.BaseUnit)
	if err != nil {
		return nil, err
	}

	tradeValue := pricePerBase.Mul(qtyBase)
	assessment, err := s.riskEngine.Assess(ctx, &risk.Input{
		Kind:        risk.KindPosting,
		Buyer:       buyer,
		CommodityID: in.CommodityID,
		Country:     locations[0].Country,
		Direction:   domain.DirectionBuy,
		TradeValue:  tradeValue,
	})
	if err != nil {
		return nil, err
	}
	if assessment.Tier1Status == domain.RiskFail {
		return nil, precheckError(assessment.Tier1Reasons)
	}

	now := time.Now().UTC()
	status := domain.ReqDraft
	if in.Intent == domain.IntentDirectBuy {
		status = domain.ReqPublished
	}

	req := &domain.Requirement{
		ID:                 uuid.NewString(),
		BuyerID:            in.BuyerID,
		CommodityID:        in.CommodityID,
		Intent:             in.Intent,
		DeliveryLocations:  locations,
		Quantity:           in.Quantity,
		QtyInBaseUnit:      qtyBase,
		TradeUnit:          in.TradeUnit,
		TargetPrice:        in.TargetPrice,
		PriceUnit:          in.PriceUnit,
		PricePerBaseUnit:   pricePerBase,
		BudgetMax:          in.BudgetMax,
		QualityParams:      in.QualityParams,
		QualityTolerance:   in.QualityTolerance,
		ValidFrom:          in.ValidFrom,
		ValidUntil:         in.ValidUntil,
		Status:             status,
		BuyerTrustScore:    TrustScore(ctx, s.history, in.BuyerID),
		RiskPrecheckStatus: assessment.FinalStatus,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if s.enhancer != nil {
		s.enhancer.Run(ctx, req)
	}

	env, err := s.envelope(ctx, events.RequirementCreated, req)
	if err != nil {
		return nil, err
	}
	if in.IdempotencyKey != "" {
		env = env.WithIdempotencyKey("requirement:" + in.IdempotencyKey)
	}

	err = database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.repo.InsertTx(ctx, tx, req); err != nil {
			return err
		}
		if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
			return err
		}
		return s.store.AppendTx(ctx, tx, env)
	})
	if err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.Complete(ctx, in.IdempotencyKey, req.ID); err != nil {
			s.log.Warn().Err(err).Msg("Idempotency store failed")
		}
	}

	s.bus.Emit(env)
	s.route(ctx, req)

	s.log.Info().
		Str("requirement_id", req.ID).
		Str("buyer_id", req.BuyerID).
		Str("intent", string(req.Intent)).
		Msg("Requirement created")
	return req, nil
}

func (s *Service) route(ctx context.Context, req *domain.Requirement) {
	switch req.Intent {
	case domain.IntentDirectBuy:
		if s.scheduler != nil {
			if err := s.scheduler.EnqueueRequirement(req.ID); err != nil {
				// The safety sweep picks the requirement up later.
				s.log.Warn().Err(err).Str("requirement_id", req.ID).Msg("Matching enqueue rejected")
			}
		}
	case domain.IntentNegotiate, domain.IntentAuction:
		if s.forwarder != nil {
			if err := s.forwarder.Forward(ctx, req); err != nil {
				s.log.Warn().Err(err).Str("requirement_id", req.ID).Msg("Intent forward failed")
			}
		}
	case domain.IntentBrowse:
		// Persist only.
	}
}

// Publish transitions a draft to PUBLISHED and enqueues matching.
func (s *Service) Publish(ctx context.Context, requirementID string) (*domain.Requirement, error) {
	var req *domain.Requirement
	var env *events.Envelope

	err := database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		req, err = s.repo.GetForUpdateTx(ctx, tx, requirementID)
		if err != nil {
			return err
		}
		if req == nil {
			return domain.NewError(domain.KindNotFound, "requirement not found")
		}
		if req.Status != domain.ReqDraft {
			return domain.NewError(domain.KindConflict, "only drafts can be published")
		}

		req.Status = domain.ReqPublished
		if err := s.repo.UpdateStatusTx(ctx, tx, req); err != nil {
			return err
		}

		env, err = s.envelope(ctx, events.RequirementPublished, req)
		if err != nil {
			return err
		}
		if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
			return err
		}
		return s.store.AppendTx(ctx, tx, env)
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(env)
	if s.scheduler != nil {
		if err := s.scheduler.EnqueueRequirement(req.ID); err != nil {
			s.log.Warn().Err(err).Str("requirement_id", req.ID).Msg("Matching enqueue rejected")
		}
	}
	return req, nil
}

// Cancel terminally closes a requirement.
func (s *Service) Cancel(ctx context.Context, requirementID string) error {
	var env *events.Envelope

	err := database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
		req, err := s.repo.GetForUpdateTx(ctx, tx, requirementID)
		if err != nil {
			return err
		}
		if req == nil {
			return domain.NewError(domain.KindNotFound, "requirement not found")
		}
		if req.Status == domain.ReqCancelled || req.Status == domain.ReqFulfilled {
			return domain.NewError(domain.KindCancelled, "requirement is already closed")
		}

		req.Status = domain.ReqCancelled
		if err := s.repo.UpdateStatusTx(ctx, tx, req); err != nil {
			return err
		}

		env, err = s.envelope(ctx, events.RequirementCancelled, req)
		if err != nil {
			return err
		}
		if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
			return err
		}
		return s.store.AppendTx(ctx, tx, env)
	})
	if err != nil {
		return err
	}

	s.bus.Emit(env)
	return nil
}

// ExpireOverdue transitions open requirements past their validity window to
// EXPIRED, one transaction per requirement.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	ids, err := s.repo.OverdueIDs(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		err := database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
			req, err := s.repo.GetForUpdateTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if req == nil || (req.Status != domain.ReqPublished && req.Status != domain.ReqPartiallyMatched) {
				return nil
			}

			req.Status = domain.ReqExpired
			if err := s.repo.UpdateStatusTx(ctx, tx, req); err != nil {
				return err
			}

			env, err := s.envelope(ctx, events.RequirementUpdated, req)
			if err != nil {
				return err
			}
			if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
				return err
			}
			return s.store.AppendTx(ctx, tx, env)
		})
		if err != nil {
			s.log.Warn().Err(err).Str("requirement_id", id).Msg("Expiry failed")
			continue
		}
		expired++
	}
	return expired, nil
}

// Get loads a requirement by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Requirement, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, domain.WrapError(domain.KindTransientInfra, "requirement lookup failed", err)
	}
	if req == nil {
		return nil, domain.NewError(domain.KindNotFound, "requirement not found")
	}
	return req, nil
}

func (s *Service) resolveDeliveries(ctx context.Context, in *CreateInput) ([]domain.Location, error) {
	locations := make([]domain.Location, 0, len(in.DeliveryLocations))
	for _, dl := range in.DeliveryLocations {
		registered := dl.LocationID != nil
		adhoc := dl.Address != "" || dl.Country != "" || dl.Lat != 0 || dl.Lon != 0

		switch {
		case registered && adhoc:
			return nil, domain.NewError(domain.KindInvalidLocation, "provide a registered location or an ad-hoc address, not both")
		case registered:
			loc, err := s.partners.ResolveLocation(ctx, in.BuyerID, *dl.LocationID)
			if err != nil {
				return nil, domain.WrapError(domain.KindTransientInfra, "location lookup failed", err)
			}
			if loc == nil {
				return nil, domain.NewError(domain.KindInvalidLocation, "registered location not found for partner")
			}
			locations = append(locations, *loc)
		case adhoc:
			if !s.allowAdhoc {
				return nil, domain.NewError(domain.KindInvalidLocation, "ad-hoc locations are disabled for this deployment")
			}
			if dl.Address == "" || dl.Country == "" || dl.Lat == 0 || dl.Lon == 0 {
				return nil, domain.NewError(domain.KindInvalidLocation, "ad-hoc location requires address, country and coordinates")
			}
			locations = append(locations, domain.Location{
				Address: dl.Address, Lat: dl.Lat, Lon: dl.Lon,
				Country: dl.Country, State: dl.State, City: dl.City,
			})
		default:
			return nil, domain.NewError(domain.KindInvalidLocation, "a delivery location is required")
		}
	}
	return locations, nil
}

func distinctCountries(locations []domain.Location) []string {
	seen := make(map[string]bool, len(locations))
	var out []string
	for _, l := range locations {
		if !seen[l.Country] {
			seen[l.Country] = true
			out = append(out, l.Country)
		}
	}
	return out
}

func (s *Service) envelope(ctx context.Context, t events.EventType, req *domain.Requirement) (*events.Envelope, error) {
	return events.NewEnvelope(t, "requirement", req.ID, req, domain.MetadataFrom(ctx))
}

// precheckError maps tier-1 reasons onto the closest error kind.
func precheckError(reasons []string) error {
	for _, r := range reasons {
		switch {
		case strings.Contains(r, "counter-posting"):
			return domain.NewError(domain.KindCircularTrade, r)
		case strings.Contains(r, "credit"):
			return domain.NewError(domain.KindInsufficientCredit, r)
		}
	}
	reason := "risk precheck failed"
	if len(reasons) > 0 {
		reason = reasons[0]
	}
	return domain.NewError(domain.KindValidation, reason).WithFields(reasons...)
}
