package availability

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

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

const reserveRetries = 3

// Service implements the sell-side trade desk.
type Service struct {
	db          *sqlx.DB
	repo        *Repository
	partners    *capability.Repository
	commodities *commodity.Service
	riskEngine  *risk.Engine
	converter   *units.Converter
	outbox      *outbox.Repository
	store       *eventstore.Store
	bus         *events.Bus
	idem        *cache.Idempotency
	ttl         time.Duration
	allowAdhoc  bool
	log         zerolog.Logger
}

// NewService creates a new availability service
func NewService(
	db *sqlx.DB,
	repo *Repository,
	partners *capability.Repository,
	commodities *commodity.Service,
	riskEngine *risk.Engine,
	converter *units.Converter,
	ob *outbox.Repository,
	store *eventstore.Store,
	bus *events.Bus,
	idem *cache.Idempotency,
	reservationTTL time.Duration,
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
		outbox:      ob,
		store:       store,
		bus:         bus,
		idem:        idem,
		ttl:         reservationTTL,
		allowAdhoc:  allowAdhoc,
		log:         log.With().Str("service", "availability").Logger(),
	}
}

// Create validates and persists a new availability posting. The row and its
// AVAILABILITY_CREATED event commit in one transaction.
func (s *Service) Create(ctx context.Context, in *CreateInput) (*domain.Availability, error) {
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

	loc, err := resolveLocation(ctx, s.partners, in.SellerID, in.Location, s.allowAdhoc)
	if err != nil {
		return nil, err
	}

	seller, err := s.partners.GetPartner(ctx, in.SellerID)
	if err != nil {
		return nil, domain.WrapError(domain.KindTransientInfra, "seller lookup failed", err)
	}
	if seller == nil {
		return nil, domain.NewError(domain.KindNotFound, "seller not found")
	}
	if err := capability.Check(seller, loc.Country, domain.DirectionSell); err != nil {
		return nil, err
	}

	com, err := s.commodities.Get(ctx, in.CommodityID)
	if err != nil {
		return nil, err
	}
	if err := s.commodities.ValidateQuality(com, in.QualityParams); err != nil {
		return nil, err
	}

	qtyBase, err := s.convertQty(in.Total, in.TradeUnit, com)
	if err != nil {
		return nil, err
	}
	pricePerBase, err := s.converter.NormalizePrice(in.BasePrice, in.PriceUnit, com.BaseUnit)
	if err != nil {
		return nil, err
	}

	tradeValue := pricePerBase.Mul(qtyBase)
	assessment, err := s.riskEngine.Assess(ctx, &risk.Input{
		Kind:        risk.KindPosting,
		Seller:      seller,
		CommodityID: in.CommodityID,
		Country:     loc.Country,
		Direction:   domain.DirectionSell,
		TradeValue:  tradeValue,
	})
	if err != nil {
		return nil, err
	}
	if assessment.Tier1Status == domain.RiskFail {
		return nil, precheckError(assessment.Tier1Reasons)
	}

	now := time.Now().UTC()
	visibility := in.MarketVisibility
	if visibility == "" {
		visibility = domain.VisibilityPublic
	}
	a := &domain.Availability{
		ID:                 uuid.NewString(),
		SellerID:           in.SellerID,
		SellerBranchID:     in.Location.LocationID,
		CommodityID:        in.CommodityID,
		Location:           *loc,
		Total:              in.Total,
		Reserved:           decimal.Zero,
		Sold:               decimal.Zero,
		QtyInBaseUnit:      qtyBase,
		TradeUnit:          in.TradeUnit,
		BasePrice:          in.BasePrice,
		PriceUnit:          in.PriceUnit,
		PricePerBaseUnit:   pricePerBase,
		QualityParams:      in.QualityParams,
		ValidFrom:          in.ValidFrom,
		ValidUntil:         in.ValidUntil,
		MarketVisibility:   visibility,
		RestrictedBuyers:   in.RestrictedBuyers,
		Status:             domain.AvailAvailable,
		RiskPrecheckStatus: assessment.FinalStatus,
		RiskPrecheckScore:  assessment.FinalScore,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	env, err := s.envelope(ctx, events.AvailabilityCreated, a)
	if err != nil {
		return nil, err
	}
	if in.IdempotencyKey != "" {
		env = env.WithIdempotencyKey("availability:" + in.IdempotencyKey)
	}

	err = database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.repo.InsertTx(ctx, tx, a); err != nil {
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
		if err := s.idem.Complete(ctx, in.IdempotencyKey, a.ID); err != nil {
			s.log.Warn().Err(err).Msg("Idempotency store failed")
		}
	}

	s.bus.Emit(env)
	s.log.Info().
		Str("availability_id", a.ID).
		Str("seller_id", a.SellerID).
		Str("commodity_id", a.CommodityID).
		Msg("Availability created")
	return a, nil
}

// Reserve holds qty for a buyer under a row lock. A concurrent version bump
// retries the whole transaction up to three times.
func (s *Service) Reserve(ctx context.Context, availabilityID, buyerID string, qty decimal.Decimal) (*Reservation, error) {
	if !qty.IsPositive() {
		return nil, domain.ValidationError("reservation quantity must be positive", "qty")
	}

	var reservation *Reservation
	var env *events.Envelope

	attempt := func() error {
		return database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
			a, err := s.repo.GetForUpdateTx(ctx, tx, availabilityID)
			if err != nil {
				return err
			}
			if a == nil {
				return domain.NewError(domain.KindNotFound, "availability not found")
			}
			if a.Status != domain.AvailAvailable && a.Status != domain.AvailPartiallySold {
				return domain.NewError(domain.KindCancelled, "availability is not open for reservation")
			}
			if a.Available().LessThan(qty) {
				return domain.NewError(domain.KindInsufficientQuantity, "requested quantity exceeds available")
			}

			reservation = &Reservation{
				ID:             uuid.NewString(),
				AvailabilityID: availabilityID,
				BuyerID:        buyerID,
				Qty:            qty,
				State:          ReservationHeld,
				ExpiresAt:      time.Now().UTC().Add(s.ttl),
			}
			if err := s.repo.InsertReservationTx(ctx, tx, reservation); err != nil {
				return err
			}

			a.Reserved = a.Reserved.Add(qty)
			if err := s.repo.UpdateQuantitiesTx(ctx, tx, a); err != nil {
				return err
			}

			env, err = s.envelope(ctx, events.AvailabilityReserved, a)
			if err != nil {
				return err
			}
			if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
				return err
			}
			return s.store.AppendTx(ctx, tx, env)
		})
	}

	err := s.withConflictRetry(ctx, attempt)
	if err != nil {
		return nil, err
	}

	s.bus.Emit(env)
	return reservation, nil
}

// Release returns reserved quantity to the open pool.
func (s *Service) Release(ctx context.Context, availabilityID string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return domain.ValidationError("release quantity must be positive", "qty")
	}

	var env *events.Envelope
	err := s.withConflictRetry(ctx, func() error {
		return database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
			a, err := s.repo.GetForUpdateTx(ctx, tx, availabilityID)
			if err != nil {
				return err
			}
			if a == nil {
				return domain.NewError(domain.KindNotFound, "availability not found")
			}
			if a.Reserved.LessThan(qty) {
				return domain.NewError(domain.KindInsufficientQuantity, "release exceeds reserved quantity")
			}

			moved, err := s.repo.MarkReservationsTx(ctx, tx, availabilityID, qty, ReservationReleased)
			if err != nil {
				return err
			}
			if !moved.Equal(qty) {
				return domain.NewError(domain.KindConflict, "held reservations fall short of the release quantity")
			}

			a.Reserved = a.Reserved.Sub(moved)
			if err := s.repo.UpdateQuantitiesTx(ctx, tx, a); err != nil {
				return err
			}

			env, err = s.envelope(ctx, events.AvailabilityReleased, a)
			if err != nil {
				return err
			}
			if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
				return err
			}
			return s.store.AppendTx(ctx, tx, env)
		})
	})
	if err != nil {
		return err
	}

	s.bus.Emit(env)
	return nil
}

// MarkSold converts reserved quantity into sold. Selling more than is
// reserved fails with OverSold.
func (s *Service) MarkSold(ctx context.Context, availabilityID string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return domain.ValidationError("sold quantity must be positive", "qty")
	}

	var env *events.Envelope
	err := s.withConflictRetry(ctx, func() error {
		return database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
			a, err := s.repo.GetForUpdateTx(ctx, tx, availabilityID)
			if err != nil {
				return err
			}
			if a == nil {
				return domain.NewError(domain.KindNotFound, "availability not found")
			}
			if a.Reserved.LessThan(qty) {
				return domain.NewError(domain.KindOverSold, "sold quantity exceeds reserved")
			}

			moved, err := s.repo.MarkReservationsTx(ctx, tx, availabilityID, qty, ReservationSold)
			if err != nil {
				return err
			}
			if !moved.Equal(qty) {
				return domain.NewError(domain.KindConflict, "held reservations fall short of the sold quantity")
			}

			a.Reserved = a.Reserved.Sub(moved)
			a.Sold = a.Sold.Add(moved)
			if a.Sold.Equal(a.Total) {
				a.Status = domain.AvailSold
			} else {
				a.Status = domain.AvailPartiallySold
			}
			if err := s.repo.UpdateQuantitiesTx(ctx, tx, a); err != nil {
				return err
			}

			env, err = s.envelope(ctx, events.AvailabilitySold, a)
			if err != nil {
				return err
			}
			if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
				return err
			}
			return s.store.AppendTx(ctx, tx, env)
		})
	})
	if err != nil {
		return err
	}

	s.bus.Emit(env)
	return nil
}

// Update applies mutable fields. Price and quality freeze after the first
// reservation; validity extension and visibility stay open.
func (s *Service) Update(ctx context.Context, in *UpdateInput) (*domain.Availability, error) {
	if err := validate.Struct(in); err != nil {
		return nil, domain.WrapError(domain.KindValidation, "invalid update input", err)
	}

	frozen, err := s.repo.HasReservations(ctx, in.AvailabilityID)
	if err != nil {
		return nil, domain.WrapError(domain.KindTransientInfra, "reservation check failed", err)
	}
	if frozen && (in.BasePrice != nil || in.QualityParams != nil) {
		return nil, domain.NewError(domain.KindImmutable, "price and quality are immutable after the first reservation")
	}

	var updated *domain.Availability
	var env *events.Envelope

	err = s.withConflictRetry(ctx, func() error {
		return database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
			a, err := s.repo.GetForUpdateTx(ctx, tx, in.AvailabilityID)
			if err != nil {
				return err
			}
			if a == nil {
				return domain.NewError(domain.KindNotFound, "availability not found")
			}
			if a.Status == domain.AvailCancelled || a.Status == domain.AvailSold || a.Status == domain.AvailExpired {
				return domain.NewError(domain.KindCancelled, "availability is closed")
			}

			if in.BasePrice != nil {
				com, err := s.commodities.Get(ctx, a.CommodityID)
				if err != nil {
					return err
				}
				a.BasePrice = *in.BasePrice
				a.PricePerBaseUnit, err = s.converter.NormalizePrice(a.BasePrice, a.PriceUnit, com.BaseUnit)
				if err != nil {
					return err
				}
			}
			if in.QualityParams != nil {
				com, err := s.commodities.Get(ctx, a.CommodityID)
				if err != nil {
					return err
				}
				if err := s.commodities.ValidateQuality(com, in.QualityParams); err != nil {
					return err
				}
				a.QualityParams = in.QualityParams
			}
			if in.ValidUntil != nil {
				if !a.ValidFrom.Before(*in.ValidUntil) {
					return domain.ValidationError("valid_until must follow valid_from", "valid_until")
				}
				a.ValidUntil = *in.ValidUntil
			}
			if in.MarketVisibility != nil {
				a.MarketVisibility = *in.MarketVisibility
			}

			if err := s.repo.UpdateMutableTx(ctx, tx, a); err != nil {
				return err
			}

			env, err = s.envelope(ctx, events.AvailabilityUpdated, a)
			if err != nil {
				return err
			}
			if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
				return err
			}
			if err := s.store.AppendTx(ctx, tx, env); err != nil {
				return err
			}
			updated = a
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(env)
	return updated, nil
}

// Cancel terminally closes an open posting.
func (s *Service) Cancel(ctx context.Context, availabilityID string) error {
	var env *events.Envelope
	err := s.withConflictRetry(ctx, func() error {
		return database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
			a, err := s.repo.GetForUpdateTx(ctx, tx, availabilityID)
			if err != nil {
				return err
			}
			if a == nil {
				return domain.NewError(domain.KindNotFound, "availability not found")
			}
			if a.Status == domain.AvailSold || a.Status == domain.AvailCancelled {
				return domain.NewError(domain.KindCancelled, "availability is already closed")
			}

			a.Status = domain.AvailCancelled
			if err := s.repo.UpdateMutableTx(ctx, tx, a); err != nil {
				return err
			}

			env, err = s.envelope(ctx, events.AvailabilityCancelled, a)
			if err != nil {
				return err
			}
			if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
				return err
			}
			return s.store.AppendTx(ctx, tx, env)
		})
	})
	if err != nil {
		return err
	}

	s.bus.Emit(env)
	return nil
}

// ReleaseExpired releases HELD reservations past their TTL. Called by the
// sweep scheduler; each reservation releases independently so one failure
// does not block the rest.
func (s *Service) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.repo.ExpiredReservations(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, res := range expired {
		err := s.withConflictRetry(ctx, func() error {
			return database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
				a, err := s.repo.GetForUpdateTx(ctx, tx, res.AvailabilityID)
				if err != nil {
					return err
				}
				if a == nil {
					return nil
				}
				if err := s.repo.MarkReservationTx(ctx, tx, res.ID, ReservationReleased); err != nil {
					return err
				}

				a.Reserved = a.Reserved.Sub(res.Qty)
				if a.Reserved.IsNegative() {
					a.Reserved = decimal.Zero
				}
				if err := s.repo.UpdateQuantitiesTx(ctx, tx, a); err != nil {
					return err
				}

				env, err := s.envelope(ctx, events.AvailabilityReleased, a)
				if err != nil {
					return err
				}
				if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
					return err
				}
				return s.store.AppendTx(ctx, tx, env)
			})
		})
		if err != nil {
			s.log.Warn().Err(err).Str("reservation_id", res.ID).Msg("Expired reservation release failed")
			continue
		}
		released++
	}
	return released, nil
}

// ExpireOverdue transitions open postings past their validity window to
// EXPIRED. Each posting expires in its own transaction.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	ids, err := s.repo.OverdueIDs(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		err := database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
			a, err := s.repo.GetForUpdateTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if a == nil || (a.Status != domain.AvailAvailable && a.Status != domain.AvailPartiallySold) {
				return nil
			}

			a.Status = domain.AvailExpired
			if err := s.repo.UpdateMutableTx(ctx, tx, a); err != nil {
				return err
			}

			env, err := s.envelope(ctx, events.AvailabilityExpired, a)
			if err != nil {
				return err
			}
			if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
				return err
			}
			return s.store.AppendTx(ctx, tx, env)
		})
		if err != nil {
			s.log.Warn().Err(err).Str("availability_id", id).Msg("Expiry failed")
			continue
		}
		expired++
	}
	return expired, nil
}

// Get loads an availability by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Availability, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, domain.WrapError(domain.KindTransientInfra, "availability lookup failed", err)
	}
	if a == nil {
		return nil, domain.NewError(domain.KindNotFound, "availability not found")
	}
	return a, nil
}

func (s *Service) convertQty(qty decimal.Decimal, tradeUnit string, com *domain.Commodity) (decimal.Decimal, error) {
	if com.DensityOverride != nil {
		density := decimal.NewFromFloat(*com.DensityOverride)
		converted, err := s.converter.ConvertWithDensity(qty, tradeUnit, com.BaseUnit, density)
		if err == nil {
			return converted, nil
		}
	}
	return s.converter.Convert(qty, tradeUnit, com.BaseUnit)
}

func (s *Service) envelope(ctx context.Context, t events.EventType, a *domain.Availability) (*events.Envelope, error) {
	return events.NewEnvelope(t, "availability", a.ID, a, domain.MetadataFrom(ctx))
}

// withConflictRetry retries optimistic-version conflicts with a short
// doubling backoff, per the shared-resource policy.
func (s *Service) withConflictRetry(ctx context.Context, fn func() error) error {
	backoff := 50 * time.Millisecond
	var err error
	for i := 0; i < reserveRetries; i++ {
		err = fn()
		if err == nil || !domain.IsKind(err, domain.KindConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return domain.WrapError(domain.KindTransientInfra, "cancelled while retrying", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// precheckError maps tier-1 reasons onto the closest error kind.
func precheckError(reasons []string) error {
	for _, r := range reasons {
		if strings.Contains(r, "counter-posting") {
			return domain.NewError(domain.KindCircularTrade, r)
		}
		if strings.Contains(r, "credit") {
			return domain.NewError(domain.KindInsufficientCredit, r)
		}
	}
	reason := "risk precheck failed"
	if len(reasons) > 0 {
		reason = reasons[0]
	}
	return domain.NewError(domain.KindValidation, reason).WithFields(reasons...)
}
