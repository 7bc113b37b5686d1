package capability

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/database"
	"github.com/mandinet/tradecore/internal/domain"
	"github.com/mandinet/tradecore/internal/events"
	"github.com/mandinet/tradecore/internal/eventstore"
	"github.com/mandinet/tradecore/internal/outbox"
)

// Service recomputes partner capabilities on document changes.
type Service struct {
	db     *sqlx.DB
	repo   *Repository
	outbox *outbox.Repository
	store  *eventstore.Store
	bus    *events.Bus
	log    zerolog.Logger
}

// NewService creates a new capability service
func NewService(db *sqlx.DB, repo *Repository, ob *outbox.Repository, store *eventstore.Store, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		db:     db,
		repo:   repo,
		outbox: ob,
		store:  store,
		bus:    bus,
		log:    log.With().Str("service", "capability").Logger(),
	}
}

// RegisterHandlers subscribes the service to document verification events.
func (s *Service) RegisterHandlers() {
	s.bus.Subscribe(events.DocumentVerified, func(e *events.Envelope) {
		var payload struct {
			PartnerID string `json:"partner_id"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err != nil || payload.PartnerID == "" {
			s.log.Error().Err(err).Str("event_id", e.EventID).Msg("Malformed document event")
			return
		}
		ctx := domain.WithSecurityContext(context.Background(), domain.SecurityContext{
			ActorID: e.Metadata.ActorID,
			TraceID: e.Metadata.TraceID,
		})
		if _, err := s.UpdateCapabilities(ctx, payload.PartnerID); err != nil {
			s.log.Error().Err(err).Str("partner_id", payload.PartnerID).Msg("Capability recomputation failed")
		}
	})
}

// UpdateCapabilities rederives a partner's capability set from its verified
// documents. Idempotent: an unchanged set writes nothing and emits nothing.
// Returns the resulting set.
func (s *Service) UpdateCapabilities(ctx context.Context, partnerID string) (domain.CapabilitySet, error) {
	docs, err := s.repo.VerifiedDocuments(ctx, partnerID)
	if err != nil {
		return nil, domain.WrapError(domain.KindTransientInfra, "document lookup failed", err)
	}

	var result domain.CapabilitySet
	var changed *events.Envelope

	err = database.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
		partner, err := s.repo.GetPartnerTx(ctx, tx, partnerID)
		if err != nil {
			return err
		}
		if partner == nil {
			return domain.NewError(domain.KindNotFound, "partner not found")
		}

		derived := Detect(partner, docs)
		result = derived
		if derived.Equal(partner.Capabilities) {
			return nil
		}

		if err := s.repo.UpdateCapabilitiesTx(ctx, tx, partnerID, derived); err != nil {
			return err
		}

		env, err := events.NewEnvelope(events.CapabilitiesUpdated, "partner", partnerID, map[string]any{
			"partner_id":   partnerID,
			"capabilities": derived,
			"previous":     partner.Capabilities,
		}, domain.MetadataFrom(ctx))
		if err != nil {
			return err
		}
		if err := s.outbox.InsertTx(ctx, tx, env); err != nil {
			return err
		}
		if err := s.store.AppendTx(ctx, tx, env); err != nil {
			return err
		}
		changed = env
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed != nil {
		s.bus.Emit(changed)
		s.log.Info().
			Str("partner_id", partnerID).
			Interface("capabilities", result).
			Msg("Capabilities updated")
	}
	return result, nil
}
