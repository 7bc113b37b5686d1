// Package events provides the domain event catalog, the in-process bus and
// the schema-version registry. Durable delivery to external consumers goes
// through the outbox; the bus only drives in-process reactions (matching
// triggers, capability recomputation, config reload).
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mandinet/tradecore/internal/domain"
)

// EventType represents different event types
type EventType string

const (
	AvailabilityCreated   EventType = "AVAILABILITY_CREATED"
	AvailabilityUpdated   EventType = "AVAILABILITY_UPDATED"
	AvailabilityReserved  EventType = "AVAILABILITY_RESERVED"
	AvailabilityReleased  EventType = "AVAILABILITY_RELEASED"
	AvailabilitySold      EventType = "AVAILABILITY_SOLD"
	AvailabilityExpired   EventType = "AVAILABILITY_EXPIRED"
	AvailabilityCancelled EventType = "AVAILABILITY_CANCELLED"

	RequirementCreated   EventType = "REQUIREMENT_CREATED"
	RequirementPublished EventType = "REQUIREMENT_PUBLISHED"
	RequirementUpdated   EventType = "REQUIREMENT_UPDATED"
	RequirementCancelled EventType = "REQUIREMENT_CANCELLED"
	RequirementFulfilled EventType = "REQUIREMENT_FULFILLED"

	MatchFound   EventType = "MATCH_FOUND"
	NoMatchFound EventType = "NO_MATCH_FOUND"

	RiskStatusChanged   EventType = "RISK_STATUS_CHANGED"
	CapabilitiesUpdated EventType = "CAPABILITIES_UPDATED"
	DocumentVerified    EventType = "DOCUMENT_VERIFIED"
	ConfigChanged       EventType = "CONFIG_CHANGED"
	OutboxDead          EventType = "OUTBOX_DEAD"
)

// Topic returns the bus topic an event type publishes to. Topics group
// events per aggregate family so per-key ordering maps onto aggregates.
func (t EventType) Topic() string {
	switch t {
	case AvailabilityCreated, AvailabilityUpdated, AvailabilityReserved,
		AvailabilityReleased, AvailabilitySold, AvailabilityExpired,
		AvailabilityCancelled:
		return "trade.availability"
	case RequirementCreated, RequirementPublished, RequirementUpdated,
		RequirementCancelled, RequirementFulfilled:
		return "trade.requirement"
	case MatchFound, NoMatchFound:
		return "trade.match"
	case RiskStatusChanged:
		return "trade.risk"
	case CapabilitiesUpdated, DocumentVerified:
		return "trade.partner"
	case ConfigChanged:
		return "trade.config"
	case OutboxDead:
		return "trade.alert"
	default:
		return "trade.misc"
	}
}

// Envelope is a versioned domain event. Payload is a frozen snapshot
// sufficient for downstream reconstruction; consumers never re-read the
// aggregate.
type Envelope struct {
	EventID        string               `json:"event_id"`
	AggregateID    string               `json:"aggregate_id"`
	AggregateType  string               `json:"aggregate_type"`
	Type           EventType            `json:"event_type"`
	SchemaVersion  int                  `json:"schema_version"`
	Payload        json.RawMessage      `json:"payload"`
	Metadata       domain.EventMetadata `json:"metadata"`
	Topic          string               `json:"topic"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// NewEnvelope builds an envelope for a payload struct, stamping the current
// schema version for the event type from the registry.
func NewEnvelope(eventType EventType, aggregateType, aggregateID string, payload any, meta domain.EventMetadata) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to marshal event payload", err)
	}
	return &Envelope{
		EventID:       uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Type:          eventType,
		SchemaVersion: CurrentVersion(eventType),
		Payload:       raw,
		Metadata:      meta,
		Topic:         eventType.Topic(),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// WithIdempotencyKey sets the optional dedup key and returns the envelope.
func (e *Envelope) WithIdempotencyKey(key string) *Envelope {
	e.IdempotencyKey = key
	return e
}
