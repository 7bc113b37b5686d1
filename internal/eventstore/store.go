// Package eventstore persists every emitted domain event to an append-only
// audit table, keyed by aggregate. It is a read model for investigations and
// replay, not a source of truth; the outbox owns external delivery.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/events"
)

// Record is one stored event with its append sequence.
type Record struct {
	Sequence      int64           `db:"sequence"`
	EventID       string          `db:"event_id"`
	AggregateID   string          `db:"aggregate_id"`
	AggregateType string          `db:"aggregate_type"`
	EventType     string          `db:"event_type"`
	SchemaVersion int             `db:"schema_version"`
	Payload       json.RawMessage `db:"payload"`
	Metadata      json.RawMessage `db:"metadata"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Store handles event store database operations.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewStore creates a new event store
func NewStore(db *sqlx.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("repo", "event_store").Logger(),
	}
}

// AppendTx writes envelopes to the store inside the caller's transaction so
// the audit trail commits atomically with the business change and the outbox.
func (s *Store) AppendTx(ctx context.Context, tx *sqlx.Tx, envelopes ...*events.Envelope) error {
	query := `
		INSERT INTO event_store
		(event_id, aggregate_id, aggregate_type, event_type, schema_version,
		 payload, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`

	for _, e := range envelopes {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			e.EventID, e.AggregateID, e.AggregateType, string(e.Type),
			e.SchemaVersion, []byte(e.Payload), meta, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to append event %s: %w", e.EventID, err)
		}
	}
	return nil
}

// History returns an aggregate's events in append order, payloads upgraded
// to the current schema version through the registry.
func (s *Store) History(ctx context.Context, aggregateID string) ([]Record, error) {
	query := `
		SELECT sequence, event_id, aggregate_id, aggregate_type, event_type,
		       schema_version, payload, metadata, created_at
		FROM event_store
		WHERE aggregate_id = $1
		ORDER BY sequence
	`

	var records []Record
	if err := s.db.SelectContext(ctx, &records, query, aggregateID); err != nil {
		return nil, fmt.Errorf("failed to load event history: %w", err)
	}

	registry := events.DefaultRegistry()
	for i := range records {
		rec := &records[i]
		payload, version, err := registry.Upgrade(events.EventType(rec.EventType), rec.SchemaVersion, rec.Payload)
		if err != nil {
			// Old rows for retired types stay readable at their stored version.
			s.log.Warn().Err(err).
				Str("event_id", rec.EventID).
				Str("event_type", rec.EventType).
				Msg("Event payload upgrade skipped")
			continue
		}
		rec.Payload = payload
		rec.SchemaVersion = version
	}
	return records, nil
}

// ByType returns recent events of one type across aggregates, newest first.
// Used by operator tooling to inspect matcher and risk activity.
func (s *Store) ByType(ctx context.Context, eventType events.EventType, since time.Time, limit int) ([]Record, error) {
	query := `
		SELECT sequence, event_id, aggregate_id, aggregate_type, event_type,
		       schema_version, payload, metadata, created_at
		FROM event_store
		WHERE event_type = $1 AND created_at >= $2
		ORDER BY sequence DESC
		LIMIT $3
	`

	var records []Record
	if err := s.db.SelectContext(ctx, &records, query, string(eventType), since, limit); err != nil {
		return nil, fmt.Errorf("failed to load events by type: %w", err)
	}
	return records, nil
}
