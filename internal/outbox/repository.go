// Package outbox implements the transactional outbox: domain events are
// inserted in the same database transaction as the business change, then
// published to the external bus by partitioned workers with at-least-once
// semantics, a retry ladder and a dead-letter state.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/events"
)

// Status is the outbox row lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusPublishing Status = "PUBLISHING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
	StatusDead       Status = "DEAD"
)

// MaxAttempts is the number of publish failures before a row goes DEAD.
const MaxAttempts = 5

// Row is one outbox entry.
type Row struct {
	EventID        string          `db:"event_id"`
	AggregateID    string          `db:"aggregate_id"`
	AggregateType  string          `db:"aggregate_type"`
	EventType      string          `db:"event_type"`
	SchemaVersion  int             `db:"schema_version"`
	Payload        json.RawMessage `db:"payload"`
	Metadata       json.RawMessage `db:"metadata"`
	Topic          string          `db:"topic"`
	Status         Status          `db:"status"`
	Attempts       int             `db:"attempts"`
	NextAttemptAt  time.Time       `db:"next_attempt_at"`
	IdempotencyKey sql.NullString  `db:"idempotency_key"`
	CreatedAt      time.Time       `db:"created_at"`
	PublishedAt    *time.Time      `db:"published_at"`
}

// Repository handles outbox database operations.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository creates a new outbox repository
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "outbox").Logger(),
	}
}

// InsertTx inserts envelopes inside the caller's business transaction.
// Envelopes with an idempotency key are silently deduped to the original
// row; an unregistered (type, version) pair fails the whole transaction.
func (r *Repository) InsertTx(ctx context.Context, tx *sqlx.Tx, envelopes ...*events.Envelope) error {
	query := `
		INSERT INTO event_outbox
		(event_id, aggregate_id, aggregate_type, event_type, schema_version,
		 payload, metadata, topic, status, attempts, next_attempt_at,
		 idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING', 0, $9, $10, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	for _, e := range envelopes {
		if err := events.Validate(e); err != nil {
			return fmt.Errorf("refusing to stage event: %w", err)
		}

		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}

		var key sql.NullString
		if e.IdempotencyKey != "" {
			key = sql.NullString{String: e.IdempotencyKey, Valid: true}
		}

		if _, err := tx.ExecContext(ctx, query,
			e.EventID, e.AggregateID, e.AggregateType, string(e.Type),
			e.SchemaVersion, []byte(e.Payload), meta, e.Topic,
			e.CreatedAt, key,
		); err != nil {
			return fmt.Errorf("failed to insert outbox event %s: %w", e.EventID, err)
		}
	}

	return nil
}

// Claim picks up to limit due PENDING rows belonging to the given partition
// and marks them PUBLISHING. Partitioning by hash(aggregate_id) keeps each
// aggregate's events on a single worker so insertion order is preserved;
// SKIP LOCKED lets partitions run in parallel without blocking each other.
// An aggregate with an older unpublished event (a FAILED row waiting out its
// backoff, or a row claimed by another batch) is excluded entirely, so a
// newer sibling can never publish ahead of it across polls.
func (r *Repository) Claim(ctx context.Context, partition, workers, limit int) ([]Row, error) {
	query := `
		UPDATE event_outbox
		SET status = 'PUBLISHING', claimed_at = now()
		WHERE event_id IN (
			SELECT event_id FROM event_outbox e
			WHERE e.status IN ('PENDING', 'FAILED')
			  AND e.next_attempt_at <= now()
			  AND mod(abs(hashtext(e.aggregate_id)), $1) = $2
			  AND NOT EXISTS (
				SELECT 1 FROM event_outbox prior
				WHERE prior.aggregate_id = e.aggregate_id
				  AND prior.created_at < e.created_at
				  AND prior.status IN ('PENDING', 'FAILED', 'PUBLISHING')
			  )
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING event_id, aggregate_id, aggregate_type, event_type,
		          schema_version, payload, metadata, topic, status, attempts,
		          next_attempt_at, idempotency_key, created_at, published_at
	`

	var rows []Row
	if err := r.db.SelectContext(ctx, &rows, query, workers, partition, limit); err != nil {
		return nil, fmt.Errorf("failed to claim outbox rows: %w", err)
	}
	return rows, nil
}

// MarkPublished transitions a row to PUBLISHED with the publication time.
func (r *Repository) MarkPublished(ctx context.Context, eventID string) error {
	query := `
		UPDATE event_outbox
		SET status = 'PUBLISHED', published_at = now()
		WHERE event_id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, eventID); err != nil {
		return fmt.Errorf("failed to mark outbox event published: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Below MaxAttempts the row returns to
// FAILED with the next attempt scheduled on the backoff ladder; at
// MaxAttempts it goes DEAD. Returns the resulting status.
func (r *Repository) MarkFailed(ctx context.Context, eventID string, attempts int) (Status, error) {
	if attempts >= MaxAttempts {
		query := `
			UPDATE event_outbox
			SET status = 'DEAD', attempts = $2
			WHERE event_id = $1
		`
		if _, err := r.db.ExecContext(ctx, query, eventID, attempts); err != nil {
			return "", fmt.Errorf("failed to mark outbox event dead: %w", err)
		}
		return StatusDead, nil
	}

	next := time.Now().UTC().Add(Backoff(attempts))
	query := `
		UPDATE event_outbox
		SET status = 'FAILED', attempts = $2, next_attempt_at = $3
		WHERE event_id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, eventID, attempts, next); err != nil {
		return "", fmt.Errorf("failed to mark outbox event failed: %w", err)
	}
	return StatusFailed, nil
}

// Backoff returns the retry delay after the given attempt count:
// 10s, 20s, 40s, 80s, 160s, capped at 600s.
func Backoff(attempts int) time.Duration {
	d := 10 * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 600*time.Second {
			return 600 * time.Second
		}
	}
	return d
}

// ReapStuck resets rows whose PUBLISHING claim is older than the lease back
// to PENDING. Covers workers that crashed between claim and mark; a slow but
// alive worker keeps its rows as long as the lease outlasts the publish
// budget. Reaping a live claim only produces a duplicate publish, which the
// at-least-once contract already allows.
func (r *Repository) ReapStuck(ctx context.Context, lease time.Duration) (int64, error) {
	query := `
		UPDATE event_outbox
		SET status = 'PENDING'
		WHERE status = 'PUBLISHING'
		  AND claimed_at <= $1
	`
	res, err := r.db.ExecContext(ctx, query, time.Now().UTC().Add(-lease))
	if err != nil {
		return 0, fmt.Errorf("failed to reap stuck outbox rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetPublished moves PUBLISHED rows back to PENDING for replay. Consumers
// must tolerate the resulting duplicates (at-least-once contract).
func (r *Repository) ResetPublished(ctx context.Context, aggregateID string) (int64, error) {
	query := `
		UPDATE event_outbox
		SET status = 'PENDING', attempts = 0, next_attempt_at = now(), published_at = NULL
		WHERE status = 'PUBLISHED' AND aggregate_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset published outbox rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertStandalone inserts an envelope in its own transaction. Used for
// alert events (OUTBOX_DEAD) that have no surrounding business change.
func (r *Repository) InsertStandalone(ctx context.Context, e *events.Envelope) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	if err := r.InsertTx(ctx, tx, e); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outbox transaction: %w", err)
	}
	return nil
}

// GetByID fetches a single row; returns nil when absent.
func (r *Repository) GetByID(ctx context.Context, eventID string) (*Row, error) {
	query := `
		SELECT event_id, aggregate_id, aggregate_type, event_type,
		       schema_version, payload, metadata, topic, status, attempts,
		       next_attempt_at, idempotency_key, created_at, published_at
		FROM event_outbox WHERE event_id = $1
	`
	var row Row
	err := r.db.GetContext(ctx, &row, query, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox event: %w", err)
	}
	return &row, nil
}
