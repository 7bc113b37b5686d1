package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mandinet/tradecore/internal/domain"
	"github.com/mandinet/tradecore/internal/events"
)

// EventPublisher is the external delivery port (message broker, webhook
// fan-out). Publish must be safe for concurrent use across partitions.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

// WorkerConfig tunes the partitioned publisher.
type WorkerConfig struct {
	Workers       int           // partition count, each runs single-threaded
	BatchSize     int           // rows claimed per poll
	PollInterval  time.Duration // idle sleep between polls
	PublishBudget time.Duration // per-event publish deadline
}

// DefaultWorkerConfig returns the production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:       4,
		BatchSize:     100,
		PollInterval:  time.Second,
		PublishBudget: 10 * time.Second,
	}
}

// Worker drains the outbox. Each partition is a single goroutine so events
// of one aggregate publish in insertion order; distinct partitions run in
// parallel.
type Worker struct {
	repo      *Repository
	publisher EventPublisher
	cfg       WorkerConfig
	log       zerolog.Logger
	stopChan  chan struct{}
	done      chan struct{}
}

// NewWorker creates a new outbox publisher worker
func NewWorker(repo *Repository, publisher EventPublisher, cfg WorkerConfig, log zerolog.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PublishBudget <= 0 {
		cfg.PublishBudget = 10 * time.Second
	}
	return &Worker{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With().Str("component", "outbox_publisher").Logger(),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the partition loops. Returns immediately; Stop blocks until
// all partitions drain their current batch.
func (w *Worker) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < w.cfg.Workers; p++ {
		partition := p
		g.Go(func() error {
			w.runPartition(ctx, partition)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(w.done)
	}()

	w.log.Info().Int("workers", w.cfg.Workers).Msg("Outbox publisher started")
}

// Stop signals all partitions and waits for them to finish.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.done
	w.log.Info().Msg("Outbox publisher stopped")
}

func (w *Worker) runPartition(ctx context.Context, partition int) {
	log := w.log.With().Int("partition", partition).Logger()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := w.DrainOnce(ctx, partition)
		if err != nil {
			log.Error().Err(err).Msg("Outbox drain failed")
		}
		if n == 0 {
			select {
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

// DrainOnce claims and publishes one batch for a partition. Returns the
// number of rows claimed. A publish failure for an aggregate skips the rest
// of that aggregate's rows in the batch to preserve per-aggregate ordering.
func (w *Worker) DrainOnce(ctx context.Context, partition int) (int, error) {
	rows, err := w.repo.Claim(ctx, partition, w.cfg.Workers, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	blocked := make(map[string]bool)
	for i := range rows {
		row := &rows[i]
		if blocked[row.AggregateID] {
			if _, err := w.repo.MarkFailed(ctx, row.EventID, row.Attempts+1); err != nil {
				w.log.Error().Err(err).Str("event_id", row.EventID).Msg("Failed to requeue blocked event")
			}
			continue
		}
		if err := w.publishRow(ctx, row); err != nil {
			blocked[row.AggregateID] = true
		}
	}
	return len(rows), nil
}

func (w *Worker) publishRow(ctx context.Context, row *Row) error {
	pubCtx, cancel := context.WithTimeout(ctx, w.cfg.PublishBudget)
	defer cancel()

	headers := map[string]string{
		"event_id":       row.EventID,
		"event_type":     row.EventType,
		"aggregate_type": row.AggregateType,
		"schema_version": fmt.Sprintf("%d", row.SchemaVersion),
	}
	if row.IdempotencyKey.Valid {
		headers["idempotency_key"] = row.IdempotencyKey.String
	}

	err := w.publisher.Publish(pubCtx, row.Topic, row.AggregateID, row.Payload, headers)
	if err == nil {
		if err := w.repo.MarkPublished(ctx, row.EventID); err != nil {
			w.log.Error().Err(err).Str("event_id", row.EventID).Msg("Failed to mark event published")
		}
		return nil
	}

	attempts := row.Attempts + 1
	status, markErr := w.repo.MarkFailed(ctx, row.EventID, attempts)
	if markErr != nil {
		w.log.Error().Err(markErr).Str("event_id", row.EventID).Msg("Failed to mark event failed")
		return err
	}

	w.log.Warn().
		Err(err).
		Str("event_id", row.EventID).
		Str("event_type", row.EventType).
		Int("attempts", attempts).
		Str("status", string(status)).
		Msg("Event publish failed")

	if status == StatusDead {
		w.emitDead(ctx, row, err)
	}
	return err
}

// emitDead stages an OUTBOX_DEAD alert for the operator channel. The alert
// itself goes through the outbox so it benefits from the same retry ladder.
func (w *Worker) emitDead(ctx context.Context, row *Row, cause error) {
	payload := map[string]any{
		"event_id":       row.EventID,
		"event_type":     row.EventType,
		"aggregate_id":   row.AggregateID,
		"aggregate_type": row.AggregateType,
		"attempts":       MaxAttempts,
		"last_error":     cause.Error(),
	}

	var meta domain.EventMetadata
	if len(row.Metadata) > 0 {
		_ = json.Unmarshal(row.Metadata, &meta)
	}

	env, err := events.NewEnvelope(events.OutboxDead, "outbox", row.EventID, payload, meta)
	if err != nil {
		w.log.Error().Err(err).Str("event_id", row.EventID).Msg("Failed to build dead-letter alert")
		return
	}
	// Key on the dead event so repeated DLQ transitions stay deduped.
	env = env.WithIdempotencyKey("outbox-dead:" + row.EventID)

	if err := w.repo.InsertStandalone(ctx, env); err != nil {
		w.log.Error().Err(err).Str("event_id", row.EventID).Msg("Failed to stage dead-letter alert")
	}
}
