package matching

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/domain"
	"github.com/mandinet/tradecore/internal/events"
)

// Fan-out cap when an availability change re-triggers open requirements.
const triggerFanout = 50

// EnqueueRequirement queues a high-priority matching job. Posting services
// call this inline after publication.
func (q *Queue) EnqueueRequirement(requirementID string) error {
	return q.Enqueue(Job{RequirementID: requirementID, Priority: PriorityHigh})
}

// Worker drains the queue and runs the engine per job.
type Worker struct {
	queue  *Queue
	engine *Engine
	repo   *Repository
	log    zerolog.Logger

	stopChan chan struct{}
	done     chan struct{}
}

// NewWorker creates a matching worker.
func NewWorker(queue *Queue, engine *Engine, repo *Repository, log zerolog.Logger) *Worker {
	return &Worker{
		queue:    queue,
		engine:   engine,
		repo:     repo,
		log:      log.With().Str("component", "matching_worker").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the drain loop.
func (w *Worker) Start() {
	go w.loop()
	w.log.Info().Msg("Matching worker started")
}

// Stop signals the loop and waits for the in-flight job to finish.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.done
	w.log.Info().Msg("Matching worker stopped")
}

func (w *Worker) loop() {
	defer close(w.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		w.drain()
		select {
		case <-w.stopChan:
			return
		case <-w.queue.Wait():
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case <-w.stopChan:
			return
		default:
		}
		job, ok := w.queue.Dequeue()
		if !ok {
			return
		}
		if err := w.engine.Run(context.Background(), job.RequirementID); err != nil {
			w.log.Warn().Err(err).
				Str("requirement_id", job.RequirementID).
				Msg("Matching run failed")
		}
	}
}

// RegisterHandlers wires the matcher's in-process triggers. Requirement
// publication enqueues directly through the scheduler; the bus covers the
// remaining trigger events.
func (w *Worker) RegisterHandlers(bus *events.Bus) {
	bus.Subscribe(events.RequirementPublished, func(e *events.Envelope) {
		w.enqueue(e.AggregateID, PriorityHigh)
	})
	bus.Subscribe(events.RequirementUpdated, func(e *events.Envelope) {
		w.enqueue(e.AggregateID, PriorityMedium)
	})
	bus.Subscribe(events.RiskStatusChanged, func(e *events.Envelope) {
		if e.AggregateType == "requirement" {
			w.enqueue(e.AggregateID, PriorityMedium)
		}
	})

	onAvailability := func(e *events.Envelope) {
		var payload struct {
			CommodityID string `json:"commodity_id"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err != nil || payload.CommodityID == "" {
			w.log.Warn().Err(err).Str("event_id", e.EventID).Msg("Availability trigger payload unreadable")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ids, err := w.repo.OpenRequirementIDs(ctx, payload.CommodityID, triggerFanout)
		if err != nil {
			w.log.Warn().Err(err).Msg("Open requirement lookup failed")
			return
		}
		for _, id := range ids {
			w.enqueue(id, PriorityMedium)
		}
	}
	bus.Subscribe(events.AvailabilityCreated, onAvailability)
	bus.Subscribe(events.AvailabilityUpdated, onAvailability)
}

// SweepOnce re-enqueues open requirements at the lowest priority, picking up
// anything whose inline trigger was lost or rejected. Returns the number of
// jobs queued.
func (w *Worker) SweepOnce(ctx context.Context) (int, error) {
	ids, err := w.repo.OpenRequirementIDs(ctx, "", 100)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, id := range ids {
		if err := w.queue.Enqueue(Job{RequirementID: id, Priority: PriorityLow}); err != nil {
			if domain.IsKind(err, domain.KindBusy) {
				break
			}
			return queued, err
		}
		queued++
	}
	return queued, nil
}

func (w *Worker) enqueue(requirementID string, priority Priority) {
	err := w.queue.Enqueue(Job{RequirementID: requirementID, Priority: priority})
	if err != nil && !domain.IsKind(err, domain.KindBusy) {
		w.log.Warn().Err(err).Str("requirement_id", requirementID).Msg("Matching enqueue failed")
	}
}
