// Package matching implements the location-first matching engine: a bounded
// priority queue of jobs, a candidate pipeline (geo filter, duplicate and
// insider checks, weighted scoring) and atomic allocation against
// availability rows.
package matching

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/domain"
)

// Priority orders matching jobs. The safety sweep always uses Low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Job is one unit of matching work.
type Job struct {
	RequirementID string
	Priority      Priority
}

// Queue is a bounded three-level priority queue. When total depth reaches
// the limit, Enqueue rejects with Busy and the producer retries with backoff.
type Queue struct {
	high   chan Job
	medium chan Job
	low    chan Job

	mu       sync.Mutex
	inflight int
	limit    int

	notify chan struct{}
	log    zerolog.Logger
}

// NewQueue creates a queue bounded at limit jobs across all priorities.
func NewQueue(limit int, log zerolog.Logger) *Queue {
	return &Queue{
		high:   make(chan Job, limit),
		medium: make(chan Job, limit),
		low:    make(chan Job, limit),
		limit:  limit,
		notify: make(chan struct{}, 1),
		log:    log.With().Str("component", "match_queue").Logger(),
	}
}

// Enqueue adds a job, rejecting with Busy at capacity.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	if q.inflight >= q.limit {
		q.mu.Unlock()
		return domain.NewError(domain.KindBusy, "matching queue is full")
	}
	q.inflight++
	q.mu.Unlock()

	switch job.Priority {
	case PriorityHigh:
		q.high <- job
	case PriorityMedium:
		q.medium <- job
	default:
		q.low <- job
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the highest-priority available job without blocking.
func (q *Queue) Dequeue() (Job, bool) {
	select {
	case job := <-q.high:
		q.done()
		return job, true
	default:
	}
	select {
	case job := <-q.medium:
		q.done()
		return job, true
	default:
	}
	select {
	case job := <-q.low:
		q.done()
		return job, true
	default:
	}
	return Job{}, false
}

// Wait returns a channel signalled when new work arrives.
func (q *Queue) Wait() <-chan struct{} {
	return q.notify
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

func (q *Queue) done() {
	q.mu.Lock()
	q.inflight--
	q.mu.Unlock()
}
