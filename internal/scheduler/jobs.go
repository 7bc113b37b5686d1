package scheduler

import (
	"context"
	"time"
)

// Batch size shared by the sweep jobs.
const sweepLimit = 100

// ReservationSweeper releases held reservations past their TTL.
type ReservationSweeper interface {
	ReleaseExpired(ctx context.Context, limit int) (int, error)
}

// Expirer transitions overdue postings to EXPIRED.
type Expirer interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// SafetySweeper re-enqueues open requirements whose inline matching trigger
// was lost.
type SafetySweeper interface {
	SweepOnce(ctx context.Context) (int, error)
}

// StuckReaper returns outbox rows stuck in PUBLISHING to the pending pool.
type StuckReaper interface {
	ReapStuck(ctx context.Context, lease time.Duration) (int64, error)
}

// ReservationSweepJob releases expired reservations every minute.
type ReservationSweepJob struct {
	Sweeper ReservationSweeper
}

func (ReservationSweepJob) Name() string     { return "reservation_sweep" }
func (ReservationSweepJob) Schedule() string { return "@every 1m" }

func (j ReservationSweepJob) Run(ctx context.Context) (int, error) {
	return j.Sweeper.ReleaseExpired(ctx, sweepLimit)
}

// ExpiryJob expires overdue availabilities and requirements.
type ExpiryJob struct {
	Availabilities Expirer
	Requirements   Expirer
}

func (ExpiryJob) Name() string     { return "posting_expiry" }
func (ExpiryJob) Schedule() string { return "@every 5m" }

func (j ExpiryJob) Run(ctx context.Context) (int, error) {
	a, err := j.Availabilities.ExpireOverdue(ctx, sweepLimit)
	if err != nil {
		return a, err
	}
	r, err := j.Requirements.ExpireOverdue(ctx, sweepLimit)
	return a + r, err
}

// MatchSweepJob runs the matcher safety sweep at the lowest queue priority.
type MatchSweepJob struct {
	Sweeper SafetySweeper
}

func (MatchSweepJob) Name() string     { return "match_safety_sweep" }
func (MatchSweepJob) Schedule() string { return "@every 30s" }

func (j MatchSweepJob) Run(ctx context.Context) (int, error) {
	return j.Sweeper.SweepOnce(ctx)
}

// OutboxReapJob recovers outbox rows abandoned mid-publish, for example
// after a worker crash.
type OutboxReapJob struct {
	Reaper StuckReaper
	Lease  time.Duration
}

func (OutboxReapJob) Name() string     { return "outbox_reap" }
func (OutboxReapJob) Schedule() string { return "@every 1m" }

func (j OutboxReapJob) Run(ctx context.Context) (int, error) {
	lease := j.Lease
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	n, err := j.Reaper.ReapStuck(ctx, lease)
	return int(n), err
}
