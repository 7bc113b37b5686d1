package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name     string
	schedule string
	runs     atomic.Int32
	err      error
}

func (j *countingJob) Name() string     { return j.name }
func (j *countingJob) Schedule() string { return j.schedule }
func (j *countingJob) Run(ctx context.Context) (int, error) {
	j.runs.Add(1)
	return 1, j.err
}

func TestScheduler_RunsJobsOnSchedule(t *testing.T) {
	job := &countingJob{name: "fast", schedule: "@every 10ms"}
	s, err := New(zerolog.New(io.Discard), job)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return job.runs.Load() >= 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestScheduler_JobErrorDoesNotStopOthers(t *testing.T) {
	failing := &countingJob{name: "failing", schedule: "@every 10ms", err: errors.New("down")}
	healthy := &countingJob{name: "healthy", schedule: "@every 10ms"}
	s, err := New(zerolog.New(io.Discard), failing, healthy)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return failing.runs.Load() >= 1 && healthy.runs.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	job := &countingJob{name: "broken", schedule: "not a schedule"}
	_, err := New(zerolog.New(io.Discard), job)
	assert.Error(t, err)
}

type fixedSweeper struct{ n int }

func (f fixedSweeper) ReleaseExpired(ctx context.Context, limit int) (int, error) { return f.n, nil }
func (f fixedSweeper) ExpireOverdue(ctx context.Context, limit int) (int, error)  { return f.n, nil }

func TestExpiryJob_SumsBothSides(t *testing.T) {
	job := ExpiryJob{Availabilities: fixedSweeper{n: 2}, Requirements: fixedSweeper{n: 3}}
	n, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
