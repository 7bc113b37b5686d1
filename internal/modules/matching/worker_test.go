package matching

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandinet/tradecore/internal/cache"
	"github.com/mandinet/tradecore/internal/domain"
	"github.com/mandinet/tradecore/internal/events"
)

func newTestWorker(t *testing.T) (*Worker, *Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.New(io.Discard)
	queue := NewQueue(10, log)
	repo := NewRepository(sqlx.NewDb(db, "postgres"), log)
	return NewWorker(queue, nil, repo, log), queue, mock
}

func TestWorker_RequirementTriggersEnqueue(t *testing.T) {
	w, queue, _ := newTestWorker(t)
	bus := events.NewBus(zerolog.New(io.Discard))
	w.RegisterHandlers(bus)

	env, err := events.NewEnvelope(events.RequirementPublished, "requirement", "r-1",
		map[string]any{"id": "r-1"}, domain.EventMetadata{})
	require.NoError(t, err)
	bus.Emit(env)

	job, ok := queue.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "r-1", job.RequirementID)
	assert.Equal(t, PriorityHigh, job.Priority)
}

func TestWorker_AvailabilityTriggerFansOut(t *testing.T) {
	w, queue, mock := newTestWorker(t)
	bus := events.NewBus(zerolog.New(io.Discard))
	w.RegisterHandlers(bus)

	mock.ExpectQuery(`SELECT id FROM requirements`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-1").AddRow("r-2"))

	env, err := events.NewEnvelope(events.AvailabilityCreated, "availability", "a-1",
		map[string]any{"id": "a-1", "commodity_id": "c-1"}, domain.EventMetadata{})
	require.NoError(t, err)
	bus.Emit(env)

	assert.Equal(t, 2, queue.Depth())
	job, _ := queue.Dequeue()
	assert.Equal(t, PriorityMedium, job.Priority)
}

func TestWorker_SweepUsesLowestPriority(t *testing.T) {
	w, queue, mock := newTestWorker(t)

	mock.ExpectQuery(`SELECT id FROM requirements`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-1"))

	queued, err := w.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	job, ok := queue.Dequeue()
	require.True(t, ok)
	assert.Equal(t, PriorityLow, job.Priority)
}

func TestWorker_SweepStopsWhenQueueFull(t *testing.T) {
	w, queue, mock := newTestWorker(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, queue.EnqueueRequirement("seed"))
	}

	mock.ExpectQuery(`SELECT id FROM requirements`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-1").AddRow("r-2"))

	queued, err := w.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
}

func TestRun_DuplicateWithinWindowDropped(t *testing.T) {
	f := newEngineFixture(t)

	mr := miniredis.RunT(t)
	client := cache.NewFromClient(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.New(io.Discard))
	f.engine.prints = cache.NewFingerprints(client, 5*time.Minute)

	params := domain.ParamValues{
		"staple_length_mm": domain.NumericValue(30),
		"grade":            domain.TextValue("A"),
	}
	require.NoError(t, f.engine.prints.Add(
		context.Background(), "b-1", "c-1", Fingerprint("s-1", params)))

	f.expectLoad(reqRowValues("100", "0"),
		candRowValues("a-1", "s-1", "100", "100", testQualityJSON))
	f.expectNoMatchInsert()

	require.NoError(t, f.engine.Run(context.Background(), "r-1"))

	assert.Empty(t, f.alloc.reserved)
	require.Len(t, *f.noMatch, 1)
	assert.Equal(t, ReasonDuplicate, (*f.noMatch)[0]["reason"])
}
