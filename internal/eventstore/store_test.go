package eventstore

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandinet/tradecore/internal/domain"
	"github.com/mandinet/tradecore/internal/events"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, *sqlx.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	conn := sqlx.NewDb(db, "postgres")
	return NewStore(conn, zerolog.New(io.Discard)), mock, conn
}

func TestAppendTx_WritesEachEnvelope(t *testing.T) {
	store, mock, conn := newTestStore(t)

	env1, err := events.NewEnvelope(events.MatchFound, "match", "m-1",
		map[string]any{"requirement_id": "r-1"}, domain.EventMetadata{ActorID: "system"})
	require.NoError(t, err)
	env2, err := events.NewEnvelope(events.MatchFound, "match", "m-2",
		map[string]any{"requirement_id": "r-1"}, domain.EventMetadata{ActorID: "system"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO event_store`).
		WithArgs(env1.EventID, "m-1", "match", "MATCH_FOUND", env1.SchemaVersion,
			sqlmock.AnyArg(), sqlmock.AnyArg(), env1.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO event_store`).
		WithArgs(env2.EventID, "m-2", "match", "MATCH_FOUND", env2.SchemaVersion,
			sqlmock.AnyArg(), sqlmock.AnyArg(), env2.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := conn.Beginx()
	require.NoError(t, err)
	require.NoError(t, store.AppendTx(context.Background(), tx, env1, env2))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_ReturnsRecordsInAppendOrder(t *testing.T) {
	store, mock, _ := newTestStore(t)

	cols := []string{"sequence", "event_id", "aggregate_id", "aggregate_type",
		"event_type", "schema_version", "payload", "metadata", "created_at"}
	now := time.Now()
	rows := sqlmock.NewRows(cols).
		AddRow(int64(1), "e-1", "r-1", "requirement", "REQUIREMENT_CREATED", 1,
			[]byte(`{"id":"r-1"}`), []byte(`{}`), now).
		AddRow(int64(2), "e-2", "r-1", "requirement", "REQUIREMENT_PUBLISHED", 1,
			[]byte(`{"id":"r-1"}`), []byte(`{}`), now)

	mock.ExpectQuery(`SELECT(.|\n)*FROM event_store(.|\n)*WHERE aggregate_id = \$1`).
		WithArgs("r-1").
		WillReturnRows(rows)

	records, err := store.History(context.Background(), "r-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].Sequence)
	assert.Equal(t, "REQUIREMENT_CREATED", records[0].EventType)
	assert.Equal(t, "REQUIREMENT_PUBLISHED", records[1].EventType)
}

func TestHistory_SkipsUpgradeForUnknownType(t *testing.T) {
	store, mock, _ := newTestStore(t)

	cols := []string{"sequence", "event_id", "aggregate_id", "aggregate_type",
		"event_type", "schema_version", "payload", "metadata", "created_at"}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(1), "e-1", "r-1", "requirement", "RETIRED_TYPE", 1,
			[]byte(`{"legacy":true}`), []byte(`{}`), time.Now())

	mock.ExpectQuery(`SELECT(.|\n)*FROM event_store`).
		WithArgs("r-1").
		WillReturnRows(rows)

	records, err := store.History(context.Background(), "r-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"legacy":true}`, string(records[0].Payload))
}

func TestByType_FiltersOnTypeAndWindow(t *testing.T) {
	store, mock, _ := newTestStore(t)

	since := time.Now().Add(-time.Hour)
	cols := []string{"sequence", "event_id", "aggregate_id", "aggregate_type",
		"event_type", "schema_version", "payload", "metadata", "created_at"}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(9), "e-9", "m-3", "match", "MATCH_FOUND", 1,
			[]byte(`{}`), []byte(`{}`), time.Now())

	mock.ExpectQuery(`SELECT(.|\n)*FROM event_store(.|\n)*WHERE event_type = \$1 AND created_at >= \$2`).
		WithArgs("MATCH_FOUND", since, 10).
		WillReturnRows(rows)

	records, err := store.ByType(context.Background(), events.MatchFound, since, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "m-3", records[0].AggregateID)
}
