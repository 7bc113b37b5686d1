package availability

import (
	"context"
	"database/sql/driver"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandinet/tradecore/internal/domain"
	"github.com/mandinet/tradecore/internal/events"
	"github.com/mandinet/tradecore/internal/eventstore"
	"github.com/mandinet/tradecore/internal/outbox"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	log := zerolog.New(io.Discard)
	svc := NewService(
		sqlxDB,
		NewRepository(sqlxDB, log),
		nil, nil, nil, nil,
		outbox.NewRepository(sqlxDB, log),
		eventstore.NewStore(sqlxDB, log),
		events.NewBus(log),
		nil,
		24*time.Hour,
		true,
		log,
	)
	return svc, mock
}

func availColumns() []string {
	return []string{
		"id", "seller_id", "seller_branch_id", "commodity_id", "address", "lat",
		"lon", "country", "state", "city", "total_qty", "reserved_qty",
		"sold_qty", "qty_in_base_unit", "trade_unit", "base_price",
		"price_unit", "price_per_base_unit", "quality_params", "valid_from",
		"valid_until", "market_visibility", "restricted_buyers", "status",
		"risk_precheck_status", "risk_precheck_score", "version", "created_at",
		"updated_at",
	}
}

func availRowValues(total, reserved, sold string, status domain.AvailabilityStatus) []driverValue {
	now := time.Now().UTC()
	return []driverValue{
		"a-1", "s-1", nil, "c-1", "12 Mill Road", 19.07, 72.87, "IN", "MH",
		"Mumbai", total, reserved, sold, total, "KG", "22.50", "KG", "22.50",
		[]byte(`{}`), now, now.Add(72 * time.Hour), "PUBLIC", []byte(`[]`),
		string(status), "PASS", 85.0, int64(1), now, now,
	}
}

type driverValue = driver.Value

func expectLockedLoad(mock sqlmock.Sqlmock, total, reserved, sold string, status domain.AvailabilityStatus) {
	rows := sqlmock.NewRows(availColumns()).AddRow(availRowValues(total, reserved, sold, status)...)
	mock.ExpectQuery("SELECT(.|\n)*FROM availabilities WHERE id = \\$1 FOR UPDATE").
		WithArgs("a-1").
		WillReturnRows(rows)
}

func TestReserve_Succeeds(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	expectLockedLoad(mock, "100", "0", "0", domain.AvailAvailable)
	mock.ExpectExec("INSERT INTO availability_reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE availabilities").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_store").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := svc.Reserve(context.Background(), "a-1", "b-1", decimal.NewFromInt(40))
	require.NoError(t, err)
	assert.Equal(t, ReservationHeld, res.State)
	assert.True(t, res.Qty.Equal(decimal.NewFromInt(40)))
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), res.ExpiresAt, time.Minute)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserve_InsufficientQuantity(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	expectLockedLoad(mock, "100", "70", "20", domain.AvailPartiallySold)
	mock.ExpectRollback()

	_, err := svc.Reserve(context.Background(), "a-1", "b-1", decimal.NewFromInt(40))
	assert.True(t, domain.IsKind(err, domain.KindInsufficientQuantity))
}

func TestReserve_ClosedPosting(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	expectLockedLoad(mock, "100", "0", "100", domain.AvailSold)
	mock.ExpectRollback()

	_, err := svc.Reserve(context.Background(), "a-1", "b-1", decimal.NewFromInt(10))
	assert.True(t, domain.IsKind(err, domain.KindCancelled))
}

func TestReserve_NonPositiveQty(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Reserve(context.Background(), "a-1", "b-1", decimal.Zero)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestMarkSold_OverSold(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	expectLockedLoad(mock, "100", "30", "0", domain.AvailAvailable)
	mock.ExpectRollback()

	err := svc.MarkSold(context.Background(), "a-1", decimal.NewFromInt(50))
	assert.True(t, domain.IsKind(err, domain.KindOverSold))
}

func TestMarkSold_PartialSplitsHeldReservation(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	expectLockedLoad(mock, "100", "70", "0", domain.AvailAvailable)
	mock.ExpectQuery("SELECT(.|\n)*FROM availability_reservations(.|\n)*FOR UPDATE").
		WithArgs("a-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "availability_id", "buyer_id",
			"qty", "state", "expires_at", "created_at"}).
			AddRow("res-1", "a-1", "b-1", "70", "HELD", now.Add(24*time.Hour), now))
	// The held row shrinks to the unsold remainder; the sold 30 gets its own
	// row, so the ledger still sums to the aggregate's reserved quantity.
	mock.ExpectExec("UPDATE availability_reservations SET qty").
		WithArgs("res-1", "40").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO availability_reservations").
		WithArgs(sqlmock.AnyArg(), "a-1", "b-1", "30", "SOLD", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE availabilities").
		WithArgs("a-1", "40", "30", "PARTIALLY_SOLD", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO event_store").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.MarkSold(context.Background(), "a-1", decimal.NewFromInt(30)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease_ExceedsReserved(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	expectLockedLoad(mock, "100", "10", "0", domain.AvailAvailable)
	mock.ExpectRollback()

	err := svc.Release(context.Background(), "a-1", decimal.NewFromInt(25))
	assert.True(t, domain.IsKind(err, domain.KindInsufficientQuantity))
}

func TestCancel_AlreadyClosed(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	expectLockedLoad(mock, "100", "0", "0", domain.AvailCancelled)
	mock.ExpectRollback()

	err := svc.Cancel(context.Background(), "a-1")
	assert.True(t, domain.IsKind(err, domain.KindCancelled))
}
