package matching

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandinet/tradecore/internal/config"
	"github.com/mandinet/tradecore/internal/domain"
	"github.com/mandinet/tradecore/internal/events"
	"github.com/mandinet/tradecore/internal/eventstore"
	"github.com/mandinet/tradecore/internal/modules/availability"
	"github.com/mandinet/tradecore/internal/modules/insider"
	"github.com/mandinet/tradecore/internal/modules/requirement"
	"github.com/mandinet/tradecore/internal/modules/risk"
	"github.com/mandinet/tradecore/internal/outbox"
)

type driverValue = driver.Value

type stubRisk struct {
	assessment *domain.RiskAssessment
	err        error
}

func (s *stubRisk) Assess(ctx context.Context, in *risk.Input) (*domain.RiskAssessment, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := *s.assessment
	return &out, nil
}

type stubInsiders struct {
	edges []insider.Edge
}

func (s *stubInsiders) BatchEdges(ctx context.Context, ids []string) ([]insider.Edge, error) {
	return s.edges, nil
}

type stubPartners map[string]*domain.Partner

func (s stubPartners) GetPartner(ctx context.Context, id string) (*domain.Partner, error) {
	return s[id], nil
}

type stubCommodities struct{ com *domain.Commodity }

func (s stubCommodities) Get(ctx context.Context, id string) (*domain.Commodity, error) {
	return s.com, nil
}

type reservedCall struct {
	AvailabilityID string
	Qty            decimal.Decimal
}

type stubAllocator struct {
	reserved []reservedCall
	released []string
	failOn   map[string]error
}

func (s *stubAllocator) Reserve(ctx context.Context, availabilityID, buyerID string, qty decimal.Decimal) (*availability.Reservation, error) {
	if err := s.failOn[availabilityID]; err != nil {
		return nil, err
	}
	s.reserved = append(s.reserved, reservedCall{AvailabilityID: availabilityID, Qty: qty})
	return &availability.Reservation{ID: "res-1", AvailabilityID: availabilityID, Qty: qty}, nil
}

func (s *stubAllocator) Release(ctx context.Context, availabilityID string, qty decimal.Decimal) error {
	s.released = append(s.released, availabilityID)
	return nil
}

type engineFixture struct {
	engine   *Engine
	mock     sqlmock.Sqlmock
	alloc    *stubAllocator
	risk     *stubRisk
	insiders *stubInsiders
	bus      *events.Bus
	noMatch  *[]map[string]any
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	log := zerolog.New(io.Discard)
	bus := events.NewBus(log)

	f := &engineFixture{
		mock:  mock,
		alloc: &stubAllocator{failOn: map[string]error{}},
		risk: &stubRisk{assessment: &domain.RiskAssessment{
			Tier1Status: domain.RiskPass,
			Tier2Score:  90,
			FinalStatus: domain.RiskPass,
			FinalScore:  97,
		}},
		insiders: &stubInsiders{},
		bus:      bus,
		noMatch:  &[]map[string]any{},
	}
	bus.Subscribe(events.NoMatchFound, func(e *events.Envelope) {
		var payload map[string]any
		if json.Unmarshal(e.Payload, &payload) == nil {
			*f.noMatch = append(*f.noMatch, payload)
		}
	})

	partners := stubPartners{
		"b-1": {ID: "b-1", EntityClass: domain.EntityBusiness, HomeCountry: "IN"},
		"s-1": {ID: "s-1", EntityClass: domain.EntityBusiness, HomeCountry: "IN"},
		"s-2": {ID: "s-2", EntityClass: domain.EntityBusiness, HomeCountry: "IN"},
	}

	f.engine = NewEngine(EngineDeps{
		DB:           sqlxDB,
		Repo:         NewRepository(sqlxDB, log),
		Requirements: requirement.NewRepository(sqlxDB, log),
		Partners:     partners,
		Commodities:  stubCommodities{com: cottonCommodity()},
		Risk:         f.risk,
		Insiders:     f.insiders,
		Allocator:    f.alloc,
		Outbox:       outbox.NewRepository(sqlxDB, log),
		EventStore:   eventstore.NewStore(sqlxDB, log),
		Bus:          bus,
		Snapshots:    config.NewStore(config.DefaultSnapshot()),
		RunBudget:    3 * time.Second,
	}, log)
	return f
}

const (
	testDeliveryJSON = `[{"address":"12 Mill Road","lat":19.076,"lon":72.877,"country":"IN","state":"MH","city":"Mumbai"}]`
	testQualityJSON  = `{"staple_length_mm":{"kind":"NUMERIC","number":30},"grade":{"kind":"TEXT","text":"A"}}`
)

func reqColumns() []string {
	return []string{
		"id", "buyer_id", "buyer_branch_id", "commodity_id", "intent",
		"delivery_locations", "quantity", "matched_qty", "qty_in_base_unit",
		"trade_unit", "target_price", "price_unit", "price_per_base_unit",
		"budget_max", "quality_params", "quality_tolerance", "valid_from",
		"valid_until", "status", "buyer_trust_score", "ai_suggested_price",
		"ai_suggested_sellers", "ai_score_vector", "risk_precheck_status",
		"version", "created_at", "updated_at",
	}
}

func reqRowValues(qty, matched string) []driverValue {
	now := time.Now().UTC()
	return []driverValue{
		"r-1", "b-1", nil, "c-1", "DIRECT_BUY",
		[]byte(testDeliveryJSON), qty, matched, qty,
		"KG", "100", "KG", "100",
		nil, []byte(testQualityJSON), 0.1, now.Add(-time.Hour),
		now.Add(24 * time.Hour), "PUBLISHED", 0.8, nil,
		[]byte("[]"), nil, "PASS",
		int64(1), now, now,
	}
}

func candColumns() []string {
	return []string{
		"id", "seller_id", "seller_branch_id", "commodity_id", "address",
		"lat", "lon", "country", "state", "city", "total_qty", "reserved_qty",
		"sold_qty", "qty_in_base_unit", "trade_unit", "base_price",
		"price_unit", "price_per_base_unit", "quality_params", "valid_from",
		"valid_until", "market_visibility", "status", "risk_precheck_status",
		"risk_precheck_score", "version", "created_at", "updated_at",
	}
}

func candRowValues(id, sellerID, total, price, quality string) []driverValue {
	now := time.Now().UTC()
	return []driverValue{
		id, sellerID, nil, "c-1", "14 Dock Street",
		19.076, 72.877, "IN", "MH", "Mumbai", total, "0",
		"0", total, "KG", price,
		"KG", price, []byte(quality), now.Add(-time.Hour),
		now.Add(24 * time.Hour), "PUBLIC", "AVAILABLE", "PASS",
		97.0, int64(1), now, now,
	}
}

func (f *engineFixture) expectLoad(reqRow []driverValue, candRows ...[]driverValue) {
	f.mock.ExpectQuery(`SELECT(.|\n)*FROM requirements WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(reqColumns()).AddRow(reqRow...))

	rows := sqlmock.NewRows(candColumns())
	for _, c := range candRows {
		rows.AddRow(c...)
	}
	f.mock.ExpectQuery(`SELECT(.|\n)*FROM availabilities(.|\n)*WHERE commodity_id`).
		WillReturnRows(rows)
}

func (f *engineFixture) expectMatchTx() {
	f.mock.ExpectBegin()
	f.mock.ExpectExec(`INSERT INTO matches`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE requirements`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO event_outbox`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO event_store`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
}

func (f *engineFixture) expectNoMatchInsert() {
	f.mock.ExpectBegin()
	f.mock.ExpectExec(`INSERT INTO event_outbox`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
}

func TestRun_AllocatesFullQuantity(t *testing.T) {
	f := newEngineFixture(t)
	f.expectLoad(reqRowValues("100", "0"),
		candRowValues("a-1", "s-1", "100", "100", testQualityJSON))
	f.expectMatchTx()

	require.NoError(t, f.engine.Run(context.Background(), "r-1"))
	require.NoError(t, f.mock.ExpectationsWereMet())

	require.Len(t, f.alloc.reserved, 1)
	assert.Equal(t, "a-1", f.alloc.reserved[0].AvailabilityID)
	assert.True(t, f.alloc.reserved[0].Qty.Equal(decimal.NewFromInt(100)))
	assert.Empty(t, *f.noMatch)
}

func TestRun_PrefersHigherScore(t *testing.T) {
	f := newEngineFixture(t)
	// a-far sits at a 9% price deviation, a-near at par. Both cover the
	// full quantity, so only the better one is reserved.
	f.expectLoad(reqRowValues("100", "0"),
		candRowValues("a-far", "s-1", "100", "109", testQualityJSON),
		candRowValues("a-near", "s-2", "100", "100", testQualityJSON))
	f.expectMatchTx()

	require.NoError(t, f.engine.Run(context.Background(), "r-1"))

	require.Len(t, f.alloc.reserved, 1)
	assert.Equal(t, "a-near", f.alloc.reserved[0].AvailabilityID)
}

func TestRun_SplitsAcrossCandidates(t *testing.T) {
	f := newEngineFixture(t)
	f.expectLoad(reqRowValues("100", "0"),
		candRowValues("a-1", "s-1", "60", "100", testQualityJSON),
		candRowValues("a-2", "s-2", "60", "100", testQualityJSON))
	f.expectMatchTx()
	f.expectMatchTx()

	require.NoError(t, f.engine.Run(context.Background(), "r-1"))

	require.Len(t, f.alloc.reserved, 2)
	assert.True(t, f.alloc.reserved[0].Qty.Equal(decimal.NewFromInt(60)))
	assert.True(t, f.alloc.reserved[1].Qty.Equal(decimal.NewFromInt(40)))
}

func TestRun_InsiderBlocked(t *testing.T) {
	f := newEngineFixture(t)
	f.insiders.edges = []insider.Edge{{PartnerA: "b-1", PartnerB: "s-1", Reason: "corporate group"}}
	f.expectLoad(reqRowValues("100", "0"),
		candRowValues("a-1", "s-1", "100", "100", testQualityJSON))
	f.expectNoMatchInsert()

	require.NoError(t, f.engine.Run(context.Background(), "r-1"))

	assert.Empty(t, f.alloc.reserved)
	require.Len(t, *f.noMatch, 1)
	assert.Equal(t, ReasonInsider, (*f.noMatch)[0]["reason"])
}

func TestRun_NoCandidates(t *testing.T) {
	f := newEngineFixture(t)
	f.expectLoad(reqRowValues("100", "0"))
	f.expectNoMatchInsert()

	require.NoError(t, f.engine.Run(context.Background(), "r-1"))

	require.Len(t, *f.noMatch, 1)
	assert.Equal(t, ReasonNoCandidates, (*f.noMatch)[0]["reason"])
}

func TestRun_BelowThreshold(t *testing.T) {
	f := newEngineFixture(t)
	// Staple length 45 violates the mandatory catalog bound, zeroing the
	// quality sub-score; with the price 9% off the weighted total lands
	// under the 0.6 floor.
	badQuality := `{"staple_length_mm":{"kind":"NUMERIC","number":45},"grade":{"kind":"TEXT","text":"A"}}`
	f.expectLoad(reqRowValues("100", "0"),
		candRowValues("a-1", "s-1", "100", "109", badQuality))
	f.expectNoMatchInsert()

	require.NoError(t, f.engine.Run(context.Background(), "r-1"))

	assert.Empty(t, f.alloc.reserved)
	require.Len(t, *f.noMatch, 1)
	assert.Equal(t, ReasonBelowThreshold, (*f.noMatch)[0]["reason"])
}

func TestRun_RiskBlocked(t *testing.T) {
	f := newEngineFixture(t)
	f.risk.assessment = &domain.RiskAssessment{
		Tier1Status:  domain.RiskFail,
		Tier1Reasons: []string{"trade value exceeds available credit"},
		FinalStatus:  domain.RiskFail,
	}
	f.expectLoad(reqRowValues("100", "0"),
		candRowValues("a-1", "s-1", "100", "100", testQualityJSON))
	f.expectNoMatchInsert()

	require.NoError(t, f.engine.Run(context.Background(), "r-1"))

	assert.Empty(t, f.alloc.reserved)
	require.Len(t, *f.noMatch, 1)
	assert.Equal(t, ReasonRiskBlocked, (*f.noMatch)[0]["reason"])
}

func TestRun_PartialBelowFractionSkipped(t *testing.T) {
	f := newEngineFixture(t)
	// Only 5 of 100 on offer, under the 10% partial floor.
	f.expectLoad(reqRowValues("100", "0"),
		candRowValues("a-1", "s-1", "5", "100", testQualityJSON))
	f.expectNoMatchInsert()

	require.NoError(t, f.engine.Run(context.Background(), "r-1"))

	assert.Empty(t, f.alloc.reserved)
	require.Len(t, *f.noMatch, 1)
	assert.Equal(t, ReasonAllocationFailed, (*f.noMatch)[0]["reason"])
}

func TestRun_ReservationFailureSkipsCandidate(t *testing.T) {
	f := newEngineFixture(t)
	f.alloc.failOn["a-1"] = domain.NewError(domain.KindConflict, "availability was modified concurrently")
	f.expectLoad(reqRowValues("100", "0"),
		candRowValues("a-1", "s-1", "100", "100", testQualityJSON),
		candRowValues("a-2", "s-2", "100", "100", testQualityJSON))
	f.expectMatchTx()

	require.NoError(t, f.engine.Run(context.Background(), "r-1"))

	require.Len(t, f.alloc.reserved, 1)
	assert.Equal(t, "a-2", f.alloc.reserved[0].AvailabilityID)
}

func TestRun_SkipsClosedRequirement(t *testing.T) {
	f := newEngineFixture(t)
	row := reqRowValues("100", "0")
	row[18] = "CANCELLED"
	f.mock.ExpectQuery(`SELECT(.|\n)*FROM requirements WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(reqColumns()).AddRow(row...))

	require.NoError(t, f.engine.Run(context.Background(), "r-1"))
	assert.Empty(t, f.alloc.reserved)
	assert.Empty(t, *f.noMatch)
}
