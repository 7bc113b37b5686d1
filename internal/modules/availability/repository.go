package availability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mandinet/tradecore/internal/domain"
)

// Repository handles availability database operations.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository creates a new availability repository
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "availability").Logger(),
	}
}

type availabilityRow struct {
	domain.Availability
	Address          string  `db:"address"`
	Lat              float64 `db:"lat"`
	Lon              float64 `db:"lon"`
	Country          string  `db:"country"`
	State            string  `db:"state"`
	City             string  `db:"city"`
	QualityRaw       []byte  `db:"quality_params"`
	RestrictedRaw    []byte  `db:"restricted_buyers"`
}

func (r availabilityRow) toDomain() (*domain.Availability, error) {
	a := r.Availability
	a.Location = domain.Location{
		Address: r.Address,
		Lat:     r.Lat,
		Lon:     r.Lon,
		Country: r.Country,
		State:   r.State,
		City:    r.City,
	}
	params, err := domain.UnmarshalParamValues(r.QualityRaw)
	if err != nil {
		return nil, err
	}
	a.QualityParams = params
	if len(r.RestrictedRaw) > 0 {
		if err := json.Unmarshal(r.RestrictedRaw, &a.RestrictedBuyers); err != nil {
			return nil, fmt.Errorf("failed to decode restricted buyers: %w", err)
		}
	}
	return &a, nil
}

const availabilityColumns = `
	id, seller_id, seller_branch_id, commodity_id, address, lat, lon, country,
	state, city, total_qty, reserved_qty, sold_qty, qty_in_base_unit,
	trade_unit, base_price, price_unit, price_per_base_unit, quality_params,
	valid_from, valid_until, market_visibility, restricted_buyers, status,
	risk_precheck_status, risk_precheck_score, version, created_at, updated_at
`

// InsertTx persists a new availability within the caller's transaction.
func (r *Repository) InsertTx(ctx context.Context, tx *sqlx.Tx, a *domain.Availability) error {
	quality, err := a.QualityParams.MarshalJSONB()
	if err != nil {
		return err
	}
	restricted, err := json.Marshal(a.RestrictedBuyers)
	if err != nil {
		return fmt.Errorf("failed to encode restricted buyers: %w", err)
	}
	if a.RestrictedBuyers == nil {
		restricted = []byte("[]")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO availabilities (`+availabilityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26,
		        $27, $28, $29)
	`,
		a.ID, a.SellerID, a.SellerBranchID, a.CommodityID,
		a.Location.Address, a.Location.Lat, a.Location.Lon, a.Location.Country,
		a.Location.State, a.Location.City,
		a.Total, a.Reserved, a.Sold, a.QtyInBaseUnit, a.TradeUnit,
		a.BasePrice, a.PriceUnit, a.PricePerBaseUnit, quality,
		a.ValidFrom, a.ValidUntil, string(a.MarketVisibility), restricted,
		string(a.Status), string(a.RiskPrecheckStatus), a.RiskPrecheckScore,
		a.Version, a.CreatedAt, a.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert availability: %w", err)
	}
	return nil
}

// GetByID loads an availability; nil when absent.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Availability, error) {
	return getAvailability(ctx, r.db, id, "")
}

// GetForUpdateTx loads an availability under a row lock.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*domain.Availability, error) {
	return getAvailability(ctx, tx, id, "FOR UPDATE")
}

func getAvailability(ctx context.Context, q sqlx.QueryerContext, id, suffix string) (*domain.Availability, error) {
	query := `SELECT ` + availabilityColumns + ` FROM availabilities WHERE id = $1 ` + suffix

	var row availabilityRow
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get availability: %w", err)
	}
	return row.toDomain()
}

// UpdateQuantitiesTx writes reserved/sold/status guarded by the optimistic
// version. Returns Conflict when another writer advanced the version first.
func (r *Repository) UpdateQuantitiesTx(ctx context.Context, tx *sqlx.Tx, a *domain.Availability) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE availabilities
		SET reserved_qty = $2, sold_qty = $3, status = $4,
		    version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $5
	`, a.ID, a.Reserved, a.Sold, string(a.Status), a.Version)
	if err != nil {
		return fmt.Errorf("failed to update availability quantities: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewError(domain.KindConflict, "availability was modified concurrently")
	}
	a.Version++
	return nil
}

// UpdateMutableTx writes the mutable posting fields under the version guard.
func (r *Repository) UpdateMutableTx(ctx context.Context, tx *sqlx.Tx, a *domain.Availability) error {
	quality, err := a.QualityParams.MarshalJSONB()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE availabilities
		SET base_price = $2, price_per_base_unit = $3, quality_params = $4,
		    valid_until = $5, market_visibility = $6, status = $7,
		    version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $8
	`, a.ID, a.BasePrice, a.PricePerBaseUnit, quality, a.ValidUntil,
		string(a.MarketVisibility), string(a.Status), a.Version)
	if err != nil {
		return fmt.Errorf("failed to update availability: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewError(domain.KindConflict, "availability was modified concurrently")
	}
	a.Version++
	return nil
}

// InsertReservationTx records a HELD reservation with its expiry.
func (r *Repository) InsertReservationTx(ctx context.Context, tx *sqlx.Tx, res *Reservation) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO availability_reservations (id, availability_id, buyer_id, qty, state, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, res.ID, res.AvailabilityID, res.BuyerID, res.Qty, string(res.State), res.ExpiresAt); err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// MarkReservationsTx transitions qty of an availability's HELD reservations
// to the given state, oldest first. A reservation larger than the remainder
// is split: its HELD row shrinks to the unconsumed portion and a new row in
// the target state carries the consumed part, so the held ledger always sums
// to the aggregate's reserved_qty. Returns the quantity transitioned.
func (r *Repository) MarkReservationsTx(ctx context.Context, tx *sqlx.Tx, availabilityID string, qty decimal.Decimal, state ReservationState) (decimal.Decimal, error) {
	var held []Reservation
	if err := sqlx.SelectContext(ctx, tx, &held, `
		SELECT id, availability_id, buyer_id, qty, state, expires_at, created_at
		FROM availability_reservations
		WHERE availability_id = $1 AND state = 'HELD'
		ORDER BY created_at
		FOR UPDATE
	`, availabilityID); err != nil {
		return decimal.Zero, fmt.Errorf("failed to load held reservations: %w", err)
	}

	moved := decimal.Zero
	for _, res := range held {
		remaining := qty.Sub(moved)
		if !remaining.IsPositive() {
			break
		}

		if res.Qty.GreaterThan(remaining) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE availability_reservations SET qty = $2 WHERE id = $1`,
				res.ID, res.Qty.Sub(remaining)); err != nil {
				return decimal.Zero, fmt.Errorf("failed to split reservation: %w", err)
			}
			consumed := &Reservation{
				ID:             uuid.NewString(),
				AvailabilityID: res.AvailabilityID,
				BuyerID:        res.BuyerID,
				Qty:            remaining,
				State:          state,
				ExpiresAt:      res.ExpiresAt,
			}
			if err := r.InsertReservationTx(ctx, tx, consumed); err != nil {
				return decimal.Zero, err
			}
			moved = moved.Add(remaining)
			break
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE availability_reservations SET state = $2 WHERE id = $1`,
			res.ID, string(state)); err != nil {
			return decimal.Zero, fmt.Errorf("failed to mark reservation: %w", err)
		}
		moved = moved.Add(res.Qty)
	}
	return moved, nil
}

// HasReservations reports whether the availability has ever been reserved.
// The first reservation freezes the posting's immutable fields.
func (r *Repository) HasReservations(ctx context.Context, availabilityID string) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM availability_reservations WHERE availability_id = $1)
	`, availabilityID); err != nil {
		return false, fmt.Errorf("failed to check reservations: %w", err)
	}
	return exists, nil
}

// OverdueIDs lists open availabilities whose validity window has passed.
func (r *Repository) OverdueIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM availabilities
		WHERE status IN ('AVAILABLE', 'PARTIALLY_SOLD') AND valid_until <= $1
		ORDER BY valid_until
		LIMIT $2
	`, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list overdue availabilities: %w", err)
	}
	return ids, nil
}

// ExpiredReservations returns HELD reservations past their expiry.
func (r *Repository) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	var out []Reservation
	if err := r.db.SelectContext(ctx, &out, `
		SELECT id, availability_id, buyer_id, qty, state, expires_at, created_at
		FROM availability_reservations
		WHERE state = 'HELD' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", err)
	}
	return out, nil
}

// MarkReservationTx transitions a single reservation by ID.
func (r *Repository) MarkReservationTx(ctx context.Context, tx *sqlx.Tx, reservationID string, state ReservationState) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE availability_reservations SET state = $2 WHERE id = $1 AND state = 'HELD'`,
		reservationID, string(state)); err != nil {
		return fmt.Errorf("failed to mark reservation: %w", err)
	}
	return nil
}
