package requirement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mandinet/tradecore/internal/domain"
)

// Repository handles requirement database operations.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository creates a new requirement repository
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "requirement").Logger(),
	}
}

type requirementRow struct {
	domain.Requirement
	DeliveryRaw []byte `db:"delivery_locations"`
	QualityRaw  []byte `db:"quality_params"`
	SellersRaw  []byte `db:"ai_suggested_sellers"`
	VectorRaw   []byte `db:"ai_score_vector"`
}

func (r requirementRow) toDomain() (*domain.Requirement, error) {
	req := r.Requirement
	if len(r.DeliveryRaw) > 0 {
		if err := json.Unmarshal(r.DeliveryRaw, &req.DeliveryLocations); err != nil {
			return nil, fmt.Errorf("failed to decode delivery locations: %w", err)
		}
	}
	params, err := domain.UnmarshalParamValues(r.QualityRaw)
	if err != nil {
		return nil, err
	}
	req.QualityParams = params
	if len(r.SellersRaw) > 0 {
		if err := json.Unmarshal(r.SellersRaw, &req.AISuggestedSellers); err != nil {
			return nil, fmt.Errorf("failed to decode suggested sellers: %w", err)
		}
	}
	if len(r.VectorRaw) > 0 {
		if err := json.Unmarshal(r.VectorRaw, &req.AIScoreVector); err != nil {
			return nil, fmt.Errorf("failed to decode score vector: %w", err)
		}
	}
	return &req, nil
}

const requirementColumns = `
	id, buyer_id, buyer_branch_id, commodity_id, intent, delivery_locations,
	quantity, matched_qty, qty_in_base_unit, trade_unit, target_price,
	price_unit, price_per_base_unit, budget_max, quality_params,
	quality_tolerance, valid_from, valid_until, status, buyer_trust_score,
	ai_suggested_price, ai_suggested_sellers, ai_score_vector,
	risk_precheck_status, version, created_at, updated_at
`

// InsertTx persists a new requirement within the caller's transaction.
func (r *Repository) InsertTx(ctx context.Context, tx *sqlx.Tx, req *domain.Requirement) error {
	delivery, err := json.Marshal(req.DeliveryLocations)
	if err != nil {
		return fmt.Errorf("failed to encode delivery locations: %w", err)
	}
	quality, err := req.QualityParams.MarshalJSONB()
	if err != nil {
		return err
	}
	sellers, err := json.Marshal(req.AISuggestedSellers)
	if err != nil {
		return fmt.Errorf("failed to encode suggested sellers: %w", err)
	}
	if req.AISuggestedSellers == nil {
		sellers = []byte("[]")
	}
	var vector []byte
	if req.AIScoreVector != nil {
		vector, err = json.Marshal(req.AIScoreVector)
		if err != nil {
			return fmt.Errorf("failed to encode score vector: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO requirements (`+requirementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
	`,
		req.ID, req.BuyerID, req.BuyerBranchID, req.CommodityID,
		string(req.Intent), delivery,
		req.Quantity, req.MatchedQty, req.QtyInBaseUnit, req.TradeUnit,
		req.TargetPrice, req.PriceUnit, req.PricePerBaseUnit, req.BudgetMax,
		quality, req.QualityTolerance, req.ValidFrom, req.ValidUntil,
		string(req.Status), req.BuyerTrustScore, req.AISuggestedPrice,
		sellers, vector, string(req.RiskPrecheckStatus), req.Version,
		req.CreatedAt, req.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert requirement: %w", err)
	}
	return nil
}

// GetByID loads a requirement; nil when absent.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Requirement, error) {
	return getRequirement(ctx, r.db, id, "")
}

// GetForUpdateTx loads a requirement under a row lock.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*domain.Requirement, error) {
	return getRequirement(ctx, tx, id, "FOR UPDATE")
}

func getRequirement(ctx context.Context, q sqlx.QueryerContext, id, suffix string) (*domain.Requirement, error) {
	query := `SELECT ` + requirementColumns + ` FROM requirements WHERE id = $1 ` + suffix

	var row requirementRow
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get requirement: %w", err)
	}
	return row.toDomain()
}

// UpdateStatusTx transitions a requirement's status under the version guard.
func (r *Repository) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, req *domain.Requirement) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE requirements
		SET status = $2, matched_qty = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $4
	`, req.ID, string(req.Status), req.MatchedQty, req.Version)
	if err != nil {
		return fmt.Errorf("failed to update requirement status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewError(domain.KindConflict, "requirement was modified concurrently")
	}
	req.Version++
	return nil
}

// OverdueIDs lists open requirements past their validity window.
func (r *Repository) OverdueIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM requirements
		WHERE status IN ('PUBLISHED', 'PARTIALLY_MATCHED') AND valid_until <= $1
		ORDER BY valid_until
		LIMIT $2
	`, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list overdue requirements: %w", err)
	}
	return ids, nil
}

// RecentAskingPrices implements the price-suggestion source from open
// availabilities of the commodity, most recent first.
func (r *Repository) RecentAskingPrices(ctx context.Context, commodityID string, limit int) ([]decimal.Decimal, error) {
	var prices []decimal.Decimal
	if err := r.db.SelectContext(ctx, &prices, `
		SELECT price_per_base_unit FROM availabilities
		WHERE commodity_id = $1 AND status IN ('AVAILABLE', 'PARTIALLY_SOLD')
		ORDER BY created_at DESC
		LIMIT $2
	`, commodityID, limit); err != nil {
		return nil, fmt.Errorf("failed to list asking prices: %w", err)
	}
	return prices, nil
}
