// Package commodity manages the commodity catalog: per-commodity units,
// standard weights and declared quality parameters. The catalog is the
// authority for what a quality payload may contain.
package commodity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/domain"
)

// Repository handles commodity catalog database operations.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository creates a new commodity repository
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "commodity").Logger(),
	}
}

// GetByID loads a commodity with its parameter specs. Returns nil when the
// commodity does not exist.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Commodity, error) {
	var c domain.Commodity
	err := r.db.GetContext(ctx, &c, `
		SELECT id, name, base_unit, trade_unit, rate_unit,
		       standard_weight_per_unit, density_override
		FROM commodities WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commodity: %w", err)
	}

	if err := r.db.SelectContext(ctx, &c.Parameters, `
		SELECT name, kind, min_value, max_value, mandatory, weight
		FROM commodity_parameters
		WHERE commodity_id = $1
		ORDER BY position, name
	`, id); err != nil {
		return nil, fmt.Errorf("failed to get commodity parameters: %w", err)
	}
	return &c, nil
}

// List returns all catalog entries without their parameter specs.
func (r *Repository) List(ctx context.Context) ([]domain.Commodity, error) {
	var commodities []domain.Commodity
	if err := r.db.SelectContext(ctx, &commodities, `
		SELECT id, name, base_unit, trade_unit, rate_unit,
		       standard_weight_per_unit, density_override
		FROM commodities ORDER BY name
	`); err != nil {
		return nil, fmt.Errorf("failed to list commodities: %w", err)
	}
	return commodities, nil
}

// Upsert writes a commodity and replaces its parameter specs atomically.
func (r *Repository) Upsert(ctx context.Context, tx *sqlx.Tx, c *domain.Commodity) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO commodities
		(id, name, base_unit, trade_unit, rate_unit, standard_weight_per_unit, density_override)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			base_unit = EXCLUDED.base_unit,
			trade_unit = EXCLUDED.trade_unit,
			rate_unit = EXCLUDED.rate_unit,
			standard_weight_per_unit = EXCLUDED.standard_weight_per_unit,
			density_override = EXCLUDED.density_override
	`, c.ID, c.Name, c.BaseUnit, c.TradeUnit, c.RateUnit,
		c.StandardWeightPerUnit, c.DensityOverride); err != nil {
		return fmt.Errorf("failed to upsert commodity: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM commodity_parameters WHERE commodity_id = $1`, c.ID); err != nil {
		return fmt.Errorf("failed to clear commodity parameters: %w", err)
	}
	for i, spec := range c.Parameters {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commodity_parameters
			(commodity_id, name, kind, min_value, max_value, mandatory, weight, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, c.ID, spec.Name, string(spec.Kind), spec.Min, spec.Max,
			spec.Mandatory, spec.Weight, i); err != nil {
			return fmt.Errorf("failed to insert commodity parameter %s: %w", spec.Name, err)
		}
	}
	return nil
}
