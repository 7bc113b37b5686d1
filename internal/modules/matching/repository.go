package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/config"
	"github.com/mandinet/tradecore/internal/domain"
)

// Repository handles the matcher's database operations: the location-first
// candidate query, match persistence and trigger fan-out lookups.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository creates a new matching repository
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "matching").Logger(),
	}
}

type candidateRow struct {
	domain.Availability
	Address    string  `db:"address"`
	Lat        float64 `db:"lat"`
	Lon        float64 `db:"lon"`
	Country    string  `db:"country"`
	State      string  `db:"state"`
	City       string  `db:"city"`
	QualityRaw []byte  `db:"quality_params"`
}

// Candidates runs the geographic hard filter against open availabilities.
// Same country always; same state unless the commodity's rule allows
// cross-state; same city when the rule demands it. Radius rules are applied
// in memory afterwards since coordinates live outside the index.
func (r *Repository) Candidates(ctx context.Context, req *domain.Requirement, rule config.LocationRule, limit int) ([]*domain.Availability, error) {
	countries := make([]string, 0, len(req.DeliveryLocations))
	states := make([]string, 0, len(req.DeliveryLocations))
	cities := make([]string, 0, len(req.DeliveryLocations))
	for _, loc := range req.DeliveryLocations {
		countries = append(countries, loc.Country)
		states = append(states, loc.State)
		cities = append(cities, loc.City)
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, seller_id, seller_branch_id, commodity_id,
		       address, lat, lon, country, state, city,
		       total_qty, reserved_qty, sold_qty, qty_in_base_unit, trade_unit,
		       base_price, price_unit, price_per_base_unit, quality_params,
		       valid_from, valid_until, market_visibility, status,
		       risk_precheck_status, risk_precheck_score, version,
		       created_at, updated_at
		FROM availabilities
		WHERE commodity_id = ?
		  AND seller_id <> ?
		  AND status IN ('AVAILABLE', 'PARTIALLY_SOLD')
		  AND valid_from <= now() AND valid_until > now()
		  AND total_qty - reserved_qty - sold_qty > 0
		  AND (market_visibility = 'PUBLIC'
		       OR (market_visibility = 'RESTRICTED' AND restricted_buyers @> ?))
		  AND country IN (?)
	`)
	args := []interface{}{req.CommodityID, req.BuyerID, buyerJSON(req.BuyerID), countries}

	if !rule.AllowCrossState {
		sb.WriteString(" AND state IN (?)")
		args = append(args, states)
	}
	if rule.SameCity {
		sb.WriteString(" AND city IN (?)")
		args = append(args, cities)
	}
	sb.WriteString(" ORDER BY created_at LIMIT ?")
	args = append(args, limit)

	query, inArgs, err := sqlx.In(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build candidate query: %w", err)
	}
	query = r.db.Rebind(query)

	var rows []candidateRow
	if err := r.db.SelectContext(ctx, &rows, query, inArgs...); err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}

	out := make([]*domain.Availability, 0, len(rows))
	for _, row := range rows {
		a := row.Availability
		a.Location = domain.Location{
			Address: row.Address,
			Lat:     row.Lat,
			Lon:     row.Lon,
			Country: row.Country,
			State:   row.State,
			City:    row.City,
		}
		params, err := domain.UnmarshalParamValues(row.QualityRaw)
		if err != nil {
			return nil, err
		}
		a.QualityParams = params
		out = append(out, &a)
	}
	return out, nil
}

func buyerJSON(buyerID string) []byte {
	b, _ := json.Marshal([]string{buyerID})
	return b
}

// InsertMatchTx persists a match row within the caller's transaction.
func (r *Repository) InsertMatchTx(ctx context.Context, tx *sqlx.Tx, m *domain.Match) error {
	breakdown, err := json.Marshal(m.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode score breakdown: %w", err)
	}
	warnings, err := json.Marshal(m.Warnings)
	if err != nil {
		return fmt.Errorf("failed to encode warnings: %w", err)
	}
	if m.Warnings == nil {
		warnings = []byte("[]")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO matches (id, requirement_id, availability_id, buyer_id,
		                     seller_id, allocated_qty, score, score_breakdown,
		                     risk_status, warnings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, m.ID, m.RequirementID, m.AvailabilityID, m.BuyerID, m.SellerID,
		m.AllocatedQty, m.Score, breakdown, string(m.RiskStatus),
		warnings, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}
	return nil
}

// MatchesForRequirement lists non-archived matches, newest first.
func (r *Repository) MatchesForRequirement(ctx context.Context, requirementID string) ([]*domain.Match, error) {
	type matchRow struct {
		domain.Match
		BreakdownRaw []byte `db:"score_breakdown"`
		WarningsRaw  []byte `db:"warnings"`
	}

	var rows []matchRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, requirement_id, availability_id, buyer_id, seller_id,
		       allocated_qty, score, score_breakdown, risk_status, warnings,
		       created_at
		FROM matches
		WHERE requirement_id = $1 AND archived = FALSE
		ORDER BY created_at DESC
	`, requirementID); err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}

	out := make([]*domain.Match, 0, len(rows))
	for _, row := range rows {
		m := row.Match
		if len(row.BreakdownRaw) > 0 {
			if err := json.Unmarshal(row.BreakdownRaw, &m.Breakdown); err != nil {
				return nil, fmt.Errorf("failed to decode score breakdown: %w", err)
			}
		}
		if len(row.WarningsRaw) > 0 {
			if err := json.Unmarshal(row.WarningsRaw, &m.Warnings); err != nil {
				return nil, fmt.Errorf("failed to decode warnings: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, nil
}

// OpenRequirementIDs lists published requirements still short of their
// quantity, oldest first. The safety sweep and availability-side triggers
// re-enqueue these.
func (r *Repository) OpenRequirementIDs(ctx context.Context, commodityID string, limit int) ([]string, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id FROM requirements
		WHERE status IN ('PUBLISHED', 'PARTIALLY_MATCHED')
		  AND valid_until > now()
	`)
	args := []interface{}{}
	if commodityID != "" {
		sb.WriteString(" AND commodity_id = $1 ORDER BY created_at LIMIT $2")
		args = append(args, commodityID, limit)
	} else {
		sb.WriteString(" ORDER BY created_at LIMIT $1")
		args = append(args, limit)
	}

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("failed to list open requirements: %w", err)
	}
	return ids, nil
}
