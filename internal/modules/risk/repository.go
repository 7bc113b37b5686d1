package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Repository handles the risk engine's read queries.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository creates a new risk repository
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "risk").Logger(),
	}
}

// HasOpenCounterPosting reports whether the partner holds a settlement-
// incomplete posting in the opposite direction for the same commodity on the
// same UTC trade day. Trading both sides of one commodity in one day is the
// circular-trading signal.
func (r *Repository) HasOpenCounterPosting(ctx context.Context, partnerID, commodityID string, asBuyer bool, day time.Time) (bool, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	var query string
	if asBuyer {
		// Acting as buyer: look for the partner's open sell-side postings.
		query = `
			SELECT EXISTS (
				SELECT 1 FROM availabilities
				WHERE seller_id = $1 AND commodity_id = $2
				  AND status IN ('AVAILABLE', 'PARTIALLY_SOLD')
				  AND created_at >= $3 AND created_at < $4
			)
		`
	} else {
		query = `
			SELECT EXISTS (
				SELECT 1 FROM requirements
				WHERE buyer_id = $1 AND commodity_id = $2
				  AND status IN ('PUBLISHED', 'PARTIALLY_MATCHED')
				  AND created_at >= $3 AND created_at < $4
			)
		`
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, partnerID, commodityID, dayStart, dayEnd); err != nil {
		return false, fmt.Errorf("counter-posting query failed: %w", err)
	}
	return exists, nil
}
