package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/domain"
)

// Repository handles partner and document database operations.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository creates a new capability repository
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "capability").Logger(),
	}
}

// GetPartner loads a partner with its capability set. Returns nil when the
// partner does not exist.
func (r *Repository) GetPartner(ctx context.Context, id string) (*domain.Partner, error) {
	return getPartner(ctx, r.db, id)
}

// GetPartnerTx is GetPartner inside a transaction, with FOR UPDATE so
// concurrent recomputations serialize per partner.
func (r *Repository) GetPartnerTx(ctx context.Context, tx *sqlx.Tx, id string) (*domain.Partner, error) {
	return getPartner(ctx, tx, id, "FOR UPDATE")
}

type partnerRow struct {
	domain.Partner
	CapabilitiesRaw []byte `db:"capabilities"`
}

func getPartner(ctx context.Context, q sqlx.QueryerContext, id string, suffix ...string) (*domain.Partner, error) {
	query := `
		SELECT id, name, entity_class, home_country, capabilities,
		       master_entity_id, corporate_group_id, credit_limit, credit_used,
		       created_at, updated_at
		FROM partners WHERE id = $1
	`
	for _, s := range suffix {
		query += " " + s
	}

	var row partnerRow
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get partner: %w", err)
	}

	p := row.Partner
	p.Capabilities = domain.NewCapabilitySet()
	if len(row.CapabilitiesRaw) > 0 {
		if err := json.Unmarshal(row.CapabilitiesRaw, &p.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities: %w", err)
		}
	}
	return &p, nil
}

// ResolveLocation loads a registered partner location, scoped to the owning
// partner. Returns nil when the location does not exist or belongs to
// another partner.
func (r *Repository) ResolveLocation(ctx context.Context, partnerID, locationID string) (*domain.Location, error) {
	var loc domain.Location
	err := r.db.GetContext(ctx, &loc, `
		SELECT address, lat, lon, country, state, city
		FROM partner_locations
		WHERE id = $1 AND partner_id = $2
	`, locationID, partnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve location: %w", err)
	}
	return &loc, nil
}

// VerifiedDocuments returns a partner's verified documents.
func (r *Repository) VerifiedDocuments(ctx context.Context, partnerID string) ([]domain.VerifiedDocument, error) {
	var docs []domain.VerifiedDocument
	if err := r.db.SelectContext(ctx, &docs, `
		SELECT id, partner_id, kind, country, tax_id, verified, created_at
		FROM partner_documents
		WHERE partner_id = $1 AND verified
		ORDER BY created_at
	`, partnerID); err != nil {
		return nil, fmt.Errorf("failed to load verified documents: %w", err)
	}
	return docs, nil
}

// SaveDocument upserts a document row, typically from a verification event.
func (r *Repository) SaveDocument(ctx context.Context, doc *domain.VerifiedDocument) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO partner_documents (id, partner_id, kind, country, tax_id, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET verified = EXCLUDED.verified
	`, doc.ID, doc.PartnerID, string(doc.Kind), doc.Country, doc.TaxID, doc.Verified); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// UpdateCapabilitiesTx writes the derived set inside the given transaction.
func (r *Repository) UpdateCapabilitiesTx(ctx context.Context, tx *sqlx.Tx, partnerID string, set domain.CapabilitySet) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE partners SET capabilities = $2, updated_at = now() WHERE id = $1
	`, partnerID, raw); err != nil {
		return fmt.Errorf("failed to update capabilities: %w", err)
	}
	return nil
}
