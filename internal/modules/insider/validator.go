// Package insider blocks trades between linked parties: the same entity,
// entities under one master, one corporate group, or entities sharing a
// verified tax ID.
package insider

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/domain"
)

// Validator answers party-link questions. Each check is a constant number of
// queries: the hierarchy root and corporate group are precomputed columns,
// tax overlap is one indexed join.
type Validator struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewValidator creates a new insider validator
func NewValidator(db *sqlx.DB, log zerolog.Logger) *Validator {
	return &Validator{
		db:  db,
		log: log.With().Str("service", "insider").Logger(),
	}
}

// ValidateParties fails with InsiderBlocked when buyer and seller are linked.
func (v *Validator) ValidateParties(ctx context.Context, buyerID, sellerID string) error {
	if buyerID == sellerID {
		return domain.NewError(domain.KindInsiderBlocked, "buyer and seller are the same partner")
	}

	linked, reason, err := v.linked(ctx, buyerID, sellerID)
	if err != nil {
		return domain.WrapError(domain.KindTransientInfra, "party-link check failed", err)
	}
	if linked {
		return domain.NewError(domain.KindInsiderBlocked, reason)
	}
	return nil
}

func (v *Validator) linked(ctx context.Context, buyerID, sellerID string) (bool, string, error) {
	// Walk both master chains to their roots; a shared root links the pair.
	// Chains are shallow in practice but the recursive form is exact.
	var sameRoot bool
	err := v.db.GetContext(ctx, &sameRoot, `
		WITH RECURSIVE chain AS (
			SELECT id, master_entity_id, id AS start FROM partners WHERE id IN ($1, $2)
			UNION ALL
			SELECT p.id, p.master_entity_id, c.start
			FROM partners p JOIN chain c ON p.id = c.master_entity_id
		),
		roots AS (
			SELECT start, id AS root FROM chain WHERE master_entity_id IS NULL
		)
		SELECT count(DISTINCT root) = 1 AND count(DISTINCT start) = 2 FROM roots
	`, buyerID, sellerID)
	if err != nil {
		return false, "", fmt.Errorf("master-entity query failed: %w", err)
	}
	if sameRoot {
		return true, "parties share a master entity", nil
	}

	var sameGroup bool
	err = v.db.GetContext(ctx, &sameGroup, `
		SELECT count(DISTINCT corporate_group_id) = 1 AND count(*) = 2
		FROM partners
		WHERE id IN ($1, $2) AND corporate_group_id IS NOT NULL
	`, buyerID, sellerID)
	if err != nil {
		return false, "", fmt.Errorf("corporate-group query failed: %w", err)
	}
	if sameGroup {
		return true, "parties share a corporate group", nil
	}

	var sharedTax bool
	err = v.db.GetContext(ctx, &sharedTax, `
		SELECT EXISTS (
			SELECT 1
			FROM partner_documents a
			JOIN partner_documents b ON a.tax_id = b.tax_id
			WHERE a.partner_id = $1 AND b.partner_id = $2
			  AND a.verified AND b.verified
			  AND a.tax_id IS NOT NULL
		)
	`, buyerID, sellerID)
	if err != nil {
		return false, "", fmt.Errorf("shared-tax query failed: %w", err)
	}
	if sharedTax {
		return true, "parties share a verified tax ID", nil
	}

	return false, "", nil
}

// Edge is one insider relation between two partners.
type Edge struct {
	PartnerA string `json:"partner_a"`
	PartnerB string `json:"partner_b"`
	Reason   string `json:"reason"`
}

// BatchEdges returns all pairwise insider edges among the given partners.
// Used by candidate filtering to drop linked sellers before scoring.
func (v *Validator) BatchEdges(ctx context.Context, partnerIDs []string) ([]Edge, error) {
	if len(partnerIDs) < 2 {
		return nil, nil
	}

	var edges []Edge

	// Chain, group and tax edges come from set queries instead of O(n^2)
	// pairwise checks. The chain query resolves every partner's master root
	// once; equal roots link the pair, mirroring ValidateParties.
	var chainPairs []struct {
		A string `db:"a"`
		B string `db:"b"`
	}
	query, args, err := sqlx.In(`
		WITH RECURSIVE chain AS (
			SELECT id, master_entity_id, id AS start FROM partners WHERE id IN (?)
			UNION ALL
			SELECT p.id, p.master_entity_id, c.start
			FROM partners p JOIN chain c ON p.id = c.master_entity_id
		),
		roots AS (
			SELECT start, id AS root FROM chain WHERE master_entity_id IS NULL
		)
		SELECT r1.start AS a, r2.start AS b
		FROM roots r1
		JOIN roots r2 ON r1.root = r2.root AND r1.start < r2.start
	`, partnerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build chain-edge query: %w", err)
	}
	if err := v.db.SelectContext(ctx, &chainPairs, v.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("chain-edge query failed: %w", err)
	}
	for _, p := range chainPairs {
		edges = append(edges, Edge{PartnerA: p.A, PartnerB: p.B, Reason: "master entity"})
	}
	var groupPairs []struct {
		A string `db:"a"`
		B string `db:"b"`
	}
	query, args, err = sqlx.In(`
		SELECT p1.id AS a, p2.id AS b
		FROM partners p1
		JOIN partners p2 ON p1.corporate_group_id = p2.corporate_group_id AND p1.id < p2.id
		WHERE p1.id IN (?) AND p2.id IN (?) AND p1.corporate_group_id IS NOT NULL
	`, partnerIDs, partnerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build group-edge query: %w", err)
	}
	if err := v.db.SelectContext(ctx, &groupPairs, v.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("group-edge query failed: %w", err)
	}
	for _, p := range groupPairs {
		edges = append(edges, Edge{PartnerA: p.A, PartnerB: p.B, Reason: "corporate group"})
	}

	var taxPairs []struct {
		A string `db:"a"`
		B string `db:"b"`
	}
	query, args, err = sqlx.In(`
		SELECT DISTINCT d1.partner_id AS a, d2.partner_id AS b
		FROM partner_documents d1
		JOIN partner_documents d2 ON d1.tax_id = d2.tax_id AND d1.partner_id < d2.partner_id
		WHERE d1.partner_id IN (?) AND d2.partner_id IN (?)
		  AND d1.verified AND d2.verified AND d1.tax_id IS NOT NULL
	`, partnerIDs, partnerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build tax-edge query: %w", err)
	}
	if err := v.db.SelectContext(ctx, &taxPairs, v.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("tax-edge query failed: %w", err)
	}
	for _, p := range taxPairs {
		edges = append(edges, Edge{PartnerA: p.A, PartnerB: p.B, Reason: "shared tax ID"})
	}

	return edges, nil
}
