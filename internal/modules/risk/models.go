// Package risk runs the two-tier risk engine: deterministic blocking rules
// first, advisory ML scoring second, composed into one assessment.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/mandinet/tradecore/internal/domain"
)

// Kind selects the assessment profile.
type Kind string

const (
	// KindPosting prechecks a single party's new posting.
	KindPosting Kind = "POSTING"
	// KindTrade assesses a concrete buyer/seller pair before allocation.
	KindTrade Kind = "TRADE"
)

// Input is one assessment request. Buyer is nil for sell-side posting
// prechecks and Seller is nil for buy-side ones; trade assessments carry both.
type Input struct {
	Kind        Kind
	Buyer       *domain.Partner
	Seller      *domain.Partner
	CommodityID string
	Country     string
	Direction   domain.TradeDirection
	TradeValue  decimal.Decimal
}

func (in *Input) actor() *domain.Partner {
	if in.Direction == domain.DirectionBuy {
		return in.Buyer
	}
	return in.Seller
}
