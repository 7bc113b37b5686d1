package capability

import (
	"context"
	"fmt"

	"github.com/mandinet/tradecore/internal/domain"
)

// Gateway answers "may this partner trade in this country, in this
// direction". The trade desk calls it as its preflight; the matcher calls it
// again per candidate because capabilities can change between posting and
// matching.
type Gateway struct {
	repo *Repository
}

// NewGateway creates a new capability gateway
func NewGateway(repo *Repository) *Gateway {
	return &Gateway{repo: repo}
}

// ValidateSell checks the sell-side capability for a posting country.
func (g *Gateway) ValidateSell(ctx context.Context, partnerID, country string) error {
	return g.validate(ctx, partnerID, country, domain.DirectionSell)
}

// ValidateBuy checks the buy-side capability for a delivery country.
func (g *Gateway) ValidateBuy(ctx context.Context, partnerID, country string) error {
	return g.validate(ctx, partnerID, country, domain.DirectionBuy)
}

func (g *Gateway) validate(ctx context.Context, partnerID, country string, dir domain.TradeDirection) error {
	partner, err := g.repo.GetPartner(ctx, partnerID)
	if err != nil {
		return domain.WrapError(domain.KindTransientInfra, "partner lookup failed", err)
	}
	if partner == nil {
		return domain.NewError(domain.KindNotFound, "partner not found")
	}
	return Check(partner, country, dir)
}

// Check evaluates the capability decision on an already-loaded partner.
// Exported so callers holding the partner (matcher batch path) skip the
// second lookup.
func Check(partner *domain.Partner, country string, dir domain.TradeDirection) error {
	if partner.EntityClass != domain.EntityBusiness {
		return domain.NewError(domain.KindRoleRestricted, "service providers cannot trade")
	}

	flag := requiredFlag(partner.HomeCountry, country, dir)
	if !partner.Capabilities[flag] {
		return domain.NewError(domain.KindCapabilityDenied,
			fmt.Sprintf("missing capability %s for country %s", flag, country))
	}
	return nil
}

// requiredFlag maps (home country, trade country, direction) to the single
// capability flag that authorizes it. India is the platform market: domestic
// India flags cover residents, cross-border flags cover everyone else.
func requiredFlag(home, country string, dir domain.TradeDirection) domain.CapabilityFlag {
	domestic := home == country
	if dir == domain.DirectionSell {
		switch {
		case country == "IN" && home == "IN":
			return domain.CapDomesticSellIndia
		case domestic:
			return domain.CapDomesticSellHome
		default:
			return domain.CapExportAllowed
		}
	}
	switch {
	case country == "IN" && home == "IN":
		return domain.CapDomesticBuyIndia
	case domestic:
		return domain.CapDomesticBuyHome
	default:
		return domain.CapImportAllowed
	}
}
