package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mandinet/tradecore/internal/domain"
)

func partnerWith(home string, flags ...domain.CapabilityFlag) *domain.Partner {
	set := domain.NewCapabilitySet()
	for _, f := range flags {
		set[f] = true
	}
	return &domain.Partner{
		ID:           "p-1",
		EntityClass:  domain.EntityBusiness,
		HomeCountry:  home,
		Capabilities: set,
	}
}

func TestCheck_DomesticIndiaSell(t *testing.T) {
	p := partnerWith("IN", domain.CapDomesticSellIndia)

	assert.NoError(t, Check(p, "IN", domain.DirectionSell))
	assert.True(t, domain.IsKind(Check(p, "IN", domain.DirectionBuy), domain.KindCapabilityDenied))
	assert.True(t, domain.IsKind(Check(p, "AE", domain.DirectionSell), domain.KindCapabilityDenied))
}

func TestCheck_ExportCoversForeignCountry(t *testing.T) {
	p := partnerWith("IN", domain.CapExportAllowed)

	assert.NoError(t, Check(p, "AE", domain.DirectionSell))
	assert.True(t, domain.IsKind(Check(p, "IN", domain.DirectionSell), domain.KindCapabilityDenied))
}

func TestCheck_ForeignPartnerSellingIntoIndiaNeedsExport(t *testing.T) {
	denied := partnerWith("AE", domain.CapDomesticSellHome)
	assert.True(t, domain.IsKind(Check(denied, "IN", domain.DirectionSell), domain.KindCapabilityDenied))

	exporter := partnerWith("AE", domain.CapExportAllowed)
	assert.NoError(t, Check(exporter, "IN", domain.DirectionSell))
}

func TestCheck_DomesticHomeBuy(t *testing.T) {
	p := partnerWith("AE", domain.CapDomesticBuyHome)

	assert.NoError(t, Check(p, "AE", domain.DirectionBuy))
	assert.True(t, domain.IsKind(Check(p, "US", domain.DirectionBuy), domain.KindCapabilityDenied))
}

func TestCheck_ServiceProviderRestricted(t *testing.T) {
	p := partnerWith("IN", domain.CapDomesticSellIndia)
	p.EntityClass = domain.EntityServiceProvider

	assert.True(t, domain.IsKind(Check(p, "IN", domain.DirectionSell), domain.KindRoleRestricted))
}
