// Package capability derives trading permissions from verified documents.
// Capabilities are never user-set: the detector is the single writer, and
// every grant traces back to a document rule.
package capability

import (
	"github.com/mandinet/tradecore/internal/domain"
)

// Detect computes the capability set for a partner from its verified
// documents. Rules union their grants in order; service providers and the
// foreign-entity invariant override everything at the end.
func Detect(partner *domain.Partner, docs []domain.VerifiedDocument) domain.CapabilitySet {
	set := domain.NewCapabilitySet()

	if partner.EntityClass == domain.EntityServiceProvider {
		return set
	}

	var (
		gstIN        bool
		nationalIDIN bool
		gstAny       bool
		nationalAny  bool
		iec          bool
	)
	for _, d := range docs {
		if !d.Verified {
			continue
		}
		switch d.Kind {
		case domain.DocGST:
			gstAny = true
			if d.Country == "IN" {
				gstIN = true
			}
		case domain.DocNationalID:
			nationalAny = true
			if d.Country == "IN" {
				nationalIDIN = true
			}
		case domain.DocIEC:
			iec = true
		case domain.DocForeignTaxID:
			if d.Country != "IN" {
				set[domain.CapDomesticBuyHome] = true
				set[domain.CapDomesticSellHome] = true
			}
		case domain.DocForeignImportLicense:
			set[domain.CapImportAllowed] = true
		case domain.DocForeignExportLicense:
			set[domain.CapExportAllowed] = true
		}
	}

	if gstIN && nationalIDIN {
		set[domain.CapDomesticBuyIndia] = true
		set[domain.CapDomesticSellIndia] = true
	}
	if iec && gstAny && nationalAny {
		set[domain.CapImportAllowed] = true
		set[domain.CapExportAllowed] = true
	}

	// Foreign entities never hold domestic India flags, whatever the docs say.
	if partner.HomeCountry != "IN" {
		set[domain.CapDomesticBuyIndia] = false
		set[domain.CapDomesticSellIndia] = false
	}
	return set
}
