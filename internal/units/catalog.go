// Package units provides canonical unit conversion with exact decimal factors.
// The catalog is closed: conversions between units it does not know fail with
// UnitUnknown, and conversions across dimensions (mass to volume) fail with
// UnitIncompatible unless the commodity supplies a density override.
package units

import (
	"github.com/shopspring/decimal"

	"github.com/mandinet/tradecore/internal/domain"
)

// Dimension groups units that convert between each other.
type Dimension string

const (
	Mass   Dimension = "MASS"
	Volume Dimension = "VOLUME"
	Count  Dimension = "COUNT"
)

type unitDef struct {
	dimension Dimension
	// toCanonical is the exact factor from one of this unit to the
	// dimension's canonical unit (KG for mass, LITER for volume, UNIT for
	// count).
	toCanonical decimal.Decimal
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic("units: bad factor literal " + s)
	}
	return v
}

// Converter resolves conversions through the closed catalog.
type Converter struct {
	units map[string]unitDef
}

// NewConverter builds the converter with the standard trade catalog.
func NewConverter() *Converter {
	return &Converter{
		units: map[string]unitDef{
			// Mass, canonical KG.
			"KG":      {Mass, d("1")},
			"GRAM":    {Mass, d("0.001")},
			"QUINTAL": {Mass, d("100")},
			"MT":      {Mass, d("1000")},
			"TON":     {Mass, d("1000")},
			"CANDY":   {Mass, d("355.6222")},
			"BALE":    {Mass, d("170")},
			"LB":      {Mass, d("0.45359237")},
			"BAG":     {Mass, d("50")},

			// Volume, canonical LITER.
			"LITER": {Volume, d("1")},
			"ML":    {Volume, d("0.001")},
			"KL":    {Volume, d("1000")},

			// Count, canonical UNIT.
			"UNIT":  {Count, d("1")},
			"DOZEN": {Count, d("12")},
		},
	}
}

// Known reports whether the unit is in the catalog.
func (c *Converter) Known(unit string) bool {
	_, ok := c.units[unit]
	return ok
}

// Factor returns the exact decimal factor such that
// value_in_to = value_in_from * factor. Unknown units yield UnitUnknown;
// cross-dimension pairs yield UnitIncompatible.
func (c *Converter) Factor(from, to string) (decimal.Decimal, error) {
	fu, ok := c.units[from]
	if !ok {
		return decimal.Zero, domain.NewError(domain.KindUnitUnknown, "unknown unit "+from)
	}
	tu, ok := c.units[to]
	if !ok {
		return decimal.Zero, domain.NewError(domain.KindUnitUnknown, "unknown unit "+to)
	}
	if fu.dimension != tu.dimension {
		return decimal.Zero, domain.NewError(domain.KindUnitIncompatible,
			"cannot convert "+from+" to "+to)
	}
	return fu.toCanonical.Div(tu.toCanonical), nil
}

// Convert converts value from one unit to another through exact factors.
// Multiplication happens before division so round trips through the catalog
// reproduce the input exactly.
func (c *Converter) Convert(value decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if from == to {
		return value, nil
	}
	fu, ok := c.units[from]
	if !ok {
		return decimal.Zero, domain.NewError(domain.KindUnitUnknown, "unknown unit "+from)
	}
	tu, ok := c.units[to]
	if !ok {
		return decimal.Zero, domain.NewError(domain.KindUnitUnknown, "unknown unit "+to)
	}
	if fu.dimension != tu.dimension {
		return decimal.Zero, domain.NewError(domain.KindUnitIncompatible,
			"cannot convert "+from+" to "+to)
	}
	return value.Mul(fu.toCanonical).Div(tu.toCanonical), nil
}

// ConvertWithDensity converts across the mass/volume boundary using a
// commodity-supplied density in KG per LITER. Same-dimension pairs fall back
// to Convert.
func (c *Converter) ConvertWithDensity(value decimal.Decimal, from, to string, kgPerLiter decimal.Decimal) (decimal.Decimal, error) {
	fu, ok := c.units[from]
	if !ok {
		return decimal.Zero, domain.NewError(domain.KindUnitUnknown, "unknown unit "+from)
	}
	tu, ok := c.units[to]
	if !ok {
		return decimal.Zero, domain.NewError(domain.KindUnitUnknown, "unknown unit "+to)
	}
	if fu.dimension == tu.dimension {
		return c.Convert(value, from, to)
	}
	if kgPerLiter.IsZero() {
		return decimal.Zero, domain.NewError(domain.KindUnitIncompatible,
			"cannot convert "+from+" to "+to+" without density")
	}

	switch {
	case fu.dimension == Volume && tu.dimension == Mass:
		liters := value.Mul(fu.toCanonical)
		kg := liters.Mul(kgPerLiter)
		return kg.Div(tu.toCanonical), nil
	case fu.dimension == Mass && tu.dimension == Volume:
		kg := value.Mul(fu.toCanonical)
		liters := kg.Div(kgPerLiter)
		return liters.Div(tu.toCanonical), nil
	default:
		return decimal.Zero, domain.NewError(domain.KindUnitIncompatible,
			"cannot convert "+from+" to "+to)
	}
}

// NormalizePrice converts a per-price-unit price into a per-base-unit price,
// rounded half-up to 2 decimal places. A price of 8000 per CANDY becomes
// 22.50 per KG.
func (c *Converter) NormalizePrice(price decimal.Decimal, priceUnit, baseUnit string) (decimal.Decimal, error) {
	if priceUnit == baseUnit {
		return price.Round(2), nil
	}
	factor, err := c.Factor(priceUnit, baseUnit)
	if err != nil {
		return decimal.Zero, err
	}
	return price.Div(factor).Round(2), nil
}
