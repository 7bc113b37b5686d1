package commodity

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandinet/tradecore/internal/domain"
)

func f(v float64) *float64 { return &v }

func cottonCatalog() *domain.Commodity {
	return &domain.Commodity{
		ID:       "c-cotton",
		Name:     "Raw Cotton",
		BaseUnit: "KG",
		Parameters: []domain.ParamSpec{
			{Name: "staple_length_mm", Kind: domain.ParamNumeric, Min: f(20), Max: f(40), Mandatory: true, Weight: 2},
			{Name: "moisture_pct", Kind: domain.ParamRange, Min: f(0), Max: f(12), Mandatory: false, Weight: 1},
			{Name: "grade", Kind: domain.ParamText, Mandatory: true, Weight: 1},
		},
	}
}

func TestValidateQuality_Accepts(t *testing.T) {
	svc := NewService(nil, zerolog.New(io.Discard))

	err := svc.ValidateQuality(cottonCatalog(), domain.ParamValues{
		"staple_length_mm": domain.NumericValue(29.5),
		"moisture_pct":     domain.RangeValue(6, 8),
		"grade":            domain.TextValue("A"),
	})
	assert.NoError(t, err)
}

func TestValidateQuality_CollectsAllViolations(t *testing.T) {
	svc := NewService(nil, zerolog.New(io.Discard))

	err := svc.ValidateQuality(cottonCatalog(), domain.ParamValues{
		"staple_length_mm": domain.NumericValue(55), // above max
		"moisture_pct":     domain.RangeValue(9, 3), // inverted
		"color":            domain.TextValue("white"), // undeclared
		// mandatory "grade" missing
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindQualityInvalid))

	var de *domain.DomainError
	require.ErrorAs(t, err, &de)
	assert.Len(t, de.Fields, 4)
}

func TestValidateQuality_KindMismatch(t *testing.T) {
	svc := NewService(nil, zerolog.New(io.Discard))

	err := svc.ValidateQuality(cottonCatalog(), domain.ParamValues{
		"staple_length_mm": domain.TextValue("long"),
		"grade":            domain.TextValue("A"),
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindQualityInvalid))
}

func TestValidateQuality_OptionalMayBeAbsent(t *testing.T) {
	svc := NewService(nil, zerolog.New(io.Discard))

	err := svc.ValidateQuality(cottonCatalog(), domain.ParamValues{
		"staple_length_mm": domain.NumericValue(25),
		"grade":            domain.TextValue("B"),
	})
	assert.NoError(t, err)
}
