package matching

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandinet/tradecore/internal/config"
	"github.com/mandinet/tradecore/internal/domain"
)

func floatPtr(v float64) *float64 { return &v }

func cottonCommodity() *domain.Commodity {
	return &domain.Commodity{
		ID:       "c-1",
		Name:     "Raw Cotton",
		BaseUnit: "KG",
		Parameters: []domain.ParamSpec{
			{Name: "staple_length_mm", Kind: domain.ParamNumeric, Min: floatPtr(20), Max: floatPtr(40), Mandatory: true, Weight: 2},
			{Name: "moisture_pct", Kind: domain.ParamNumeric, Min: floatPtr(0), Max: floatPtr(12), Weight: 1},
			{Name: "grade", Kind: domain.ParamText, Weight: 1},
		},
	}
}

func TestQualityScore(t *testing.T) {
	com := cottonCommodity()
	req := &domain.Requirement{
		QualityTolerance: 0.1,
		QualityParams: domain.ParamValues{
			"staple_length_mm": domain.NumericValue(30),
			"grade":            domain.TextValue("A"),
		},
	}

	t.Run("exact match scores one", func(t *testing.T) {
		avail := domain.ParamValues{
			"staple_length_mm": domain.NumericValue(30),
			"grade":            domain.TextValue("A"),
		}
		assert.InDelta(t, 1.0, QualityScore(com, req, avail), 1e-9)
	})

	t.Run("mandatory violation zeroes the score", func(t *testing.T) {
		avail := domain.ParamValues{
			"staple_length_mm": domain.NumericValue(45),
			"grade":            domain.TextValue("A"),
		}
		assert.Equal(t, 0.0, QualityScore(com, req, avail))
	})

	t.Run("missing mandatory zeroes the score", func(t *testing.T) {
		avail := domain.ParamValues{"grade": domain.TextValue("A")}
		assert.Equal(t, 0.0, QualityScore(com, req, avail))
	})

	t.Run("deviation inside tolerance decays linearly", func(t *testing.T) {
		avail := domain.ParamValues{
			"staple_length_mm": domain.NumericValue(31.5), // 5% off, half the 10% tolerance
			"grade":            domain.TextValue("A"),
		}
		// staple weight 2 at 0.5, grade weight 1 at 1.0
		assert.InDelta(t, (2*0.5+1*1.0)/3, QualityScore(com, req, avail), 1e-9)
	})

	t.Run("missing optional does not penalise", func(t *testing.T) {
		reqWithOptional := &domain.Requirement{
			QualityTolerance: 0.1,
			QualityParams: domain.ParamValues{
				"staple_length_mm": domain.NumericValue(30),
				"moisture_pct":     domain.NumericValue(8),
			},
		}
		avail := domain.ParamValues{"staple_length_mm": domain.NumericValue(30)}
		assert.InDelta(t, 1.0, QualityScore(com, reqWithOptional, avail), 1e-9)
	})
}

func TestPriceScore_PiecewiseLinear(t *testing.T) {
	req := &domain.Requirement{PricePerBaseUnit: decimal.NewFromInt(100)}
	at := func(price int64) float64 {
		return PriceScore(req, &domain.Availability{PricePerBaseUnit: decimal.NewFromInt(price)})
	}

	assert.Equal(t, 1.0, at(100))
	assert.Equal(t, 1.0, at(103))
	assert.Equal(t, 1.0, at(97))
	assert.Equal(t, 0.0, at(115))
	assert.Equal(t, 0.0, at(130))
	assert.InDelta(t, 0.5, at(109), 1e-9)

	mid, far := at(106), at(112)
	assert.Greater(t, mid, far)
}

func TestDeliveryScore(t *testing.T) {
	avail := &domain.Availability{Location: domain.Location{
		Country: "IN", State: "MH", City: "Mumbai", Lat: 19.076, Lon: 72.877,
	}}

	t.Run("exact city", func(t *testing.T) {
		req := &domain.Requirement{DeliveryLocations: []domain.Location{
			{Country: "IN", State: "MH", City: "mumbai", Lat: 19.0, Lon: 72.8},
		}}
		assert.Equal(t, 1.0, DeliveryScore(req, avail, config.LocationRule{}))
	})

	t.Run("same state decays with distance", func(t *testing.T) {
		// Pune is roughly 120 km from Mumbai.
		req := &domain.Requirement{DeliveryLocations: []domain.Location{
			{Country: "IN", State: "MH", City: "Pune", Lat: 18.52, Lon: 73.856},
		}}
		score := DeliveryScore(req, avail, config.LocationRule{})
		assert.Greater(t, score, 0.5)
		assert.Less(t, score, 1.0)
	})

	t.Run("cross state is zero", func(t *testing.T) {
		req := &domain.Requirement{DeliveryLocations: []domain.Location{
			{Country: "IN", State: "GJ", City: "Surat", Lat: 21.17, Lon: 72.83},
		}}
		assert.Equal(t, 0.0, DeliveryScore(req, avail, config.LocationRule{AllowCrossState: true}))
	})

	t.Run("best of several delivery locations wins", func(t *testing.T) {
		req := &domain.Requirement{DeliveryLocations: []domain.Location{
			{Country: "IN", State: "MH", City: "Nagpur", Lat: 21.14, Lon: 79.08},
			{Country: "IN", State: "MH", City: "Mumbai", Lat: 19.076, Lon: 72.877},
		}}
		assert.Equal(t, 1.0, DeliveryScore(req, avail, config.LocationRule{}))
	})
}

func TestRiskSubScore(t *testing.T) {
	assert.Equal(t, 1.0, RiskSubScore(domain.RiskPass))
	assert.Equal(t, 0.5, RiskSubScore(domain.RiskWarn))
	assert.Equal(t, 0.0, RiskSubScore(domain.RiskFail))
}

func TestHaversineKM(t *testing.T) {
	// Mumbai to Delhi is about 1150 km.
	d := HaversineKM(19.076, 72.877, 28.613, 77.209)
	assert.InDelta(t, 1150, d, 50)

	assert.InDelta(t, 0, HaversineKM(19.076, 72.877, 19.076, 72.877), 1e-9)
}

func TestFingerprint_RoundTrip(t *testing.T) {
	params := domain.ParamValues{
		"staple_length_mm": domain.NumericValue(30),
		"grade":            domain.TextValue("A"),
	}
	fp := Fingerprint("s-1", params)

	sellerID, parsed, err := ParseFingerprint(fp)
	require.NoError(t, err)
	assert.Equal(t, "s-1", sellerID)
	assert.InDelta(t, 1.0, ParamSimilarity(params, parsed), 1e-9)
}

func TestParamSimilarity(t *testing.T) {
	a := domain.ParamValues{
		"staple_length_mm": domain.NumericValue(30),
		"grade":            domain.TextValue("A"),
	}

	t.Run("identical maps", func(t *testing.T) {
		assert.InDelta(t, 1.0, ParamSimilarity(a, a), 1e-9)
	})

	t.Run("near identical stays above the duplicate threshold", func(t *testing.T) {
		b := domain.ParamValues{
			"staple_length_mm": domain.NumericValue(30.1),
			"grade":            domain.TextValue("A"),
		}
		assert.GreaterOrEqual(t, ParamSimilarity(a, b), 0.95)
	})

	t.Run("disjoint keys score zero", func(t *testing.T) {
		b := domain.ParamValues{"moisture_pct": domain.NumericValue(8)}
		assert.Equal(t, 0.0, ParamSimilarity(a, b))
	})

	t.Run("both empty are identical", func(t *testing.T) {
		assert.Equal(t, 1.0, ParamSimilarity(nil, nil))
	})
}
