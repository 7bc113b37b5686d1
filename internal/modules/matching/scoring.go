package matching

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/mandinet/tradecore/internal/config"
	"github.com/mandinet/tradecore/internal/domain"
)

const (
	priceFullCreditDev = 0.03
	priceZeroDev       = 0.15

	// Radius used for delivery decay when the commodity carries no
	// within_km rule.
	defaultDeliveryRadiusKM = 500.0
)

// QualityScore measures how closely an availability's declared parameters
// satisfy the requirement. Violating any mandatory catalog parameter zeroes
// the sub-score; parameters the buyer did not ask about are ignored; optional
// parameters missing on the sell side do not penalise.
func QualityScore(com *domain.Commodity, req *domain.Requirement, avail domain.ParamValues) float64 {
	for _, spec := range com.Parameters {
		if !spec.Mandatory {
			continue
		}
		got, ok := avail[spec.Name]
		if !ok || violates(spec, got) {
			return 0
		}
	}

	tolerance := req.QualityTolerance
	if tolerance <= 0 {
		tolerance = 0.1
	}

	var total, weighted float64
	for name, want := range req.QualityParams {
		weight := 1.0
		if spec, ok := com.ParamSpecByName(name); ok && spec.Weight > 0 {
			weight = spec.Weight
		}
		got, ok := avail[name]
		if !ok {
			// Absent optional parameters neither help nor hurt.
			continue
		}
		total += weight
		weighted += weight * proximity(want, got, tolerance)
	}
	if total == 0 {
		return 1
	}
	return clamp01(weighted / total)
}

func violates(spec domain.ParamSpec, v domain.ParamValue) bool {
	switch spec.Kind {
	case domain.ParamNumeric:
		if v.Kind != domain.ParamNumeric {
			return true
		}
		return (spec.Min != nil && v.Number < *spec.Min) || (spec.Max != nil && v.Number > *spec.Max)
	case domain.ParamRange:
		if v.Kind != domain.ParamRange || v.Min > v.Max {
			return true
		}
		return (spec.Min != nil && v.Min < *spec.Min) || (spec.Max != nil && v.Max > *spec.Max)
	default:
		return v.Kind != domain.ParamText || v.Text == ""
	}
}

// proximity scores one offered value against the asked value, linear from
// 1.0 at an exact match down to 0.0 at the edge of the relative tolerance.
func proximity(want, got domain.ParamValue, tolerance float64) float64 {
	if want.Kind != got.Kind {
		return 0
	}
	switch want.Kind {
	case domain.ParamNumeric:
		dev := math.Abs(got.Number-want.Number) / math.Max(math.Abs(want.Number), 1e-9)
		return clamp01(1 - dev/tolerance)
	case domain.ParamRange:
		overlap := math.Min(want.Max, got.Max) - math.Max(want.Min, got.Min)
		span := want.Max - want.Min
		if span <= 0 {
			if overlap >= 0 {
				return 1
			}
			return 0
		}
		return clamp01(overlap / span)
	default:
		if strings.EqualFold(want.Text, got.Text) {
			return 1
		}
		return 0
	}
}

// PriceScore is piecewise linear on the relative deviation of the offered
// normalized price from the asked one. Full credit within ±3%, zero at ±15%.
func PriceScore(req *domain.Requirement, avail *domain.Availability) float64 {
	if req.PricePerBaseUnit.IsZero() {
		return 0
	}
	dev, _ := avail.PricePerBaseUnit.Sub(req.PricePerBaseUnit).
		Div(req.PricePerBaseUnit).Abs().Float64()
	switch {
	case dev <= priceFullCreditDev:
		return 1
	case dev >= priceZeroDev:
		return 0
	default:
		return (priceZeroDev - dev) / (priceZeroDev - priceFullCreditDev)
	}
}

// DeliveryScore takes the best score over the requirement's delivery
// locations: 1.0 for an exact city match, linear decay with distance inside
// the same state, zero across states.
func DeliveryScore(req *domain.Requirement, avail *domain.Availability, rule config.LocationRule) float64 {
	radius := rule.WithinKM
	if radius <= 0 {
		radius = defaultDeliveryRadiusKM
	}

	best := 0.0
	for _, loc := range req.DeliveryLocations {
		if !strings.EqualFold(loc.Country, avail.Location.Country) {
			continue
		}
		if !strings.EqualFold(loc.State, avail.Location.State) {
			continue
		}
		if strings.EqualFold(loc.City, avail.Location.City) {
			return 1
		}
		dist := HaversineKM(loc.Lat, loc.Lon, avail.Location.Lat, avail.Location.Lon)
		if s := clamp01(1 - dist/radius); s > best {
			best = s
		}
	}
	return best
}

// RiskSubScore maps the three-valued risk outcome onto [0,1].
func RiskSubScore(status domain.RiskStatus) float64 {
	switch status {
	case domain.RiskPass:
		return 1
	case domain.RiskWarn:
		return 0.5
	default:
		return 0
	}
}

// HaversineKM is the great-circle distance between two coordinates.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	rad := func(d float64) float64 { return d * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}

// Fingerprint serializes a seller/quality pair for the duplicate window.
// Map keys marshal in sorted order, so equal maps always fingerprint equally.
func Fingerprint(sellerID string, params domain.ParamValues) string {
	raw, _ := json.Marshal(params)
	return sellerID + "|" + string(raw)
}

// ParseFingerprint splits a stored fingerprint back into its parts.
func ParseFingerprint(fp string) (sellerID string, params domain.ParamValues, err error) {
	idx := strings.Index(fp, "|")
	if idx < 0 {
		return "", nil, fmt.Errorf("malformed fingerprint %q", fp)
	}
	params, err = domain.UnmarshalParamValues([]byte(fp[idx+1:]))
	if err != nil {
		return "", nil, err
	}
	return fp[:idx], params, nil
}

// ParamSimilarity compares two quality maps over the union of their keys.
// Each shared key contributes its proximity at a fixed 10% tolerance; a key
// missing on either side contributes zero.
func ParamSimilarity(a, b domain.ParamValues) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	union := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		union[k] = struct{}{}
	}
	for k := range b {
		union[k] = struct{}{}
	}

	var sum float64
	for k := range union {
		av, aok := a[k]
		bv, bok := b[k]
		if aok && bok {
			sum += proximity(av, bv, 0.1)
		}
	}
	return sum / float64(len(union))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
