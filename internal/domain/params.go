package domain

import (
	"encoding/json"
	"fmt"
)

// ParamKind tags the quality-parameter sum type.
type ParamKind string

const (
	ParamNumeric ParamKind = "NUMERIC"
	ParamRange   ParamKind = "RANGE"
	ParamText    ParamKind = "TEXT"
)

// ParamValue is one quality parameter value. Exactly one of the value fields
// is meaningful, selected by Kind. Validation dispatches on the tag instead
// of sniffing dynamic JSON.
type ParamValue struct {
	Kind    ParamKind `json:"kind"`
	Number  float64   `json:"number,omitempty"`
	Min     float64   `json:"min,omitempty"`
	Max     float64   `json:"max,omitempty"`
	Text    string    `json:"text,omitempty"`
}

// NumericValue builds a NUMERIC parameter value.
func NumericValue(v float64) ParamValue {
	return ParamValue{Kind: ParamNumeric, Number: v}
}

// RangeValue builds a RANGE parameter value.
func RangeValue(min, max float64) ParamValue {
	return ParamValue{Kind: ParamRange, Min: min, Max: max}
}

// TextValue builds a TEXT parameter value.
func TextValue(s string) ParamValue {
	return ParamValue{Kind: ParamText, Text: s}
}

// Midpoint returns the representative numeric value for proximity scoring.
// For ranges that is the midpoint; text parameters have no numeric value.
func (p ParamValue) Midpoint() (float64, bool) {
	switch p.Kind {
	case ParamNumeric:
		return p.Number, true
	case ParamRange:
		return (p.Min + p.Max) / 2, true
	default:
		return 0, false
	}
}

// ParamValues maps parameter names to values. Stored as jsonb.
type ParamValues map[string]ParamValue

// MarshalJSONB serializes the map for jsonb storage.
func (pv ParamValues) MarshalJSONB() ([]byte, error) {
	if pv == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(pv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quality params: %w", err)
	}
	return b, nil
}

// UnmarshalParamValues decodes jsonb storage into the map.
func UnmarshalParamValues(data []byte) (ParamValues, error) {
	if len(data) == 0 {
		return ParamValues{}, nil
	}
	var pv ParamValues
	if err := json.Unmarshal(data, &pv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quality params: %w", err)
	}
	return pv, nil
}

// ParamSpec is a commodity's declared quality parameter.
type ParamSpec struct {
	Name      string    `db:"name" json:"name"`
	Kind      ParamKind `db:"kind" json:"kind"`
	Min       *float64  `db:"min_value" json:"min,omitempty"`
	Max       *float64  `db:"max_value" json:"max,omitempty"`
	Mandatory bool      `db:"mandatory" json:"mandatory"`
	Weight    float64   `db:"weight" json:"weight"`
}

// Commodity is a catalog entry. BaseUnit is the canonical unit quantities are
// normalized into; StandardWeightPerUnit backs trade-unit conversions where
// the catalog has no direct factor.
type Commodity struct {
	ID                    string      `db:"id" json:"id"`
	Name                  string      `db:"name" json:"name"`
	BaseUnit              string      `db:"base_unit" json:"base_unit"`
	TradeUnit             string      `db:"trade_unit" json:"trade_unit"`
	RateUnit              string      `db:"rate_unit" json:"rate_unit"`
	StandardWeightPerUnit float64     `db:"standard_weight_per_unit" json:"standard_weight_per_unit"`
	DensityOverride       *float64    `db:"density_override" json:"density_override,omitempty"`
	Parameters            []ParamSpec `db:"-" json:"parameters"`
}

// ParamSpecByName returns the spec with the given name, if declared.
func (c *Commodity) ParamSpecByName(name string) (ParamSpec, bool) {
	for _, spec := range c.Parameters {
		if spec.Name == name {
			return spec, true
		}
	}
	return ParamSpec{}, false
}
