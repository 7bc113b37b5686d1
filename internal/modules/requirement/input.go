// Package requirement manages buy-side demand postings: creation with
// capability checks per delivery country, trust scoring, an AI-enhancement
// pipeline and intent-based routing into matching.
package requirement

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mandinet/tradecore/internal/domain"
)

var validate = validator.New()

// DeliveryLocation is one acceptable delivery point for a requirement.
type DeliveryLocation struct {
	LocationID *string `json:"location_id,omitempty"`

	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lon     float64 `json:"lon,omitempty" validate:"omitempty,longitude"`
	Country string  `json:"country,omitempty" validate:"omitempty,iso3166_1_alpha2"`
	State   string  `json:"state,omitempty"`
	City    string  `json:"city,omitempty"`
}

// CreateInput is the create_requirement request.
type CreateInput struct {
	BuyerID           string             `json:"buyer_id" validate:"required,uuid4"`
	CommodityID       string             `json:"commodity_id" validate:"required,uuid4"`
	Intent            domain.Intent      `json:"intent" validate:"required,oneof=DIRECT_BUY NEGOTIATE AUCTION BROWSE"`
	DeliveryLocations []DeliveryLocation `json:"delivery_locations" validate:"min=1,dive"`
	Quantity          decimal.Decimal    `json:"quantity"`
	TradeUnit         string             `json:"trade_unit" validate:"required"`
	TargetPrice       decimal.Decimal    `json:"target_price"`
	PriceUnit         string             `json:"price_unit" validate:"required"`
	BudgetMax         *decimal.Decimal   `json:"budget_max,omitempty"`
	QualityParams     domain.ParamValues `json:"quality_params"`
	QualityTolerance  float64            `json:"quality_tolerance" validate:"gte=0,lte=1"`
	ValidFrom         time.Time          `json:"valid_from"`
	ValidUntil        time.Time          `json:"valid_until"`
	IdempotencyKey    string             `json:"idempotency_key,omitempty"`
}

// Validate checks structural rules before any database work.
func (in *CreateInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return domain.WrapError(domain.KindValidation, "invalid requirement input", err)
	}
	if !in.Quantity.IsPositive() {
		return domain.ValidationError("quantity must be positive", "quantity")
	}
	if !in.TargetPrice.IsPositive() {
		return domain.ValidationError("target price must be positive", "target_price")
	}
	if in.BudgetMax != nil && !in.BudgetMax.IsPositive() {
		return domain.ValidationError("budget must be positive when set", "budget_max")
	}
	if !in.ValidFrom.Before(in.ValidUntil) {
		return domain.ValidationError("valid_from must precede valid_until", "valid_from", "valid_until")
	}
	return nil
}
