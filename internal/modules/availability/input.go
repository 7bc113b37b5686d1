// Package availability manages sell-side inventory postings: creation with
// full validation, reservation under row locks, release, sale transitions
// and expiry sweeps.
package availability

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mandinet/tradecore/internal/domain"
)

var validate = validator.New()

// LocationInput selects exactly one of a registered partner location or an
// ad-hoc address with coordinates.
type LocationInput struct {
	LocationID *string `json:"location_id,omitempty"`

	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lon     float64 `json:"lon,omitempty" validate:"omitempty,longitude"`
	Country string  `json:"country,omitempty" validate:"omitempty,iso3166_1_alpha2"`
	State   string  `json:"state,omitempty"`
	City    string  `json:"city,omitempty"`
}

func (l *LocationInput) adhoc() bool {
	return l.Address != "" || l.Country != "" || l.Lat != 0 || l.Lon != 0
}

// CreateInput is the create_availability request.
type CreateInput struct {
	SellerID         string                  `json:"seller_id" validate:"required,uuid4"`
	CommodityID      string                  `json:"commodity_id" validate:"required,uuid4"`
	Location         LocationInput           `json:"location"`
	Total            decimal.Decimal         `json:"total"`
	TradeUnit        string                  `json:"trade_unit" validate:"required"`
	BasePrice        decimal.Decimal         `json:"base_price"`
	PriceUnit        string                  `json:"price_unit" validate:"required"`
	QualityParams    domain.ParamValues      `json:"quality_params"`
	ValidFrom        time.Time               `json:"valid_from"`
	ValidUntil       time.Time               `json:"valid_until"`
	MarketVisibility domain.MarketVisibility `json:"market_visibility" validate:"omitempty,oneof=PUBLIC PRIVATE RESTRICTED INTERNAL"`
	RestrictedBuyers []string                `json:"restricted_buyers,omitempty" validate:"dive,uuid4"`
	IdempotencyKey   string                  `json:"idempotency_key,omitempty"`
}

// Validate checks structural rules before any database work.
func (in *CreateInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return domain.WrapError(domain.KindValidation, "invalid availability input", err)
	}
	if !in.Total.IsPositive() {
		return domain.ValidationError("total quantity must be positive", "total")
	}
	if !in.BasePrice.IsPositive() {
		return domain.ValidationError("base price must be positive", "base_price")
	}
	if !in.ValidFrom.Before(in.ValidUntil) {
		return domain.ValidationError("valid_from must precede valid_until", "valid_from", "valid_until")
	}
	return nil
}

// UpdateInput carries the mutable posting fields. After the first
// reservation only validity extension and visibility may change.
type UpdateInput struct {
	AvailabilityID   string                   `json:"availability_id" validate:"required,uuid4"`
	BasePrice        *decimal.Decimal         `json:"base_price,omitempty"`
	QualityParams    domain.ParamValues       `json:"quality_params,omitempty"`
	ValidUntil       *time.Time               `json:"valid_until,omitempty"`
	MarketVisibility *domain.MarketVisibility `json:"market_visibility,omitempty"`
}

// LocationResolver loads registered partner locations.
type LocationResolver interface {
	ResolveLocation(ctx context.Context, partnerID, locationID string) (*domain.Location, error)
}

// resolveLocation enforces the exactly-one-of rule and returns the resolved
// posting location.
func resolveLocation(ctx context.Context, resolver LocationResolver, partnerID string, in LocationInput, allowAdhoc bool) (*domain.Location, error) {
	registered := in.LocationID != nil
	adhoc := in.adhoc()

	switch {
	case registered && adhoc:
		return nil, domain.NewError(domain.KindInvalidLocation, "provide a registered location or an ad-hoc address, not both")
	case !registered && !adhoc:
		return nil, domain.NewError(domain.KindInvalidLocation, "a posting location is required")
	case registered:
		loc, err := resolver.ResolveLocation(ctx, partnerID, *in.LocationID)
		if err != nil {
			return nil, err
		}
		if loc == nil {
			return nil, domain.NewError(domain.KindInvalidLocation, "registered location not found for partner")
		}
		return loc, nil
	default:
		if !allowAdhoc {
			return nil, domain.NewError(domain.KindInvalidLocation, "ad-hoc locations are disabled for this deployment")
		}
		if in.Address == "" || in.Country == "" || in.Lat == 0 || in.Lon == 0 {
			return nil, domain.NewError(domain.KindInvalidLocation, "ad-hoc location requires address, country and coordinates")
		}
		return &domain.Location{
			Address: in.Address,
			Lat:     in.Lat,
			Lon:     in.Lon,
			Country: in.Country,
			State:   in.State,
			City:    in.City,
		}, nil
	}
}
