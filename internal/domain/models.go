// Package domain contains the core entities of the trading kernel.
// The domain layer is pure: no database, transport or cache dependencies.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityClass distinguishes tradable businesses from service providers.
type EntityClass string

const (
	EntityBusiness        EntityClass = "BUSINESS_ENTITY"
	EntityServiceProvider EntityClass = "SERVICE_PROVIDER"
)

// CapabilityFlag names one derived trading permission.
// The set is closed; capabilities are derived from verified documents and are
// never user-set.
type CapabilityFlag string

const (
	CapDomesticBuyHome  CapabilityFlag = "domestic_buy_home"
	CapDomesticSellHome CapabilityFlag = "domestic_sell_home"
	CapDomesticBuyIndia CapabilityFlag = "domestic_buy_india"
	CapDomesticSellIndia CapabilityFlag = "domestic_sell_india"
	CapImportAllowed    CapabilityFlag = "import_allowed"
	CapExportAllowed    CapabilityFlag = "export_allowed"
)

// AllCapabilityFlags lists every flag in the closed set.
var AllCapabilityFlags = []CapabilityFlag{
	CapDomesticBuyHome,
	CapDomesticSellHome,
	CapDomesticBuyIndia,
	CapDomesticSellIndia,
	CapImportAllowed,
	CapExportAllowed,
}

// CapabilitySet maps capability flags to their granted state.
type CapabilitySet map[CapabilityFlag]bool

// NewCapabilitySet returns a set with every flag false.
func NewCapabilitySet() CapabilitySet {
	set := make(CapabilitySet, len(AllCapabilityFlags))
	for _, f := range AllCapabilityFlags {
		set[f] = false
	}
	return set
}

// CanSell reports whether any sell-side flag is granted.
func (c CapabilitySet) CanSell() bool {
	return c[CapDomesticSellHome] || c[CapDomesticSellIndia] || c[CapExportAllowed]
}

// CanBuy reports whether any buy-side flag is granted.
func (c CapabilitySet) CanBuy() bool {
	return c[CapDomesticBuyHome] || c[CapDomesticBuyIndia] || c[CapImportAllowed]
}

// Equal reports whether two sets grant the same flags.
func (c CapabilitySet) Equal(other CapabilitySet) bool {
	for _, f := range AllCapabilityFlags {
		if c[f] != other[f] {
			return false
		}
	}
	return true
}

// Partner is a tradable counterparty.
type Partner struct {
	ID               string        `db:"id" json:"id"`
	Name             string        `db:"name" json:"name"`
	EntityClass      EntityClass   `db:"entity_class" json:"entity_class"`
	HomeCountry      string        `db:"home_country" json:"home_country"` // ISO-2
	Capabilities     CapabilitySet `db:"-" json:"capabilities"`
	MasterEntityID   *string       `db:"master_entity_id" json:"master_entity_id,omitempty"`
	CorporateGroupID *string       `db:"corporate_group_id" json:"corporate_group_id,omitempty"`
	CreditLimit      decimal.Decimal `db:"credit_limit" json:"credit_limit"`
	CreditUsed       decimal.Decimal `db:"credit_used" json:"credit_used"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// PartnerLocation is a branch, warehouse or ship-to address owned by a partner.
type PartnerLocation struct {
	ID        string   `db:"id" json:"id"`
	PartnerID string   `db:"partner_id" json:"partner_id"`
	Address   string   `db:"address" json:"address"`
	Lat       float64  `db:"lat" json:"lat"`
	Lon       float64  `db:"lon" json:"lon"`
	Country   string   `db:"country" json:"country"`
	State     string   `db:"state" json:"state"`
	City      string   `db:"city" json:"city"`
	TaxID     *string  `db:"tax_id" json:"tax_id,omitempty"`
}

// DocumentKind identifies a verified-document category used by capability
// detection.
type DocumentKind string

const (
	DocGST                  DocumentKind = "GST"
	DocNationalID           DocumentKind = "NATIONAL_ID"
	DocIEC                  DocumentKind = "IEC"
	DocForeignTaxID         DocumentKind = "FOREIGN_TAX_ID"
	DocForeignImportLicense DocumentKind = "FOREIGN_IMPORT_LICENSE"
	DocForeignExportLicense DocumentKind = "FOREIGN_EXPORT_LICENSE"
)

// VerifiedDocument is an already-verified partner document. Verification
// itself happens in an external collaborator; the kernel only consumes
// DOCUMENT_VERIFIED events.
type VerifiedDocument struct {
	ID        string       `db:"id" json:"id"`
	PartnerID string       `db:"partner_id" json:"partner_id"`
	Kind      DocumentKind `db:"kind" json:"kind"`
	Country   string       `db:"country" json:"country"`
	TaxID     *string      `db:"tax_id" json:"tax_id,omitempty"`
	Verified  bool         `db:"verified" json:"verified"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// AvailabilityStatus is the lifecycle state of a sell-side posting.
type AvailabilityStatus string

const (
	AvailDraft         AvailabilityStatus = "DRAFT"
	AvailAvailable     AvailabilityStatus = "AVAILABLE"
	AvailPartiallySold AvailabilityStatus = "PARTIALLY_SOLD"
	AvailSold          AvailabilityStatus = "SOLD"
	AvailExpired       AvailabilityStatus = "EXPIRED"
	AvailCancelled     AvailabilityStatus = "CANCELLED"
)

// MarketVisibility scopes who may see a posting. Matches are always private
// to the two parties regardless of visibility.
type MarketVisibility string

const (
	VisibilityPublic     MarketVisibility = "PUBLIC"
	VisibilityPrivate    MarketVisibility = "PRIVATE"
	VisibilityRestricted MarketVisibility = "RESTRICTED"
	VisibilityInternal   MarketVisibility = "INTERNAL"
)

// RequirementStatus is the lifecycle state of a buy-side posting.
type RequirementStatus string

const (
	ReqDraft            RequirementStatus = "DRAFT"
	ReqPublished        RequirementStatus = "PUBLISHED"
	ReqMatched          RequirementStatus = "MATCHED"
	ReqPartiallyMatched RequirementStatus = "PARTIALLY_MATCHED"
	ReqFulfilled        RequirementStatus = "FULFILLED"
	ReqCancelled        RequirementStatus = "CANCELLED"
	ReqExpired          RequirementStatus = "EXPIRED"
)

// Intent routes a requirement after creation.
type Intent string

const (
	IntentDirectBuy Intent = "DIRECT_BUY"
	IntentNegotiate Intent = "NEGOTIATE"
	IntentAuction   Intent = "AUCTION"
	IntentBrowse    Intent = "BROWSE"
)

// TradeDirection distinguishes buy-side from sell-side checks.
type TradeDirection string

const (
	DirectionBuy  TradeDirection = "BUY"
	DirectionSell TradeDirection = "SELL"
)

// Location is a resolved posting location. Exactly one of a registered
// partner location or an ad-hoc address produces it; both carry coordinates.
type Location struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
	State   string  `json:"state"`
	City    string  `json:"city"`
}

// RiskStatus is the three-valued outcome of a risk tier.
type RiskStatus string

const (
	RiskPass RiskStatus = "PASS"
	RiskWarn RiskStatus = "WARN"
	RiskFail RiskStatus = "FAIL"
)

// Worse returns the more severe of two statuses on the FAIL > WARN > PASS
// ordering.
func (s RiskStatus) Worse(other RiskStatus) RiskStatus {
	rank := map[RiskStatus]int{RiskPass: 0, RiskWarn: 1, RiskFail: 2}
	if rank[other] > rank[s] {
		return other
	}
	return s
}

// RiskAssessment is the combined result of tier-1 rules and tier-2 scoring.
type RiskAssessment struct {
	Tier1Status  RiskStatus         `json:"tier1_status"`
	Tier1Reasons []string           `json:"tier1_reasons,omitempty"`
	Tier2Score   float64            `json:"tier2_score"` // [0,100]
	FinalStatus  RiskStatus         `json:"final_status"`
	FinalScore   float64            `json:"final_score"`
	Factors      map[string]float64 `json:"factors,omitempty"`
	MLDegraded   bool               `json:"ml_degraded"`
}

// Availability is a sell-side inventory posting. Quantities are kept in the
// commodity trade unit; QtyInBaseUnit and PricePerBaseUnit are derived and
// recomputed on every mutation, never trusted from input.
type Availability struct {
	ID                 string             `db:"id" json:"id"`
	SellerID           string             `db:"seller_id" json:"seller_id"`
	SellerBranchID     *string            `db:"seller_branch_id" json:"seller_branch_id,omitempty"`
	CommodityID        string             `db:"commodity_id" json:"commodity_id"`
	Location           Location           `db:"-" json:"location"`
	Total              decimal.Decimal    `db:"total_qty" json:"total"`
	Reserved           decimal.Decimal    `db:"reserved_qty" json:"reserved"`
	Sold               decimal.Decimal    `db:"sold_qty" json:"sold"`
	QtyInBaseUnit      decimal.Decimal    `db:"qty_in_base_unit" json:"qty_in_base_unit"`
	TradeUnit          string             `db:"trade_unit" json:"trade_unit"`
	BasePrice          decimal.Decimal    `db:"base_price" json:"base_price"`
	PriceUnit          string             `db:"price_unit" json:"price_unit"`
	PricePerBaseUnit   decimal.Decimal    `db:"price_per_base_unit" json:"price_per_base_unit"`
	QualityParams      ParamValues        `db:"-" json:"quality_params"`
	ValidFrom          time.Time          `db:"valid_from" json:"valid_from"`
	ValidUntil         time.Time          `db:"valid_until" json:"valid_until"`
	MarketVisibility   MarketVisibility   `db:"market_visibility" json:"market_visibility"`
	RestrictedBuyers   []string           `db:"-" json:"restricted_buyers,omitempty"`
	Status             AvailabilityStatus `db:"status" json:"status"`
	RiskPrecheckStatus RiskStatus         `db:"risk_precheck_status" json:"risk_precheck_status"`
	RiskPrecheckScore  float64            `db:"risk_precheck_score" json:"risk_precheck_score"`
	Version            int64              `db:"version" json:"version"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updated_at"`
}

// Available returns total - reserved - sold in trade units.
func (a *Availability) Available() decimal.Decimal {
	return a.Total.Sub(a.Reserved).Sub(a.Sold)
}

// Requirement is a buy-side demand posting.
type Requirement struct {
	ID                string            `db:"id" json:"id"`
	BuyerID           string            `db:"buyer_id" json:"buyer_id"`
	BuyerBranchID     *string           `db:"buyer_branch_id" json:"buyer_branch_id,omitempty"`
	CommodityID       string            `db:"commodity_id" json:"commodity_id"`
	Intent            Intent            `db:"intent" json:"intent"`
	DeliveryLocations []Location        `db:"-" json:"delivery_locations"`
	Quantity          decimal.Decimal   `db:"quantity" json:"quantity"`
	MatchedQty        decimal.Decimal   `db:"matched_qty" json:"matched_qty"`
	QtyInBaseUnit     decimal.Decimal   `db:"qty_in_base_unit" json:"qty_in_base_unit"`
	TradeUnit         string            `db:"trade_unit" json:"trade_unit"`
	TargetPrice       decimal.Decimal   `db:"target_price" json:"target_price"`
	PriceUnit         string            `db:"price_unit" json:"price_unit"`
	PricePerBaseUnit  decimal.Decimal   `db:"price_per_base_unit" json:"price_per_base_unit"`
	BudgetMax         *decimal.Decimal  `db:"budget_max" json:"budget_max,omitempty"`
	QualityParams     ParamValues       `db:"-" json:"quality_params"`
	QualityTolerance  float64           `db:"quality_tolerance" json:"quality_tolerance"`
	ValidFrom         time.Time         `db:"valid_from" json:"valid_from"`
	ValidUntil        time.Time         `db:"valid_until" json:"valid_until"`
	Status            RequirementStatus `db:"status" json:"status"`
	BuyerTrustScore   float64           `db:"buyer_trust_score" json:"buyer_trust_score"`
	AISuggestedPrice  *decimal.Decimal  `db:"ai_suggested_price" json:"ai_suggested_price,omitempty"`
	AISuggestedSellers []string         `db:"-" json:"ai_suggested_sellers,omitempty"`
	AIScoreVector     []float64         `db:"-" json:"ai_score_vector,omitempty"`
	RiskPrecheckStatus RiskStatus       `db:"risk_precheck_status" json:"risk_precheck_status"`
	Version           int64             `db:"version" json:"version"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// Remaining returns the unmatched quantity in trade units.
func (r *Requirement) Remaining() decimal.Decimal {
	return r.Quantity.Sub(r.MatchedQty)
}

// ScoreBreakdown records per-dimension match score contributions for
// explainability.
type ScoreBreakdown struct {
	Quality  float64 `json:"quality"`
	Price    float64 `json:"price"`
	Delivery float64 `json:"delivery"`
	Risk     float64 `json:"risk"`
	Penalty  float64 `json:"penalty"`
	Boost    float64 `json:"boost"`
	Final    float64 `json:"final"`
}

// Match pairs one requirement with one availability after validation and
// atomic allocation. Matches are private to the two parties.
type Match struct {
	ID             string          `db:"id" json:"id"`
	RequirementID  string          `db:"requirement_id" json:"requirement_id"`
	AvailabilityID string          `db:"availability_id" json:"availability_id"`
	BuyerID        string          `db:"buyer_id" json:"buyer_id"`
	SellerID       string          `db:"seller_id" json:"seller_id"`
	AllocatedQty   decimal.Decimal `db:"allocated_qty" json:"allocated_qty"`
	Score          float64         `db:"score" json:"score"`
	Breakdown      ScoreBreakdown  `db:"-" json:"score_breakdown"`
	RiskStatus     RiskStatus      `db:"risk_status" json:"risk_status"`
	Warnings       []string        `db:"-" json:"warnings,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}
