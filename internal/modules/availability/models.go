package availability

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationState is the lifecycle of a quantity hold.
type ReservationState string

const (
	ReservationHeld     ReservationState = "HELD"
	ReservationReleased ReservationState = "RELEASED"
	ReservationSold     ReservationState = "SOLD"
)

// Reservation is a TTL-bound hold of quantity on an availability.
type Reservation struct {
	ID             string           `db:"id" json:"id"`
	AvailabilityID string           `db:"availability_id" json:"availability_id"`
	BuyerID        string           `db:"buyer_id" json:"buyer_id"`
	Qty            decimal.Decimal  `db:"qty" json:"qty"`
	State          ReservationState `db:"state" json:"state"`
	ExpiresAt      time.Time        `db:"expires_at" json:"expires_at"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
}
