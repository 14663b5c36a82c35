package ride

import (
	"strings"
	"time"

	"github.com/gocomet/poolride/internal/domain/membership"
	"github.com/gocomet/poolride/pkg/geo"
)

// Status represents ride lifecycle status
type Status string

const (
	StatusPendingDriver       Status = "pending_driver"
	StatusPoolSearching       Status = "pool_searching"
	StatusPooledPendingDriver Status = "pooled_pending_driver"
	StatusCanceledByRider     Status = "canceled_by_rider"

	// Owned by the dispatch subsystem once a driver takes the ride
	StatusDriverAssigned Status = "driver_assigned"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
)

// PendingStatuses are the states in which a ride is still waiting to be picked up
// and has not been grouped.
var PendingStatuses = []Status{StatusPendingDriver, StatusPoolSearching}

// IsPending reports whether s is one of PendingStatuses
func (s Status) IsPending() bool {
	return s == StatusPendingDriver || s == StatusPoolSearching
}

// PoolType is the rider's sharing preference
type PoolType string

const (
	PoolTypeSolo   PoolType = "solo"
	PoolTypeShared PoolType = "shared"
)

// PaymentStatus tracks money owed for the ride
type PaymentStatus string

const (
	PaymentUnpaid      PaymentStatus = "unpaid"
	PaymentNotRequired PaymentStatus = "not_required"
	PaymentAuthorized  PaymentStatus = "authorized"
	PaymentPaid        PaymentStatus = "paid"
	PaymentCanceled    PaymentStatus = "canceled"
)

// Gender is the normalized value used for pooling compatibility
type Gender string

const (
	GenderFemale Gender = "female"
	GenderMale   Gender = "male"
)

// NormalizeGender maps free text to a Gender. Anything outside the two-value set
// returns ("", false).
func NormalizeGender(s string) (Gender, bool) {
	switch Gender(strings.ToLower(strings.TrimSpace(s))) {
	case GenderFemale:
		return GenderFemale, true
	case GenderMale:
		return GenderMale, true
	}
	return "", false
}

// FareBreakdown is the fare in dollars as quoted to the rider
type FareBreakdown struct {
	Label         string  `json:"label"`
	Minutes       float64 `json:"minutes"`
	Subtotal      float64 `json:"subtotal"`
	ProcessingFee float64 `json:"processing_fee"`
	Total         float64 `json:"total"`
}

// Ride is one requested trip
type Ride struct {
	ID                  string            `json:"id"`
	RiderID             string            `json:"rider_id"`
	Pickup              geo.Point         `json:"pickup"`
	Dropoff             geo.Point         `json:"dropoff"`
	HomeCity            string            `json:"home_city,omitempty"`
	DurationMinutes     float64           `json:"duration_minutes"`
	Plan                membership.Plan   `json:"plan"`
	MembershipStatus    membership.Status `json:"membership_status"`
	Status              Status            `json:"status"`
	PoolType            PoolType          `json:"pool_type"`
	GroupID             string            `json:"group_id,omitempty"`
	MaxRiders           int               `json:"max_riders"`
	CurrentRiderCount   int               `json:"current_rider_count"`
	Fare                FareBreakdown     `json:"fare"`
	ChargedAmountCents  int64             `json:"charged_amount_cents"`
	SurchargeCents      int64             `json:"surcharge_cents"`
	PickupInside        bool              `json:"pickup_inside"`
	DropoffInside       bool              `json:"dropoff_inside"`
	ClientTotalCents    int64             `json:"client_total_cents,omitempty"`
	ChargeMismatch      bool              `json:"charge_mismatch"`
	PaymentStatus       PaymentStatus     `json:"payment_status"`
	PickupCode          string            `json:"pickup_code,omitempty"`
	DropoffCode         string            `json:"dropoff_code,omitempty"`
	Gender              Gender            `json:"gender,omitempty"`
	InstitutionVerified bool              `json:"institution_verified"`
	DriverID            string            `json:"driver_id,omitempty"`
	Rating              int               `json:"rating,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	Version             int64             `json:"-"`
}

// Clone returns an independent copy; Ride holds no reference fields
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// IsOwnedBy reports whether userID requested the ride
func (r *Ride) IsOwnedBy(userID string) bool {
	return userID != "" && r.RiderID == userID
}

// IsGrouped reports whether the ride belongs to a pool
func (r *Ride) IsGrouped() bool {
	return r.GroupID != ""
}

// HasDriver reports whether dispatch has assigned a driver
func (r *Ride) HasDriver() bool {
	return r.DriverID != ""
}

// HasBoardingCodes reports whether both boarding codes are set
func (r *Ride) HasBoardingCodes() bool {
	return r.PickupCode != "" && r.DropoffCode != ""
}

// CanCancel checks if the rider may still cancel
func (r *Ride) CanCancel() bool {
	if r.HasDriver() {
		return false
	}
	return r.Status.IsPending() || r.Status == StatusPooledPendingDriver
}

// CanRate checks if the rider may rate the ride
func (r *Ride) CanRate() bool {
	return r.Status != StatusCanceledByRider
}
