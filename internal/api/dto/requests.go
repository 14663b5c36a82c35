package dto

import (
	apperrors "github.com/gocomet/poolride/pkg/errors"
	"github.com/gocomet/poolride/pkg/geo"
)

// CreateRideRequest represents a request to create a new ride. Pickup and
// dropoff accept every legacy coordinate shape.
type CreateRideRequest struct {
	Pickup           any     `json:"pickup" binding:"required"`
	Dropoff          any     `json:"dropoff" binding:"required"`
	DurationMinutes  float64 `json:"duration_minutes"`
	ClientTotalCents *int64  `json:"client_total_cents,omitempty"`
	Shared           bool    `json:"shared"`
	HomeCity         string  `json:"home_city,omitempty"`
}

// Points resolves the request's coordinates
func (r CreateRideRequest) Points() (geo.Point, geo.Point, error) {
	pickup, ok := geo.ParseLegacyPoint(r.Pickup)
	if !ok {
		return geo.Point{}, geo.Point{}, apperrors.ErrInvalidPickup
	}
	dropoff, ok := geo.ParseLegacyPoint(r.Dropoff)
	if !ok {
		return geo.Point{}, geo.Point{}, apperrors.ErrInvalidDropoff
	}
	return pickup, dropoff, nil
}

// RateRideRequest carries a 1 to 5 star rating
type RateRideRequest struct {
	Stars int `json:"stars"`
}

// AuthorizePaymentRequest asks for a hold on a ride. Amounts are cents; fractional
// or negative values are sanitized.
type AuthorizePaymentRequest struct {
	MaxTipCents     float64 `json:"max_tip_cents"`
	InitialTipCents float64 `json:"initial_tip_cents"`
	CustomerID      string  `json:"customer_id,omitempty"`
	PaymentMethodID string  `json:"payment_method_id,omitempty"`
}

// UpdateTipRequest changes the rider's tip before capture
type UpdateTipRequest struct {
	TipCents float64 `json:"tip_cents"`
}

// CapturePaymentRequest settles a ride; a missing tip keeps the stored one
type CapturePaymentRequest struct {
	FinalTipCents *float64 `json:"final_tip_cents,omitempty"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewErrorResponse renders err for the client. Unknown errors become INTERNAL
// without leaking their text.
func NewErrorResponse(err error) (int, ErrorResponse) {
	appErr := apperrors.GetAppError(err)
	return appErr.Status, ErrorResponse{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}
}
