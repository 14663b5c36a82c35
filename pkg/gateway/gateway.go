// Package gateway talks to the card processor. Holds are authorizations with
// manual capture: funds are reserved on create and settled by Capture.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured means no credentials are loaded
	ErrNotConfigured = errors.New("payment gateway not configured")

	// ErrUnavailable wraps transport and processor-side failures
	ErrUnavailable = errors.New("payment gateway unavailable")

	// ErrDeclined means the processor refused the card or the operation
	ErrDeclined = errors.New("payment declined")
)

// Status of an authorization as reported by the processor
type Status string

const (
	StatusRequiresPaymentMethod Status = "requires_payment_method"
	StatusRequiresConfirmation  Status = "requires_confirmation"
	StatusRequiresAction        Status = "requires_action"
	StatusProcessing            Status = "processing"
	StatusRequiresCapture       Status = "requires_capture"
	StatusSucceeded             Status = "succeeded"
	StatusCanceled              Status = "canceled"
)

// Authorization is the processor's view of a hold
type Authorization struct {
	ID            string
	ClientSecret  string
	Status        Status
	AmountCents   int64
	CapturedCents int64
	Currency      string
}

// CreateParams describes a new manual-capture authorization
type CreateParams struct {
	AmountCents     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Metadata        map[string]string
	IdempotencyKey  string
}

// Gateway is the processor interface the payment flow depends on
type Gateway interface {
	CreateAuthorization(ctx context.Context, p CreateParams) (*Authorization, error)
	Retrieve(ctx context.Context, id string) (*Authorization, error)
	Cancel(ctx context.Context, id string) (*Authorization, error)
	Capture(ctx context.Context, id string, amountCents int64, idempotencyKey string) (*Authorization, error)
}
