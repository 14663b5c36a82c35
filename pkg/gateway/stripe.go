package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeConfig holds the processor credentials
type StripeConfig struct {
	SecretKey string
	Currency  string
}

// Stripe implements Gateway with PaymentIntents. The client is rebuilt by Reload
// when credentials rotate; calls in flight keep the client they started with.
type Stripe struct {
	mu       sync.RWMutex
	api      *client.API
	currency string
}

var _ Gateway = (*Stripe)(nil)

// NewStripe creates a gateway from cfg. An empty secret leaves it unconfigured.
func NewStripe(cfg StripeConfig) *Stripe {
	s := &Stripe{}
	s.Reload(cfg)
	return s
}

// Reload swaps in new credentials
func (s *Stripe) Reload(cfg StripeConfig) {
	var api *client.API
	if cfg.SecretKey != "" {
		api = &client.API{}
		api.Init(cfg.SecretKey, nil)
	}

	s.mu.Lock()
	s.api = api
	s.currency = cfg.Currency
	s.mu.Unlock()
}

func (s *Stripe) client() (*client.API, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.api == nil {
		return nil, "", ErrNotConfigured
	}
	return s.api, s.currency, nil
}

// CreateAuthorization creates a manual-capture PaymentIntent
func (s *Stripe) CreateAuthorization(ctx context.Context, p CreateParams) (*Authorization, error) {
	api, currency, err := s.client()
	if err != nil {
		return nil, err
	}
	if p.Currency != "" {
		currency = p.Currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(p.AmountCents),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(p.PaymentMethodID)
		params.Confirm = stripe.Bool(true)
		params.OffSession = stripe.Bool(true)
	} else {
		params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		}
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError("create payment intent", err)
	}
	return toAuthorization(pi), nil
}

// Retrieve fetches the current state of a PaymentIntent
func (s *Stripe) Retrieve(ctx context.Context, id string) (*Authorization, error) {
	api, _, err := s.client()
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, mapStripeError("retrieve payment intent", err)
	}
	return toAuthorization(pi), nil
}

// Cancel releases the hold
func (s *Stripe) Cancel(ctx context.Context, id string) (*Authorization, error) {
	api, _, err := s.client()
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	pi, err := api.PaymentIntents.Cancel(id, params)
	if err != nil {
		return nil, mapStripeError("cancel payment intent", err)
	}
	return toAuthorization(pi), nil
}

// Capture settles amountCents of the hold
func (s *Stripe) Capture(ctx context.Context, id string, amountCents int64, idempotencyKey string) (*Authorization, error) {
	api, _, err := s.client()
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(amountCents),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	pi, err := api.PaymentIntents.Capture(id, params)
	if err != nil {
		return nil, mapStripeError("capture payment intent", err)
	}
	return toAuthorization(pi), nil
}

func toAuthorization(pi *stripe.PaymentIntent) *Authorization {
	return &Authorization{
		ID:            pi.ID,
		ClientSecret:  pi.ClientSecret,
		Status:        Status(pi.Status),
		AmountCents:   pi.Amount,
		CapturedCents: pi.AmountReceived,
		Currency:      string(pi.Currency),
	}
}

func mapStripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Type == stripe.ErrorTypeCard {
			return fmt.Errorf("%s: %w: %s", op, ErrDeclined, se.Msg)
		}
		if se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 {
			return fmt.Errorf("%s: %w: %s", op, ErrDeclined, se.Msg)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
