package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	domain "github.com/gocomet/poolride/internal/domain/payment"
	"github.com/gocomet/poolride/internal/domain/ride"
	"github.com/gocomet/poolride/internal/store"
	"github.com/gocomet/poolride/pkg/clock"
	apperrors "github.com/gocomet/poolride/pkg/errors"
	"github.com/gocomet/poolride/pkg/gateway"
	"github.com/gocomet/poolride/pkg/logger"
	"github.com/gocomet/poolride/pkg/monitoring"
)

// Notification types pushed to riders
const (
	EventPaymentAuthorized = "payment_authorized"
	EventPaymentCaptured   = "payment_captured"
	EventPaymentCanceled   = "payment_canceled"
)

var (
	ErrPaymentDeclined = apperrors.FailedPrecondition("Payment was declined", nil)
	ErrNoOpenHold      = apperrors.FailedPrecondition("Ride has no open payment hold", nil)
)

// Notifier pushes payment updates to riders
type Notifier interface {
	NotifyRider(userID, event string, data any)
}

// Ledger accepts audit entries for asynchronous recording
type Ledger interface {
	Enqueue(e domain.LedgerEntry)
}

// Config holds payment configuration
type Config struct {
	Currency string
	Tips     TipBounds
	Attempts int // transaction retries for rider-facing writes
}

// DefaultConfig returns USD with the default tip bounds
func DefaultConfig() Config {
	return Config{Currency: "usd", Tips: DefaultTipBounds(), Attempts: 3}
}

// Service runs the authorize, tip and capture flow for ride payments
type Service struct {
	store    store.Store
	gateway  gateway.Gateway
	clock    clock.Clock
	notifier Notifier
	ledger   Ledger
	metrics  *monitoring.NewRelicApp
	logger   *logger.Logger

	mu     sync.RWMutex
	config Config
}

// NewService creates a new payment service
func NewService(s store.Store, gw gateway.Gateway, clk clock.Clock, notifier Notifier, ledger Ledger, metrics *monitoring.NewRelicApp, log *logger.Logger, config Config) *Service {
	return &Service{
		store:    s,
		gateway:  gw,
		clock:    clk,
		notifier: notifier,
		ledger:   ledger,
		metrics:  metrics,
		logger:   log.Named("payment"),
		config:   config,
	}
}

// Reload swaps in new payment settings
func (s *Service) Reload(config Config) {
	s.mu.Lock()
	s.config = config
	s.mu.Unlock()
}

func (s *Service) cfg() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// TipBounds returns the bounds currently offered to riders
func (s *Service) TipBounds() TipBounds {
	return s.cfg().Tips.Effective()
}

// AuthorizeInput is a rider's request to place a hold for a ride
type AuthorizeInput struct {
	RideID          string
	ActorID         string
	MaxTipCents     int64
	InitialTipCents int64
	CustomerID      string
	PaymentMethodID string
}

// AuthorizeResult is what the client needs to confirm the hold
type AuthorizeResult struct {
	Hold          *domain.Hold       `json:"hold,omitempty"`
	PaymentStatus ride.PaymentStatus `json:"payment_status"`
	AmountCents   int64              `json:"amount_cents"`
	ClientSecret  string             `json:"client_secret,omitempty"`
}

// Authorize places a hold covering the ride's charge plus the largest tip the
// rider may pick. Any earlier open hold on the ride is canceled first.
func (s *Service) Authorize(ctx context.Context, in AuthorizeInput) (*AuthorizeResult, error) {
	cfg := s.cfg()

	maxTip := ClampTip(in.MaxTipCents, cfg.Tips)
	initial := ValidateTip(in.InitialTipCents, TipBounds{Min: cfg.Tips.Min, Max: maxTip})
	if !initial.OK() {
		return nil, tipError(initial)
	}

	rd, err := s.ownedRide(ctx, s.store, in.RideID, in.ActorID)
	if err != nil {
		return nil, err
	}
	if err := payable(rd); err != nil {
		return nil, err
	}

	if err := s.cancelOpenHolds(ctx, in.RideID); err != nil {
		return nil, err
	}

	amount := HoldAmount(rd.ChargedAmountCents, maxTip, cfg.Tips)
	if amount == 0 {
		return s.markNotRequired(ctx, in)
	}

	now := s.clock.Now()
	hold := &domain.Hold{
		ID:              uuid.NewString(),
		RideID:          rd.ID,
		RiderID:         rd.RiderID,
		Currency:        cfg.Currency,
		BaseFareCents:   rd.ChargedAmountCents,
		MaxTipCents:     maxTip,
		InitialTipCents: initial.Value,
		TipCents:        initial.Value,
		AuthorizedCents: amount,
		Status:          domain.HoldPreauthPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// the ride write serializes concurrent authorizations of the same ride
	err = store.Retry(ctx, s.store, cfg.Attempts, func(ctx context.Context, tx store.Repos) error {
		rd, err := s.ownedRide(ctx, tx, in.RideID, in.ActorID)
		if err != nil {
			return err
		}
		if err := payable(rd); err != nil {
			return err
		}
		holds, err := tx.Holds().ListByRide(ctx, rd.ID)
		if err != nil {
			return err
		}
		for _, h := range holds {
			if h.Status.IsOpen() {
				return apperrors.ErrConcurrentUpdate
			}
		}
		rd.PaymentStatus = ride.PaymentUnpaid
		rd.UpdatedAt = now
		if err := tx.Rides().Update(ctx, rd); err != nil {
			return err
		}
		h := hold.Clone()
		if err := tx.Holds().Create(ctx, h); err != nil {
			return err
		}
		hold.Version = h.Version
		return nil
	})
	if err != nil {
		return nil, conflictError(err)
	}

	auth, err := s.gateway.CreateAuthorization(ctx, gateway.CreateParams{
		AmountCents:     amount,
		Currency:        cfg.Currency,
		CustomerID:      in.CustomerID,
		PaymentMethodID: in.PaymentMethodID,
		Metadata: map[string]string{
			"ride_id":  rd.ID,
			"rider_id": rd.RiderID,
			"hold_id":  hold.ID,
		},
		IdempotencyKey: hold.ID,
	})
	if err != nil {
		s.logger.Warn("Authorization failed", logger.RideID(rd.ID), logger.String("hold_id", hold.ID), logger.Err(err))
		s.abandonHold(ctx, hold.ID)
		return nil, gatewayError(err)
	}

	hold, err = s.applyAuthorization(ctx, hold.ID, auth)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordHoldAuthorized(rd.ID, amount, string(hold.Status))
	s.logger.Info("Payment hold created",
		logger.RideID(rd.ID),
		logger.String("hold_id", hold.ID),
		logger.Int64("authorized_cents", amount),
		logger.String("status", string(hold.Status)),
	)

	status := ride.PaymentUnpaid
	if hold.Status == domain.HoldRequiresCapture {
		status = ride.PaymentAuthorized
		s.notify(rd.RiderID, EventPaymentAuthorized, hold)
	}
	return &AuthorizeResult{
		Hold:          hold,
		PaymentStatus: status,
		AmountCents:   amount,
		ClientSecret:  auth.ClientSecret,
	}, nil
}

func (s *Service) markNotRequired(ctx context.Context, in AuthorizeInput) (*AuthorizeResult, error) {
	err := store.Retry(ctx, s.store, s.cfg().Attempts, func(ctx context.Context, tx store.Repos) error {
		rd, err := s.ownedRide(ctx, tx, in.RideID, in.ActorID)
		if err != nil {
			return err
		}
		holds, err := tx.Holds().ListByRide(ctx, rd.ID)
		if err != nil {
			return err
		}
		for _, h := range holds {
			if h.Status.IsOpen() {
				return apperrors.ErrConcurrentUpdate
			}
		}
		if rd.PaymentStatus == ride.PaymentNotRequired {
			return nil
		}
		rd.PaymentStatus = ride.PaymentNotRequired
		rd.UpdatedAt = s.clock.Now()
		return tx.Rides().Update(ctx, rd)
	})
	if err != nil {
		return nil, conflictError(err)
	}
	return &AuthorizeResult{PaymentStatus: ride.PaymentNotRequired}, nil
}

// applyAuthorization records the processor's answer on the hold and, once funds
// are reserved, marks the ride authorized. A hold canceled while the processor
// was answering gets its authorization released and ErrConcurrentUpdate back.
func (s *Service) applyAuthorization(ctx context.Context, holdID string, auth *gateway.Authorization) (*domain.Hold, error) {
	var (
		out        *domain.Hold
		superseded bool
	)
	err := store.Retry(ctx, s.store, s.cfg().Attempts, func(ctx context.Context, tx store.Repos) error {
		h, err := tx.Holds().Get(ctx, holdID)
		if err != nil {
			return err
		}
		superseded = h.Status == domain.HoldCanceled
		now := s.clock.Now()
		h.GatewayID = auth.ID
		h.ClientSecret = auth.ClientSecret
		h.UpdatedAt = now

		switch auth.Status {
		case gateway.StatusRequiresCapture:
			if h.CanTransition(domain.HoldRequiresCapture) {
				h.Status = domain.HoldRequiresCapture
				rd, err := tx.Rides().Get(ctx, h.RideID)
				if err != nil {
					return err
				}
				rd.PaymentStatus = ride.PaymentAuthorized
				rd.UpdatedAt = now
				if err := tx.Rides().Update(ctx, rd); err != nil {
					return err
				}
			}
		case gateway.StatusCanceled:
			if h.CanTransition(domain.HoldCanceled) {
				h.Status = domain.HoldCanceled
			}
		}

		if err := tx.Holds().Update(ctx, h); err != nil {
			return err
		}
		out = h
		return nil
	})
	if err != nil {
		s.releaseAuthorization(ctx, holdID, auth)
		s.abandonHold(ctx, holdID)
		return nil, conflictError(err)
	}
	if superseded {
		s.releaseAuthorization(ctx, holdID, auth)
		return nil, apperrors.ErrConcurrentUpdate
	}
	return out, nil
}

// releaseAuthorization cancels a processor authorization that no open hold tracks
func (s *Service) releaseAuthorization(ctx context.Context, holdID string, auth *gateway.Authorization) {
	if auth.Status == gateway.StatusCanceled || auth.Status == gateway.StatusSucceeded {
		return
	}
	if _, err := s.gateway.Cancel(context.WithoutCancel(ctx), auth.ID); err != nil {
		s.logger.Error("Failed to release authorization",
			logger.String("hold_id", holdID),
			logger.String("gateway_id", auth.ID),
			logger.Err(err),
		)
		return
	}
	s.logger.Warn("Released authorization of canceled hold",
		logger.String("hold_id", holdID),
		logger.String("gateway_id", auth.ID),
	)
}

// abandonHold cancels a hold the processor never accepted
func (s *Service) abandonHold(ctx context.Context, holdID string) {
	err := store.Retry(ctx, s.store, s.cfg().Attempts, func(ctx context.Context, tx store.Repos) error {
		h, err := tx.Holds().Get(ctx, holdID)
		if err != nil {
			return err
		}
		if !h.CanTransition(domain.HoldCanceled) {
			return nil
		}
		h.Status = domain.HoldCanceled
		h.UpdatedAt = s.clock.Now()
		return tx.Holds().Update(ctx, h)
	})
	if err != nil {
		s.logger.Error("Failed to cancel abandoned hold", logger.String("hold_id", holdID), logger.Err(err))
	}
}

// Sync reconciles a pending hold with the processor after the client confirmed it
func (s *Service) Sync(ctx context.Context, holdID, actorID string) (*domain.Hold, error) {
	h, err := s.store.Holds().Get(ctx, holdID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.ErrHoldNotFound
		}
		return nil, err
	}
	if h.RiderID != actorID {
		return nil, apperrors.ErrNotRideOwner
	}
	if h.Status != domain.HoldPreauthPending || h.GatewayID == "" {
		return h, nil
	}

	auth, err := s.gateway.Retrieve(ctx, h.GatewayID)
	if err != nil {
		return nil, gatewayError(err)
	}
	h, err = s.applyAuthorization(ctx, h.ID, auth)
	if err != nil {
		return nil, err
	}
	if h.Status == domain.HoldRequiresCapture {
		s.notify(h.RiderID, EventPaymentAuthorized, h)
	}
	return h, nil
}

// UpdateTip stores the rider's latest tip choice, bounded by the hold's ceiling
func (s *Service) UpdateTip(ctx context.Context, rideID, actorID string, tipCents int64) (*domain.Hold, error) {
	cfg := s.cfg()
	var out *domain.Hold

	err := store.Retry(ctx, s.store, cfg.Attempts, func(ctx context.Context, tx store.Repos) error {
		if _, err := s.ownedRide(ctx, tx, rideID, actorID); err != nil {
			return err
		}
		h, err := openHold(ctx, tx, rideID)
		if err != nil {
			return err
		}
		v := ValidateTip(tipCents, TipBounds{Min: cfg.Tips.Min, Max: h.MaxTipCents})
		if !v.OK() {
			return tipError(v)
		}
		h.TipCents = v.Value
		h.UpdatedAt = s.clock.Now()
		if err := tx.Holds().Update(ctx, h); err != nil {
			return err
		}
		out = h
		return nil
	})
	if err != nil {
		return nil, conflictError(err)
	}
	return out, nil
}

// Capture settles the hold for the base fare plus the final tip. finalTip nil
// keeps the last stored tip. Capturing a paid ride returns the paid hold.
func (s *Service) Capture(ctx context.Context, rideID, actorID string, finalTip *int64) (*domain.Hold, error) {
	cfg := s.cfg()

	if _, err := s.ownedRide(ctx, s.store, rideID, actorID); err != nil {
		return nil, err
	}
	h, err := latestHold(ctx, s.store, rideID)
	if err != nil {
		return nil, err
	}
	if h.Status == domain.HoldPaid {
		return h, nil
	}
	if h.Status == domain.HoldPreauthPending {
		if h, err = s.Sync(ctx, h.ID, actorID); err != nil {
			return nil, err
		}
	}
	if h.Status != domain.HoldRequiresCapture {
		return nil, apperrors.ErrHoldNotCapturable
	}

	tip := h.TipCents
	if finalTip != nil {
		tip = *finalTip
	}
	v := ValidateTip(tip, TipBounds{Min: cfg.Tips.Min, Max: h.MaxTipCents})
	if !v.OK() {
		return nil, tipError(v)
	}
	amount := h.BaseFareCents + v.Value
	if amount > h.AuthorizedCents {
		return nil, apperrors.ErrCaptureExceedsHold
	}
	if amount == 0 {
		return s.releaseUnused(ctx, h)
	}

	auth, err := s.gateway.Capture(ctx, h.GatewayID, amount, h.ID)
	if err != nil {
		s.logger.Warn("Capture failed", logger.RideID(rideID), logger.String("hold_id", h.ID), logger.Err(err))
		return nil, gatewayError(err)
	}

	var out *domain.Hold
	err = store.Retry(ctx, s.store, cfg.Attempts, func(ctx context.Context, tx store.Repos) error {
		fresh, err := tx.Holds().Get(ctx, h.ID)
		if err != nil {
			return err
		}
		if fresh.Status == domain.HoldPaid {
			out = fresh
			return nil
		}
		if !fresh.CanTransition(domain.HoldPaid) {
			return apperrors.ErrHoldNotCapturable
		}
		now := s.clock.Now()
		fresh.Status = domain.HoldPaid
		fresh.TipCents = v.Value
		fresh.CapturedCents = auth.CapturedCents
		if fresh.CapturedCents == 0 {
			fresh.CapturedCents = amount
		}
		fresh.UpdatedAt = now
		if err := tx.Holds().Update(ctx, fresh); err != nil {
			return err
		}

		rd, err := tx.Rides().Get(ctx, rideID)
		if err != nil {
			return err
		}
		rd.PaymentStatus = ride.PaymentPaid
		rd.UpdatedAt = now
		if err := tx.Rides().Update(ctx, rd); err != nil {
			return err
		}
		out = fresh
		return nil
	})
	if err != nil {
		return nil, conflictError(err)
	}

	s.enqueue(domain.LedgerEntry{
		RideID:      rideID,
		Kind:        domain.LedgerCaptured,
		AmountCents: out.CapturedCents,
		Detail:      map[string]string{"hold_id": out.ID, "gateway_id": out.GatewayID},
		RecordedAt:  s.clock.Now(),
	})
	s.metrics.RecordPaymentCaptured(rideID, out.CapturedCents, out.TipCents)
	s.logger.Info("Payment captured",
		logger.RideID(rideID),
		logger.String("hold_id", out.ID),
		logger.Int64("captured_cents", out.CapturedCents),
		logger.Int64("tip_cents", out.TipCents),
	)
	s.notify(out.RiderID, EventPaymentCaptured, out)
	return out, nil
}

// releaseUnused cancels a hold when nothing is owed at capture time
func (s *Service) releaseUnused(ctx context.Context, h *domain.Hold) (*domain.Hold, error) {
	if err := s.cancelHold(ctx, h, ride.PaymentNotRequired); err != nil {
		return nil, err
	}
	return s.store.Holds().Get(ctx, h.ID)
}

// CancelHolds releases every open hold on the ride
func (s *Service) CancelHolds(ctx context.Context, rideID string) error {
	return s.cancelOpenHolds(ctx, rideID)
}

func (s *Service) cancelOpenHolds(ctx context.Context, rideID string) error {
	holds, err := s.store.Holds().ListByRide(ctx, rideID)
	if err != nil {
		return err
	}
	for _, h := range holds {
		if h.Status == domain.HoldPaid {
			return apperrors.ErrAlreadyPaid
		}
		if !h.Status.IsOpen() {
			continue
		}
		if err := s.cancelHold(ctx, h, ride.PaymentCanceled); err != nil {
			return err
		}
	}
	return nil
}

// cancelHold releases h at the processor, then marks it canceled and moves the
// ride's payment status to rideStatus.
func (s *Service) cancelHold(ctx context.Context, h *domain.Hold, rideStatus ride.PaymentStatus) error {
	if h.GatewayID != "" {
		if _, err := s.gateway.Cancel(ctx, h.GatewayID); err != nil {
			s.logger.Warn("Gateway cancel failed", logger.String("hold_id", h.ID), logger.Err(err))
			return gatewayError(err)
		}
	}

	// set when the processor answered after h was read
	var late string
	err := store.Retry(ctx, s.store, s.cfg().Attempts, func(ctx context.Context, tx store.Repos) error {
		fresh, err := tx.Holds().Get(ctx, h.ID)
		if err != nil {
			return err
		}
		late = ""
		if !fresh.CanTransition(domain.HoldCanceled) {
			return nil
		}
		if fresh.GatewayID != h.GatewayID {
			late = fresh.GatewayID
		}
		now := s.clock.Now()
		fresh.Status = domain.HoldCanceled
		fresh.UpdatedAt = now
		if err := tx.Holds().Update(ctx, fresh); err != nil {
			return err
		}

		rd, err := tx.Rides().Get(ctx, fresh.RideID)
		if err != nil {
			return err
		}
		if rd.PaymentStatus != ride.PaymentPaid {
			rd.PaymentStatus = rideStatus
			rd.UpdatedAt = now
			return tx.Rides().Update(ctx, rd)
		}
		return nil
	})
	if err != nil {
		return conflictError(err)
	}
	if late != "" {
		if _, err := s.gateway.Cancel(context.WithoutCancel(ctx), late); err != nil {
			s.logger.Error("Failed to release authorization",
				logger.String("hold_id", h.ID),
				logger.String("gateway_id", late),
				logger.Err(err),
			)
		}
	}

	s.enqueue(domain.LedgerEntry{
		RideID:      h.RideID,
		Kind:        domain.LedgerHoldCanceled,
		AmountCents: h.AuthorizedCents,
		Detail:      map[string]string{"hold_id": h.ID},
		RecordedAt:  s.clock.Now(),
	})
	s.notify(h.RiderID, EventPaymentCanceled, map[string]any{"ride_id": h.RideID, "hold_id": h.ID})
	return nil
}

// ownedRide loads the ride and checks the actor requested it
func (s *Service) ownedRide(ctx context.Context, repos store.Repos, rideID, actorID string) (*ride.Ride, error) {
	rd, err := repos.Rides().Get(ctx, rideID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.ErrRideNotFound
		}
		return nil, err
	}
	if !rd.IsOwnedBy(actorID) {
		return nil, apperrors.ErrNotRideOwner
	}
	return rd, nil
}

func payable(rd *ride.Ride) error {
	if rd.PaymentStatus == ride.PaymentPaid {
		return apperrors.ErrAlreadyPaid
	}
	if rd.Status == ride.StatusCanceledByRider {
		return apperrors.ErrRideNotMutable
	}
	return nil
}

// openHold returns the ride's hold that still reserves funds
func openHold(ctx context.Context, repos store.Repos, rideID string) (*domain.Hold, error) {
	holds, err := repos.Holds().ListByRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	for i := len(holds) - 1; i >= 0; i-- {
		if holds[i].Status.IsOpen() {
			return holds[i], nil
		}
	}
	return nil, ErrNoOpenHold
}

// latestHold returns the newest hold that is not canceled
func latestHold(ctx context.Context, repos store.Repos, rideID string) (*domain.Hold, error) {
	holds, err := repos.Holds().ListByRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	for i := len(holds) - 1; i >= 0; i-- {
		if holds[i].Status != domain.HoldCanceled {
			return holds[i], nil
		}
	}
	return nil, apperrors.ErrHoldNotFound
}

func (s *Service) enqueue(e domain.LedgerEntry) {
	if s.ledger != nil {
		s.ledger.Enqueue(e)
	}
}

func (s *Service) notify(userID, event string, data any) {
	if s.notifier != nil {
		s.notifier.NotifyRider(userID, event, data)
	}
}

func tipError(v TipValidation) error {
	msg := "Tip is above the allowed maximum"
	if v.Result == TipBelowMin {
		msg = "Tip is below the allowed minimum"
	}
	return apperrors.InvalidArgument(msg, nil).WithDetails(map[string]any{
		"result": v.Result,
		"value":  v.Value,
		"min":    v.Bounds.Min,
		"max":    v.Bounds.Max,
	})
}

func gatewayError(err error) error {
	switch {
	case errors.Is(err, gateway.ErrDeclined):
		return apperrors.FailedPrecondition(ErrPaymentDeclined.Message, err)
	default:
		return apperrors.Unavailable(apperrors.ErrGatewayUnavailable.Message, err)
	}
}

func conflictError(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return apperrors.ErrConcurrentUpdate
	}
	return err
}
