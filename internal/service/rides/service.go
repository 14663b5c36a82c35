package rides

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/gocomet/poolride/internal/domain/membership"
	"github.com/gocomet/poolride/internal/domain/payment"
	"github.com/gocomet/poolride/internal/domain/ride"
	"github.com/gocomet/poolride/internal/service/pricing"
	"github.com/gocomet/poolride/internal/store"
	"github.com/gocomet/poolride/pkg/clock"
	apperrors "github.com/gocomet/poolride/pkg/errors"
	"github.com/gocomet/poolride/pkg/geo"
	"github.com/gocomet/poolride/pkg/logger"
	"github.com/gocomet/poolride/pkg/monitoring"
)

// EventPoolMemberCanceled tells the rest of a pool that a rider left
const EventPoolMemberCanceled = "pool_member_canceled"

// Publisher announces newly created rides
type Publisher interface {
	PublishRideCreated(ctx context.Context, r *ride.Ride) error
}

// Pooler adds a priced draft ride to an existing pool
type Pooler interface {
	Join(ctx context.Context, hostRideID string, joiner *ride.Ride) (*ride.Ride, error)
}

// HoldCanceler releases payment holds of a canceled ride
type HoldCanceler interface {
	CancelHolds(ctx context.Context, rideID string) error
}

// Notifier pushes updates to riders
type Notifier interface {
	NotifyRider(userID, event string, data any)
}

// Ledger accepts audit entries for asynchronous recording
type Ledger interface {
	Enqueue(e payment.LedgerEntry)
}

// Config holds ride flow settings
type Config struct {
	PoolCapacity int
	Attempts     int
}

// DefaultConfig returns two-seat pools and three transaction attempts
func DefaultConfig() Config {
	return Config{PoolCapacity: 2, Attempts: 3}
}

// Deps are the collaborators of the ride flow. Publisher, Pooler, Payments,
// Notifier and Ledger are optional.
type Deps struct {
	Store     store.Store
	Fares     *pricing.Service
	Resolver  *pricing.Resolver
	Clock     clock.Clock
	Publisher Publisher
	Pooler    Pooler
	Payments  HoldCanceler
	Notifier  Notifier
	Ledger    Ledger
	Metrics   *monitoring.NewRelicApp
	Logger    *logger.Logger
}

// Service implements the rider-facing ride operations
type Service struct {
	deps   Deps
	logger *logger.Logger

	mu     sync.RWMutex
	config Config
}

// NewService creates a new ride service
func NewService(deps Deps, config Config) *Service {
	return &Service{
		deps:   deps,
		logger: deps.Logger.Named("rides"),
		config: config,
	}
}

// Reload swaps in new ride flow settings
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

// CreateInput is a rider's ride request
type CreateInput struct {
	RiderID          string
	Pickup           geo.Point
	Dropoff          geo.Point
	DurationMinutes  float64
	TotalCentsHint   float64
	ClientTotalCents *int64
	Shared           bool
	HomeCity         string
}

// QuoteResult previews what a ride would cost without creating it
type QuoteResult struct {
	Charge pricing.ChargeContext `json:"charge"`
	Fare   ride.FareBreakdown    `json:"fare"`
	Plan   membership.Plan       `json:"plan"`
}

// Quote resolves the charge for a prospective ride
func (s *Service) Quote(ctx context.Context, in CreateInput) (*QuoteResult, error) {
	d, err := s.draft(ctx, in)
	if err != nil {
		return nil, err
	}
	return &QuoteResult{Charge: d.charge, Fare: d.ride.Fare, Plan: d.ride.Plan}, nil
}

// Create prices and persists a new ride and announces it for pooling
func (s *Service) Create(ctx context.Context, in CreateInput) (*ride.Ride, error) {
	d, err := s.draft(ctx, in)
	if err != nil {
		return nil, err
	}
	rd := d.ride

	if err := s.deps.Store.Rides().Create(ctx, rd); err != nil {
		return nil, err
	}

	s.afterCreate(ctx, rd, d.charge)

	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishRideCreated(ctx, rd); err != nil {
			// the ride stays open for the next trigger or direct pickup
			s.logger.Warn("Failed to publish ride created", logger.RideID(rd.ID), logger.Err(err))
		}
	}
	return rd, nil
}

// JoinInput is a rider's request to share a known host ride
type JoinInput struct {
	HostRideID string
	CreateInput
}

// Join creates the rider's ride inside the host's pool
func (s *Service) Join(ctx context.Context, in JoinInput) (*ride.Ride, error) {
	if s.deps.Pooler == nil {
		return nil, apperrors.ErrRideNotPoolable
	}
	in.Shared = true
	d, err := s.draft(ctx, in.CreateInput)
	if err != nil {
		return nil, err
	}

	rd, err := s.deps.Pooler.Join(ctx, in.HostRideID, d.ride)
	if err != nil {
		return nil, err
	}
	s.afterCreate(ctx, rd, d.charge)
	return rd, nil
}

type draft struct {
	ride   *ride.Ride
	charge pricing.ChargeContext
}

// draft validates the request and prices it. Nothing is written.
func (s *Service) draft(ctx context.Context, in CreateInput) (*draft, error) {
	if !in.Pickup.Valid() {
		return nil, apperrors.ErrInvalidPickup
	}
	if !in.Dropoff.Valid() {
		return nil, apperrors.ErrInvalidDropoff
	}
	if _, err := s.deps.Fares.BasicFare(in.DurationMinutes); err != nil {
		return nil, err
	}

	member, err := s.member(ctx, in.RiderID)
	if err != nil {
		return nil, err
	}
	now := s.deps.Clock.Now()
	status := member.EffectiveStatus(now)

	cc := s.deps.Resolver.Resolve(pricing.ChargeInput{
		Plan:             member.Plan,
		MembershipStatus: status,
		Pickup:           in.Pickup,
		Dropoff:          in.Dropoff,
		TotalCentsHint:   in.TotalCentsHint,
		DurationMinutes:  in.DurationMinutes,
	})
	fare, err := s.deps.Fares.FareForPlan(member.Plan, in.DurationMinutes, cc.Waived())
	if err != nil {
		return nil, err
	}

	rd := &ride.Ride{
		ID:                  uuid.NewString(),
		RiderID:             in.RiderID,
		Pickup:              in.Pickup,
		Dropoff:             in.Dropoff,
		HomeCity:            strings.TrimSpace(in.HomeCity),
		DurationMinutes:     in.DurationMinutes,
		Plan:                member.Plan,
		MembershipStatus:    status,
		Status:              ride.StatusPendingDriver,
		PoolType:            ride.PoolTypeSolo,
		MaxRiders:           1,
		CurrentRiderCount:   1,
		Fare:                fare,
		ChargedAmountCents:  cc.AmountCents,
		SurchargeCents:      cc.SurchargeCents,
		PickupInside:        cc.PickupInside,
		DropoffInside:       cc.DropoffInside,
		PaymentStatus:       ride.PaymentUnpaid,
		InstitutionVerified: member.InstitutionVerified,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if rd.HomeCity == "" {
		rd.HomeCity = member.HomeCity
	}
	if g, ok := ride.NormalizeGender(member.Gender); ok {
		rd.Gender = g
	}
	if in.Shared {
		rd.Status = ride.StatusPoolSearching
		rd.PoolType = ride.PoolTypeShared
		rd.MaxRiders = s.cfg().PoolCapacity
		if rd.MaxRiders < 2 {
			rd.MaxRiders = 2
		}
	}
	if cc.AmountCents == 0 {
		rd.PaymentStatus = ride.PaymentNotRequired
	}
	if in.ClientTotalCents != nil {
		rd.ClientTotalCents = *in.ClientTotalCents
		rd.ChargeMismatch = !pricing.VerifyClientTotal(cc, *in.ClientTotalCents)
	}
	return &draft{ride: rd, charge: cc}, nil
}

func (s *Service) member(ctx context.Context, userID string) (*membership.Member, error) {
	m, err := s.deps.Store.Members().Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return membership.Guest(userID), nil
	}
	return m, err
}

func (s *Service) afterCreate(ctx context.Context, rd *ride.Ride, cc pricing.ChargeContext) {
	if rd.ChargeMismatch {
		s.logger.Warn("Client total disagrees with server charge",
			logger.RideID(rd.ID),
			logger.Int64("server_cents", cc.AmountCents),
			logger.Int64("client_cents", rd.ClientTotalCents),
		)
		s.deps.Metrics.RecordChargeMismatch(rd.ID, cc.AmountCents, rd.ClientTotalCents)
	}

	if s.deps.Ledger != nil {
		s.deps.Ledger.Enqueue(payment.LedgerEntry{
			RideID:         rd.ID,
			Kind:           payment.LedgerChargeResolved,
			AmountCents:    cc.AmountCents,
			SurchargeCents: cc.SurchargeCents,
			Detail: map[string]string{
				"reason": cc.Reason,
				"plan":   string(rd.Plan),
			},
			RecordedAt: rd.CreatedAt,
		})
	}

	s.deps.Metrics.RecordRideCreated(string(rd.Plan), string(rd.PoolType), rd.ChargedAmountCents)
	s.logger.Info("Ride created",
		logger.RideID(rd.ID),
		logger.UserID(rd.RiderID),
		logger.String("status", string(rd.Status)),
		logger.Int64("charged_cents", rd.ChargedAmountCents),
		logger.String("reason", cc.Reason),
	)
}

// Get returns a ride to its owner
func (s *Service) Get(ctx context.Context, rideID, actorID string) (*ride.Ride, error) {
	return ownedRide(ctx, s.deps.Store, rideID, actorID)
}

// Cancel cancels the actor's ride. Leaving a pool frees the seat for the
// remaining members; their group and codes stay as they are.
func (s *Service) Cancel(ctx context.Context, rideID, actorID string) (*ride.Ride, error) {
	var canceled *ride.Ride
	var others []*ride.Ride

	err := store.Retry(ctx, s.deps.Store, s.cfg().Attempts, func(ctx context.Context, tx store.Repos) error {
		others = nil
		rd, err := ownedRide(ctx, tx, rideID, actorID)
		if err != nil {
			return err
		}
		if !rd.CanCancel() {
			return apperrors.ErrRideNotMutable
		}
		now := s.deps.Clock.Now()

		if rd.IsGrouped() {
			group, err := tx.Rides().Find(ctx, store.RideQuery{GroupID: rd.GroupID})
			if err != nil {
				return err
			}
			for _, m := range group {
				if m.ID == rd.ID || m.Status == ride.StatusCanceledByRider {
					continue
				}
				if m.CurrentRiderCount > 1 {
					m.CurrentRiderCount--
				}
				m.UpdatedAt = now
				if err := tx.Rides().Update(ctx, m); err != nil {
					return err
				}
				others = append(others, m)
			}
		}

		rd.Status = ride.StatusCanceledByRider
		rd.UpdatedAt = now
		if err := tx.Rides().Update(ctx, rd); err != nil {
			return err
		}
		canceled = rd
		return nil
	})
	if err != nil {
		return nil, conflictError(err)
	}

	s.logger.Info("Ride canceled", logger.RideID(rideID), logger.Int("pool_members", len(others)))

	if s.deps.Payments != nil {
		if err := s.deps.Payments.CancelHolds(ctx, rideID); err != nil {
			s.logger.Warn("Failed to release payment holds", logger.RideID(rideID), logger.Err(err))
		}
	}
	if s.deps.Notifier != nil {
		for _, m := range others {
			s.deps.Notifier.NotifyRider(m.RiderID, EventPoolMemberCanceled, map[string]any{
				"ride_id":             m.ID,
				"group_id":            m.GroupID,
				"current_rider_count": m.CurrentRiderCount,
			})
		}
	}
	return canceled, nil
}

// Rate stores the actor's 1 to 5 star rating
func (s *Service) Rate(ctx context.Context, rideID, actorID string, stars int) (*ride.Ride, error) {
	if stars < 1 || stars > 5 {
		return nil, apperrors.ErrInvalidRating
	}

	var rated *ride.Ride
	err := store.Retry(ctx, s.deps.Store, s.cfg().Attempts, func(ctx context.Context, tx store.Repos) error {
		rd, err := ownedRide(ctx, tx, rideID, actorID)
		if err != nil {
			return err
		}
		if !rd.CanRate() {
			return apperrors.ErrRideNotMutable
		}
		rd.Rating = stars
		rd.UpdatedAt = s.deps.Clock.Now()
		if err := tx.Rides().Update(ctx, rd); err != nil {
			return err
		}
		rated = rd
		return nil
	})
	if err != nil {
		return nil, conflictError(err)
	}
	return rated, nil
}

func ownedRide(ctx context.Context, repos store.Repos, rideID, actorID string) (*ride.Ride, error) {
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

func conflictError(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return apperrors.ErrConcurrentUpdate
	}
	return err
}
