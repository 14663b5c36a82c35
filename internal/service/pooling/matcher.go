package pooling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gocomet/poolride/internal/domain/payment"
	"github.com/gocomet/poolride/internal/domain/ride"
	"github.com/gocomet/poolride/internal/store"
	"github.com/gocomet/poolride/pkg/clock"
	"github.com/gocomet/poolride/pkg/codes"
	"github.com/gocomet/poolride/pkg/geo"
	"github.com/gocomet/poolride/pkg/logger"
	"github.com/gocomet/poolride/pkg/monitoring"
)

// ErrMatchAbandoned is returned when the pairing transaction finds either ride
// changed since it was picked. The attempt is not retried.
var ErrMatchAbandoned = errors.New("pool match abandoned")

// errRevalidation aborts the pairing transaction without writing anything
var errRevalidation = errors.New("pool candidate no longer compatible")

// Notification types pushed to riders
const (
	EventPoolMatched = "pool_matched"
	EventPoolJoined  = "pool_joined"
)

// Notifier pushes pool updates to riders
type Notifier interface {
	NotifyRider(userID, event string, data any)
}

// Ledger accepts audit entries for asynchronous recording
type Ledger interface {
	Enqueue(e payment.LedgerEntry)
}

// Config holds matching configuration
type Config struct {
	Lookback         time.Duration // how far back candidates may have been created
	Window           int           // max candidates considered per attempt
	MaxDistanceMiles float64       // pickups must be strictly closer than this
	JoinAttempts     int           // retries for rider-initiated joins
}

// DefaultConfig returns the standard matching parameters
func DefaultConfig() Config {
	return Config{
		Lookback:         10 * time.Minute,
		Window:           20,
		MaxDistanceMiles: 3,
		JoinAttempts:     3,
	}
}

// Match describes a committed pairing
type Match struct {
	GroupID       string
	Rides         [2]*ride.Ride
	DistanceMiles float64
}

// Matcher pairs compatible shared rides into carpools
type Matcher struct {
	store    store.Store
	clock    clock.Clock
	codes    codes.Generator
	notifier Notifier
	ledger   Ledger
	metrics  *monitoring.NewRelicApp
	logger   *logger.Logger

	mu     sync.RWMutex
	config Config
}

// NewMatcher creates a new matcher
func NewMatcher(s store.Store, clk clock.Clock, gen codes.Generator, notifier Notifier, ledger Ledger, metrics *monitoring.NewRelicApp, log *logger.Logger, config Config) *Matcher {
	return &Matcher{
		store:    s,
		clock:    clk,
		codes:    gen,
		notifier: notifier,
		ledger:   ledger,
		metrics:  metrics,
		logger:   log.Named("pooling"),
		config:   config,
	}
}

// Reload swaps in new matching parameters
func (m *Matcher) Reload(config Config) {
	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
}

func (m *Matcher) cfg() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// HandleRideCreated is the creation-event entry point. Failures are logged and
// swallowed since pooling is best effort.
func (m *Matcher) HandleRideCreated(ctx context.Context, rideID string) {
	match, err := m.MatchNewRide(ctx, rideID)
	switch {
	case errors.Is(err, ErrMatchAbandoned):
		m.logger.Info("Pool match abandoned", logger.RideID(rideID), logger.Err(err))
	case err != nil:
		m.logger.Error("Pool matching failed", logger.RideID(rideID), logger.Err(err))
	case match == nil:
		m.logger.Debug("No pool partner found", logger.RideID(rideID))
	}
}

// MatchNewRide looks for the closest compatible open ride and pairs it with
// rideID in one transaction. It returns (nil, nil) when there is nothing to pair.
func (m *Matcher) MatchNewRide(ctx context.Context, rideID string) (*Match, error) {
	startTime := time.Now()
	cfg := m.cfg()

	n, err := m.store.Rides().Get(ctx, rideID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	if !IsPoolEligible(n) || !AvailableForPooling(n) {
		return nil, nil
	}

	candidates, err := m.store.Rides().Find(ctx, store.RideQuery{
		Plan:         n.Plan,
		Statuses:     ride.PendingStatuses,
		CreatedAfter: m.clock.Now().Add(-cfg.Lookback),
		Limit:        cfg.Window + 1, // the new ride itself is among the results
	})
	if err != nil {
		return nil, fmt.Errorf("query pool candidates: %w", err)
	}

	best, distance := closest(n, candidates, cfg.MaxDistanceMiles)
	if best == nil {
		return nil, nil
	}

	var pair [2]*ride.Ride
	err = m.store.RunInTx(ctx, func(ctx context.Context, tx store.Repos) error {
		fresh, err := tx.Rides().Get(ctx, n.ID)
		if err != nil {
			return err
		}
		partner, err := tx.Rides().Get(ctx, best.ID)
		if err != nil {
			return err
		}
		if !compatible(fresh, partner) {
			return errRevalidation
		}

		pickupCode, dropoffCode, err := m.sharedCodes(fresh, partner)
		if err != nil {
			return err
		}

		groupID := partner.ID
		if fresh.CreatedAt.Before(partner.CreatedAt) {
			groupID = fresh.ID
		}

		now := m.clock.Now()
		for _, r := range []*ride.Ride{fresh, partner} {
			r.GroupID = groupID
			r.CurrentRiderCount = 2
			r.MaxRiders = 2
			r.Status = ride.StatusPooledPendingDriver
			r.PickupCode = pickupCode
			r.DropoffCode = dropoffCode
			r.UpdatedAt = now
			if err := tx.Rides().Update(ctx, r); err != nil {
				return err
			}
		}
		pair = [2]*ride.Ride{fresh, partner}
		return nil
	})

	switch {
	case errors.Is(err, errRevalidation):
		m.metrics.RecordMatchAbandoned("revalidation")
		return nil, fmt.Errorf("%w: %v", ErrMatchAbandoned, err)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		m.metrics.RecordMatchAbandoned("conflict")
		return nil, fmt.Errorf("%w: %v", ErrMatchAbandoned, err)
	case err != nil:
		return nil, err
	}

	match := &Match{GroupID: pair[0].GroupID, Rides: pair, DistanceMiles: distance}
	m.afterPairing(match, time.Since(startTime))
	return match, nil
}

// closest returns the candidate with the strictly smallest pickup distance below
// maxDistance. Equal distances keep the first one seen.
func closest(n *ride.Ride, candidates []*ride.Ride, maxDistance float64) (*ride.Ride, float64) {
	var (
		best     *ride.Ride
		bestDist float64
	)
	for _, c := range candidates {
		if !compatible(n, c) {
			continue
		}
		d := geo.Distance(n.Pickup, c.Pickup)
		if d >= maxDistance {
			continue
		}
		if best == nil || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

// sharedCodes reuses any code either ride already carries and generates the rest
func (m *Matcher) sharedCodes(rides ...*ride.Ride) (string, string, error) {
	var pickup, dropoff string
	for _, r := range rides {
		if pickup == "" {
			pickup = r.PickupCode
		}
		if dropoff == "" {
			dropoff = r.DropoffCode
		}
	}

	var err error
	if pickup == "" {
		if pickup, err = m.codes.Generate(); err != nil {
			return "", "", err
		}
	}
	if dropoff == "" {
		if dropoff, err = m.codes.Generate(); err != nil {
			return "", "", err
		}
	}
	return pickup, dropoff, nil
}

// afterPairing runs the post-commit side effects
func (m *Matcher) afterPairing(match *Match, latency time.Duration) {
	now := m.clock.Now()
	for i, r := range match.Rides {
		partner := match.Rides[1-i]
		if m.ledger != nil {
			m.ledger.Enqueue(payment.LedgerEntry{
				RideID:     r.ID,
				Kind:       payment.LedgerPooled,
				Detail:     map[string]string{"group_id": match.GroupID, "partner_ride_id": partner.ID},
				RecordedAt: now,
			})
		}
		if m.notifier != nil {
			m.notifier.NotifyRider(r.RiderID, EventPoolMatched, map[string]any{
				"ride_id":      r.ID,
				"group_id":     match.GroupID,
				"pickup_code":  r.PickupCode,
				"dropoff_code": r.DropoffCode,
			})
		}
	}

	m.metrics.RecordPoolMatched(match.GroupID, match.DistanceMiles, latency)
	m.logger.Info("Rides pooled",
		logger.String("group_id", match.GroupID),
		logger.String("ride_a", match.Rides[0].ID),
		logger.String("ride_b", match.Rides[1].ID),
		logger.Float64("distance_miles", match.DistanceMiles),
		logger.Int64("latency_ms", latency.Milliseconds()),
	)
}
