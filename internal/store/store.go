package store

import (
	"context"
	"errors"
	"time"

	"github.com/gocomet/poolride/internal/domain/membership"
	"github.com/gocomet/poolride/internal/domain/payment"
	"github.com/gocomet/poolride/internal/domain/ride"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a write or a transaction commit observes a record
	// that changed since it was read.
	ErrConflict = errors.New("record changed concurrently")
)

// RideQuery filters rides. Zero-valued fields are ignored. Results are ordered by
// CreatedAt, most recent first.
type RideQuery struct {
	Plan         membership.Plan
	Statuses     []ride.Status
	GroupID      string
	CreatedAfter time.Time
	Limit        int
}

// RideRepository defines the persistence operations for rides.
type RideRepository interface {
	// Get retrieves a ride by ID.
	Get(ctx context.Context, id string) (*ride.Ride, error)

	// Create persists a new ride and sets its version.
	Create(ctx context.Context, r *ride.Ride) error

	// Update writes r if the stored version still equals r.Version, then bumps it.
	Update(ctx context.Context, r *ride.Ride) error

	// Find returns rides matching q.
	Find(ctx context.Context, q RideQuery) ([]*ride.Ride, error)
}

// HoldRepository defines the persistence operations for payment holds.
type HoldRepository interface {
	Get(ctx context.Context, id string) (*payment.Hold, error)
	Create(ctx context.Context, h *payment.Hold) error
	Update(ctx context.Context, h *payment.Hold) error

	// ListByRide returns every hold of a ride, oldest first.
	ListByRide(ctx context.Context, rideID string) ([]*payment.Hold, error)
}

// MemberRepository stores membership records keyed by user ID.
type MemberRepository interface {
	Get(ctx context.Context, userID string) (*membership.Member, error)
	Put(ctx context.Context, m *membership.Member) error
}

// LedgerRepository stores audit entries keyed by (ride ID, kind).
type LedgerRepository interface {
	// Record inserts e unless an entry with the same key exists. It reports whether
	// the entry was new.
	Record(ctx context.Context, e payment.LedgerEntry) (bool, error)

	List(ctx context.Context, rideID string) ([]payment.LedgerEntry, error)
}

// Repos groups the repositories visible inside and outside a transaction.
type Repos interface {
	Rides() RideRepository
	Holds() HoldRepository
	Members() MemberRepository
	Ledger() LedgerRepository
}

// TxFunc is the body of a transaction. Returning an error rolls everything back.
type TxFunc func(ctx context.Context, tx Repos) error

// Store is the shared record store. RunInTx gives fn a consistent snapshot and
// commits only if nothing fn read has changed since; otherwise it returns
// ErrConflict and nothing fn wrote is visible.
type Store interface {
	Repos
	RunInTx(ctx context.Context, fn TxFunc) error
	Close() error
}

// Retry runs fn in a transaction up to attempts times while commits conflict.
func Retry(ctx context.Context, s Store, attempts int, fn TxFunc) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = s.RunInTx(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
