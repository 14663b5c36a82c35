package pooling

import (
	"context"
	"errors"

	"github.com/gocomet/poolride/internal/domain/ride"
	"github.com/gocomet/poolride/internal/store"
	apperrors "github.com/gocomet/poolride/pkg/errors"
	"github.com/gocomet/poolride/pkg/logger"
)

// ErrGenderIncompatible is returned when a joiner cannot share the host's pool
var ErrGenderIncompatible = apperrors.FailedPrecondition("Riders are not compatible for pooling", nil)

// Join adds joiner to the pool of hostRideID. joiner is a fully priced draft that
// is persisted only if the host still has room. Conflicting commits are retried a
// bounded number of times.
func (m *Matcher) Join(ctx context.Context, hostRideID string, joiner *ride.Ride) (*ride.Ride, error) {
	var created *ride.Ride
	err := store.Retry(ctx, m.store, m.cfg().JoinAttempts, func(ctx context.Context, tx store.Repos) error {
		host, err := tx.Rides().Get(ctx, hostRideID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperrors.ErrRideNotFound
			}
			return err
		}

		if err := checkJoinable(host, joiner); err != nil {
			return err
		}

		members := []*ride.Ride{host}
		if host.IsGrouped() {
			grouped, err := tx.Rides().Find(ctx, store.RideQuery{GroupID: host.GroupID})
			if err != nil {
				return err
			}
			members = members[:0]
			for _, r := range grouped {
				if r.Status != ride.StatusCanceledByRider {
					members = append(members, r)
				}
			}
		}

		pickupCode, dropoffCode, err := m.sharedCodes(members...)
		if err != nil {
			return err
		}

		groupID := host.GroupID
		if groupID == "" {
			groupID = host.ID
		}
		count := host.CurrentRiderCount + 1
		full := count >= host.MaxRiders
		now := m.clock.Now()

		for _, r := range members {
			r.GroupID = groupID
			r.CurrentRiderCount = count
			r.PickupCode = pickupCode
			r.DropoffCode = dropoffCode
			if full {
				r.Status = ride.StatusPooledPendingDriver
			}
			r.UpdatedAt = now
			if err := tx.Rides().Update(ctx, r); err != nil {
				return err
			}
		}

		draft := joiner.Clone()
		draft.GroupID = groupID
		draft.PoolType = ride.PoolTypeShared
		draft.CurrentRiderCount = count
		draft.MaxRiders = host.MaxRiders
		draft.PickupCode = pickupCode
		draft.DropoffCode = dropoffCode
		draft.Status = ride.StatusPoolSearching
		if full {
			draft.Status = ride.StatusPooledPendingDriver
		}
		draft.CreatedAt = now
		draft.UpdatedAt = now
		if err := tx.Rides().Create(ctx, draft); err != nil {
			return err
		}
		created = draft
		return nil
	})

	if errors.Is(err, store.ErrConflict) {
		return nil, apperrors.ErrConcurrentUpdate
	}
	if err != nil {
		return nil, err
	}

	m.logger.Info("Rider joined pool",
		logger.RideID(created.ID),
		logger.String("host_ride_id", hostRideID),
		logger.String("group_id", created.GroupID),
		logger.Int("rider_count", created.CurrentRiderCount),
	)
	if m.notifier != nil {
		m.notifier.NotifyRider(created.RiderID, EventPoolJoined, map[string]any{
			"ride_id":      created.ID,
			"group_id":     created.GroupID,
			"pickup_code":  created.PickupCode,
			"dropoff_code": created.DropoffCode,
		})
	}
	return created, nil
}

func checkJoinable(host, joiner *ride.Ride) error {
	if host.RiderID == joiner.RiderID {
		return apperrors.ErrRideNotPoolable
	}
	if host.PoolType != ride.PoolTypeShared || host.HasDriver() {
		return apperrors.ErrRideNotPoolable
	}
	if !host.Status.IsPending() && host.Status != ride.StatusPooledPendingDriver {
		return apperrors.ErrRideNotPoolable
	}
	if host.CurrentRiderCount >= host.MaxRiders {
		return apperrors.ErrRideFull
	}
	if !GenderCompatible(string(host.Gender), string(joiner.Gender)) {
		return ErrGenderIncompatible
	}
	return nil
}
