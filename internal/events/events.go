package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gocomet/poolride/internal/domain/ride"
)

// RoutingKeyRideCreated is published once per persisted ride
const RoutingKeyRideCreated = "ride.created"

// RideCreated is the message body of a ride.created event
type RideCreated struct {
	RideID    string        `json:"ride_id"`
	RiderID   string        `json:"rider_id"`
	PoolType  ride.PoolType `json:"pool_type"`
	CreatedAt time.Time     `json:"created_at"`
}

// Handler reacts to a newly created ride
type Handler interface {
	HandleRideCreated(ctx context.Context, rideID string)
}

func newRideCreated(r *ride.Ride) RideCreated {
	return RideCreated{RideID: r.ID, RiderID: r.RiderID, PoolType: r.PoolType, CreatedAt: r.CreatedAt}
}

func decodeRideCreated(body []byte) (RideCreated, error) {
	var msg RideCreated
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, err
	}
	if msg.RideID == "" {
		return msg, errors.New("ride.created without ride_id")
	}
	return msg, nil
}
