package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/poolride/internal/domain/ride"
)

type handlerFunc func(ctx context.Context, rideID string)

func (f handlerFunc) HandleRideCreated(ctx context.Context, rideID string) { f(ctx, rideID) }

func TestLocal_DispatchesEveryRide(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	l := NewLocal(handlerFunc(func(ctx context.Context, rideID string) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		mu.Lock()
		seen[rideID] = true
		mu.Unlock()
	}), time.Second)

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, l.PublishRideCreated(context.Background(), &ride.Ride{ID: id}))
	}
	l.Wait()

	assert.Equal(t, map[string]bool{"r1": true, "r2": true, "r3": true}, seen)
}

func TestLocal_OutlivesRequestContext(t *testing.T) {
	done := make(chan error, 1)
	l := NewLocal(handlerFunc(func(ctx context.Context, _ string) {
		done <- ctx.Err()
	}), 0)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.PublishRideCreated(ctx, &ride.Ride{ID: "r1"}))
	cancel()
	l.Wait()

	assert.NoError(t, <-done)
}

func TestDecodeRideCreated(t *testing.T) {
	msg, err := decodeRideCreated([]byte(`{"ride_id":"r1","rider_id":"alice","pool_type":"shared"}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", msg.RideID)
	assert.Equal(t, ride.PoolTypeShared, msg.PoolType)

	_, err = decodeRideCreated([]byte(`{"rider_id":"alice"}`))
	assert.Error(t, err)

	_, err = decodeRideCreated([]byte(`not json`))
	assert.Error(t, err)
}
