package events

import (
	"context"
	"sync"
	"time"

	"github.com/gocomet/poolride/internal/domain/ride"
)

// Local delivers events to an in-process handler, each on its own goroutine
type Local struct {
	handler Handler
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewLocal creates a dispatcher. timeout bounds each handler call; zero means none.
func NewLocal(handler Handler, timeout time.Duration) *Local {
	return &Local{handler: handler, timeout: timeout}
}

// PublishRideCreated hands the ride to the handler without waiting for it
func (l *Local) PublishRideCreated(_ context.Context, r *ride.Ride) error {
	rideID := r.ID
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx := context.Background()
		if l.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, l.timeout)
			defer cancel()
		}
		l.handler.HandleRideCreated(ctx, rideID)
	}()
	return nil
}

// Wait blocks until every dispatched handler returned
func (l *Local) Wait() {
	l.wg.Wait()
}
