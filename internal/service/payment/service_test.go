package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/gocomet/poolride/internal/domain/payment"
	"github.com/gocomet/poolride/internal/domain/ride"
	"github.com/gocomet/poolride/internal/store/memory"
	"github.com/gocomet/poolride/pkg/clock"
	apperrors "github.com/gocomet/poolride/pkg/errors"
	"github.com/gocomet/poolride/pkg/gateway"
	"github.com/gocomet/poolride/pkg/logger"
	"github.com/gocomet/poolride/pkg/monitoring"
)

var now = time.Date(2024, 9, 3, 8, 30, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	events  []string
	entries []domain.LedgerEntry
}

func (r *recorder) NotifyRider(userID, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, userID+":"+event)
}

func (r *recorder) Enqueue(e domain.LedgerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) kinds() []domain.LedgerKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LedgerKind, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	store   *memory.Store
	gateway *gateway.Fake
	rec     *recorder
	svc     *Service
}

func newFixture(t *testing.T, chargedCents int64) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		gateway: gateway.NewFake(),
		rec:     &recorder{},
	}
	f.svc = NewService(f.store, f.gateway, clock.NewFake(now), f.rec, f.rec, monitoring.Disabled(), logger.NewNop(), DefaultConfig())

	require.NoError(t, f.store.Rides().Create(context.Background(), &ride.Ride{
		ID:                 "ride-1",
		RiderID:            "alice",
		Status:             ride.StatusPendingDriver,
		PoolType:           ride.PoolTypeSolo,
		MaxRiders:          1,
		CurrentRiderCount:  1,
		ChargedAmountCents: chargedCents,
		PaymentStatus:      ride.PaymentUnpaid,
		CreatedAt:          now,
		UpdatedAt:          now,
	}))
	return f
}

func (f *fixture) ride(t *testing.T) *ride.Ride {
	t.Helper()
	rd, err := f.store.Rides().Get(context.Background(), "ride-1")
	require.NoError(t, err)
	return rd
}

func (f *fixture) authorize(t *testing.T, maxTip, initialTip int64) *AuthorizeResult {
	t.Helper()
	res, err := f.svc.Authorize(context.Background(), AuthorizeInput{
		RideID:          "ride-1",
		ActorID:         "alice",
		MaxTipCents:     maxTip,
		InitialTipCents: initialTip,
	})
	require.NoError(t, err)
	return res
}

func TestAuthorize_HoldCoversFareAndMaxTip(t *testing.T) {
	f := newFixture(t, 927)

	res := f.authorize(t, 1200, 200)

	require.NotNil(t, res.Hold)
	assert.Equal(t, int64(2127), res.AmountCents)
	assert.Equal(t, ride.PaymentAuthorized, res.PaymentStatus)
	assert.Equal(t, domain.HoldRequiresCapture, res.Hold.Status)
	assert.Equal(t, int64(927), res.Hold.BaseFareCents)
	assert.Equal(t, int64(200), res.Hold.TipCents)
	assert.NotEmpty(t, res.ClientSecret)
	assert.NotEmpty(t, res.Hold.GatewayID)

	assert.Equal(t, ride.PaymentAuthorized, f.ride(t).PaymentStatus)
	assert.Contains(t, f.rec.events, "alice:"+EventPaymentAuthorized)
}

func TestAuthorize_MaxTipClampedToConfiguredCeiling(t *testing.T) {
	f := newFixture(t, 1500)

	res := f.authorize(t, 5000, 0)

	assert.Equal(t, int64(2700), res.AmountCents)
	assert.Equal(t, int64(1200), res.Hold.MaxTipCents)
}

func TestAuthorize_FreeRide(t *testing.T) {
	f := newFixture(t, 0)

	res := f.authorize(t, 0, 0)

	assert.Nil(t, res.Hold)
	assert.Equal(t, ride.PaymentNotRequired, res.PaymentStatus)
	assert.Equal(t, ride.PaymentNotRequired, f.ride(t).PaymentStatus)
	assert.Zero(t, f.gateway.CallCount("create"))
}

func TestAuthorize_FreeRideWithTip(t *testing.T) {
	f := newFixture(t, 0)

	res := f.authorize(t, 500, 0)

	require.NotNil(t, res.Hold)
	assert.Equal(t, int64(500), res.AmountCents)
	assert.Equal(t, int64(0), res.Hold.BaseFareCents)
}

func TestAuthorize_Rejections(t *testing.T) {
	f := newFixture(t, 927)
	ctx := context.Background()

	_, err := f.svc.Authorize(ctx, AuthorizeInput{RideID: "ride-1", ActorID: "mallory", MaxTipCents: 500})
	assert.ErrorIs(t, err, apperrors.ErrNotRideOwner)

	_, err = f.svc.Authorize(ctx, AuthorizeInput{RideID: "missing", ActorID: "alice"})
	assert.ErrorIs(t, err, apperrors.ErrRideNotFound)

	_, err = f.svc.Authorize(ctx, AuthorizeInput{RideID: "ride-1", ActorID: "alice", MaxTipCents: 500, InitialTipCents: 800})
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.CodeInvalidArgument, appErr.Code)
	assert.Equal(t, TipAboveMax, appErr.Details["result"])
	assert.Equal(t, int64(500), appErr.Details["max"])

	assert.Zero(t, f.gateway.CallCount("create"))
}

func TestAuthorize_ReplacesOpenHold(t *testing.T) {
	f := newFixture(t, 927)

	first := f.authorize(t, 500, 0)
	second := f.authorize(t, 1000, 0)

	old, err := f.store.Holds().Get(context.Background(), first.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldCanceled, old.Status)
	assert.Equal(t, domain.HoldRequiresCapture, second.Hold.Status)
	assert.Equal(t, 1, f.gateway.CallCount("cancel"))

	holds, err := f.store.Holds().ListByRide(context.Background(), "ride-1")
	require.NoError(t, err)
	open := 0
	for _, h := range holds {
		if h.Status.IsOpen() {
			open++
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, ride.PaymentAuthorized, f.ride(t).PaymentStatus)
}

// stallingGateway holds the first CreateAuthorization until release is closed
type stallingGateway struct {
	*gateway.Fake
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *stallingGateway) CreateAuthorization(ctx context.Context, p gateway.CreateParams) (*gateway.Authorization, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Fake.CreateAuthorization(ctx, p)
}

func newStallingFixture(t *testing.T, chargedCents int64) (*fixture, *stallingGateway) {
	t.Helper()
	f := newFixture(t, chargedCents)
	g := &stallingGateway{Fake: f.gateway, entered: make(chan struct{}), release: make(chan struct{})}
	f.svc = NewService(f.store, g, clock.NewFake(now), f.rec, f.rec, monitoring.Disabled(), logger.NewNop(), DefaultConfig())
	return f, g
}

// authorizeAsync starts an authorization and returns its eventual error
func (f *fixture) authorizeAsync(maxTip int64) <-chan error {
	errs := make(chan error, 1)
	go func() {
		_, err := f.svc.Authorize(context.Background(), AuthorizeInput{RideID: "ride-1", ActorID: "alice", MaxTipCents: maxTip})
		errs <- err
	}()
	return errs
}

func TestAuthorize_ReleasesLateAuthorizationOfReplacedHold(t *testing.T) {
	f, g := newStallingFixture(t, 927)
	ctx := context.Background()

	firstErr := f.authorizeAsync(500)
	<-g.entered

	second := f.authorize(t, 1000, 0)
	close(g.release)
	assert.ErrorIs(t, <-firstErr, apperrors.ErrConcurrentUpdate)

	holds, err := f.store.Holds().ListByRide(ctx, "ride-1")
	require.NoError(t, err)
	require.Len(t, holds, 2)
	for _, h := range holds {
		if h.ID == second.Hold.ID {
			assert.Equal(t, domain.HoldRequiresCapture, h.Status)
			continue
		}
		assert.Equal(t, domain.HoldCanceled, h.Status)
		require.NotEmpty(t, h.GatewayID)
		auth, err := f.gateway.Retrieve(ctx, h.GatewayID)
		require.NoError(t, err)
		assert.Equal(t, gateway.StatusCanceled, auth.Status)
	}

	assert.Equal(t, []string{second.Hold.GatewayID}, f.gateway.Live())
	assert.Equal(t, ride.PaymentAuthorized, f.ride(t).PaymentStatus)
}

func TestCancelHolds_DuringAuthorization(t *testing.T) {
	f, g := newStallingFixture(t, 927)
	ctx := context.Background()

	errs := f.authorizeAsync(500)
	<-g.entered

	require.NoError(t, f.svc.CancelHolds(ctx, "ride-1"))
	close(g.release)
	assert.ErrorIs(t, <-errs, apperrors.ErrConcurrentUpdate)

	holds, err := f.store.Holds().ListByRide(ctx, "ride-1")
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, domain.HoldCanceled, holds[0].Status)

	assert.Empty(t, f.gateway.Live())
	assert.Equal(t, 1, f.gateway.CallCount("cancel"))
	assert.Equal(t, ride.PaymentCanceled, f.ride(t).PaymentStatus)
}

func TestAuthorize_FreeRideReleasesOpenHold(t *testing.T) {
	f := newFixture(t, 0)

	first := f.authorize(t, 500, 0)
	require.Equal(t, domain.HoldRequiresCapture, first.Hold.Status)

	res := f.authorize(t, 0, 0)
	assert.Equal(t, ride.PaymentNotRequired, res.PaymentStatus)
	assert.Nil(t, res.Hold)

	old, err := f.store.Holds().Get(context.Background(), first.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldCanceled, old.Status)
	assert.Equal(t, 1, f.gateway.CallCount("cancel"))
	assert.Empty(t, f.gateway.Live())
	assert.Equal(t, ride.PaymentNotRequired, f.ride(t).PaymentStatus)
}

func TestAuthorize_Concurrent(t *testing.T) {
	tests := []struct {
		name    string
		charged int64
		maxTips []int64
	}{
		{"paid ride", 927, []int64{100, 200, 300, 400}},
		{"free ride with and without tip", 0, []int64{0, 500, 0, 300}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.charged)
			ctx := context.Background()

			var wg sync.WaitGroup
			errs := make([]error, len(tt.maxTips))
			for i, tip := range tt.maxTips {
				wg.Add(1)
				go func(i int, tip int64) {
					defer wg.Done()
					_, errs[i] = f.svc.Authorize(ctx, AuthorizeInput{RideID: "ride-1", ActorID: "alice", MaxTipCents: tip})
				}(i, tip)
			}
			wg.Wait()

			for _, err := range errs {
				if err != nil {
					assert.ErrorIs(t, err, apperrors.ErrConcurrentUpdate)
				}
			}

			holds, err := f.store.Holds().ListByRide(ctx, "ride-1")
			require.NoError(t, err)
			tracked := map[string]bool{}
			capturable := 0
			for _, h := range holds {
				if h.Status == domain.HoldRequiresCapture {
					tracked[h.GatewayID] = true
					capturable++
				}
			}
			assert.LessOrEqual(t, capturable, 1)

			live := f.gateway.Live()
			assert.LessOrEqual(t, len(live), 1)
			for _, id := range live {
				assert.True(t, tracked[id], "authorization %s has no capturable hold", id)
			}
		})
	}
}

func TestAuthorize_GatewayFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"declined", gateway.ErrDeclined, apperrors.CodeFailedPrecondition},
		{"unavailable", gateway.ErrUnavailable, apperrors.CodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 927)
			f.gateway.Err = tt.err

			_, err := f.svc.Authorize(context.Background(), AuthorizeInput{RideID: "ride-1", ActorID: "alice", MaxTipCents: 500})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))

			holds, err := f.store.Holds().ListByRide(context.Background(), "ride-1")
			require.NoError(t, err)
			require.Len(t, holds, 1)
			assert.Equal(t, domain.HoldCanceled, holds[0].Status)
			assert.Equal(t, ride.PaymentUnpaid, f.ride(t).PaymentStatus)
		})
	}
}

func TestAuthorize_CanceledRide(t *testing.T) {
	f := newFixture(t, 927)
	rd := f.ride(t)
	rd.Status = ride.StatusCanceledByRider
	require.NoError(t, f.store.Rides().Update(context.Background(), rd))

	_, err := f.svc.Authorize(context.Background(), AuthorizeInput{RideID: "ride-1", ActorID: "alice", MaxTipCents: 500})
	assert.ErrorIs(t, err, apperrors.ErrRideNotMutable)
}

func TestUpdateTip(t *testing.T) {
	f := newFixture(t, 927)
	f.authorize(t, 600, 0)
	ctx := context.Background()

	h, err := f.svc.UpdateTip(ctx, "ride-1", "alice", 400)
	require.NoError(t, err)
	assert.Equal(t, int64(400), h.TipCents)

	_, err = f.svc.UpdateTip(ctx, "ride-1", "alice", 700)
	require.Error(t, err)
	assert.Equal(t, TipAboveMax, apperrors.GetAppError(err).Details["result"])

	_, err = f.svc.UpdateTip(ctx, "ride-1", "bob", 100)
	assert.ErrorIs(t, err, apperrors.ErrNotRideOwner)
}

func TestCapture_SettlesFareAndTip(t *testing.T) {
	f := newFixture(t, 927)
	f.authorize(t, 1200, 100)
	ctx := context.Background()

	tip := int64(300)
	h, err := f.svc.Capture(ctx, "ride-1", "alice", &tip)
	require.NoError(t, err)

	assert.Equal(t, domain.HoldPaid, h.Status)
	assert.Equal(t, int64(1227), h.CapturedCents)
	assert.Equal(t, int64(300), h.TipCents)
	assert.Equal(t, ride.PaymentPaid, f.ride(t).PaymentStatus)
	assert.Contains(t, f.rec.kinds(), domain.LedgerCaptured)
	assert.Contains(t, f.rec.events, "alice:"+EventPaymentCaptured)

	again, err := f.svc.Capture(ctx, "ride-1", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID)
	assert.Equal(t, int64(1227), again.CapturedCents)
	assert.Equal(t, 1, f.gateway.CallCount("capture"))

	_, err = f.svc.Authorize(ctx, AuthorizeInput{RideID: "ride-1", ActorID: "alice"})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyPaid)
}

func TestCapture_UsesStoredTip(t *testing.T) {
	f := newFixture(t, 1000)
	f.authorize(t, 800, 250)

	h, err := f.svc.Capture(context.Background(), "ride-1", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), h.CapturedCents)
}

func TestCapture_TipAboveHoldCeiling(t *testing.T) {
	f := newFixture(t, 1000)
	f.authorize(t, 300, 0)

	tip := int64(900)
	_, err := f.svc.Capture(context.Background(), "ride-1", "alice", &tip)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
	assert.Zero(t, f.gateway.CallCount("capture"))
}

func TestCapture_PendingHoldSyncsFirst(t *testing.T) {
	f := newFixture(t, 927)
	f.gateway.CreateStatus = gateway.StatusRequiresConfirmation
	res := f.authorize(t, 500, 0)
	ctx := context.Background()

	assert.Equal(t, domain.HoldPreauthPending, res.Hold.Status)
	assert.Equal(t, ride.PaymentUnpaid, res.PaymentStatus)

	_, err := f.svc.Capture(ctx, "ride-1", "alice", nil)
	assert.ErrorIs(t, err, apperrors.ErrHoldNotCapturable)

	f.gateway.SetStatus(res.Hold.GatewayID, gateway.StatusRequiresCapture)

	h, err := f.svc.Capture(ctx, "ride-1", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldPaid, h.Status)
	assert.Equal(t, int64(927), h.CapturedCents)
}

func TestSync(t *testing.T) {
	f := newFixture(t, 927)
	f.gateway.CreateStatus = gateway.StatusRequiresAction
	res := f.authorize(t, 0, 0)
	ctx := context.Background()

	_, err := f.svc.Sync(ctx, res.Hold.ID, "bob")
	assert.ErrorIs(t, err, apperrors.ErrNotRideOwner)

	f.gateway.SetStatus(res.Hold.GatewayID, gateway.StatusRequiresCapture)
	h, err := f.svc.Sync(ctx, res.Hold.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.HoldRequiresCapture, h.Status)
	assert.Equal(t, ride.PaymentAuthorized, f.ride(t).PaymentStatus)

	_, err = f.svc.Sync(ctx, "nope", "alice")
	assert.ErrorIs(t, err, apperrors.ErrHoldNotFound)
}

func TestCapture_NothingOwedReleasesHold(t *testing.T) {
	f := newFixture(t, 0)
	f.authorize(t, 500, 0)

	zero := int64(0)
	h, err := f.svc.Capture(context.Background(), "ride-1", "alice", &zero)
	require.NoError(t, err)

	assert.Equal(t, domain.HoldCanceled, h.Status)
	assert.Equal(t, ride.PaymentNotRequired, f.ride(t).PaymentStatus)
	assert.Zero(t, f.gateway.CallCount("capture"))
	assert.Equal(t, 1, f.gateway.CallCount("cancel"))
}

func TestCancelHolds(t *testing.T) {
	f := newFixture(t, 927)
	res := f.authorize(t, 500, 0)

	require.NoError(t, f.svc.CancelHolds(context.Background(), "ride-1"))

	h, err := f.store.Holds().Get(context.Background(), res.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldCanceled, h.Status)
	assert.Equal(t, ride.PaymentCanceled, f.ride(t).PaymentStatus)
	assert.Contains(t, f.rec.kinds(), domain.LedgerHoldCanceled)

	require.NoError(t, f.svc.CancelHolds(context.Background(), "ride-1"), "no open holds is a no-op")
}

func TestCapture_NoHold(t *testing.T) {
	f := newFixture(t, 927)

	_, err := f.svc.Capture(context.Background(), "ride-1", "alice", nil)
	assert.ErrorIs(t, err, apperrors.ErrHoldNotFound)
}
