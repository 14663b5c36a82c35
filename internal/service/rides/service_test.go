package rides

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/poolride/internal/domain/membership"
	"github.com/gocomet/poolride/internal/domain/payment"
	"github.com/gocomet/poolride/internal/domain/ride"
	"github.com/gocomet/poolride/internal/service/pooling"
	"github.com/gocomet/poolride/internal/service/pricing"
	"github.com/gocomet/poolride/internal/store"
	"github.com/gocomet/poolride/internal/store/memory"
	"github.com/gocomet/poolride/pkg/clock"
	"github.com/gocomet/poolride/pkg/codes"
	apperrors "github.com/gocomet/poolride/pkg/errors"
	"github.com/gocomet/poolride/pkg/geo"
	"github.com/gocomet/poolride/pkg/logger"
	"github.com/gocomet/poolride/pkg/monitoring"
)

var (
	now     = time.Date(2024, 9, 3, 8, 30, 0, 0, time.UTC)
	library = geo.Point{Lat: 42.3744, Lng: -71.1169}
	quad    = geo.Point{Lat: 42.3736, Lng: -71.1190}
	faraway = geo.Point{Lat: 42.3601, Lng: -71.0589} // ~3.2 mi from library
)

type recorder struct {
	mu        sync.Mutex
	published []string
	publish   error
	canceled  []string
	events    []string
	entries   []payment.LedgerEntry
}

func (r *recorder) PublishRideCreated(_ context.Context, rd *ride.Ride) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, rd.ID)
	return r.publish
}

func (r *recorder) CancelHolds(_ context.Context, rideID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, rideID)
	return nil
}

func (r *recorder) NotifyRider(userID, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, userID+":"+event)
}

func (r *recorder) Enqueue(e payment.LedgerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

type fixture struct {
	store *memory.Store
	clock *clock.Fake
	rec   *recorder
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		clock: clock.NewFake(now),
		rec:   &recorder{},
	}
	fence := membership.Geofence{Name: "campus", Center: library, RadiusMiles: 2}
	fares := pricing.NewService(pricing.DefaultConfig())
	catalog := membership.NewCatalog("usd", fence, membership.Geofence{})
	matcher := pooling.NewMatcher(f.store, f.clock, codes.NewSequence("1111", "2222"), f.rec, f.rec,
		monitoring.Disabled(), logger.NewNop(), pooling.DefaultConfig())

	f.svc = NewService(Deps{
		Store:     f.store,
		Fares:     fares,
		Resolver:  pricing.NewResolver(fares, catalog),
		Clock:     f.clock,
		Publisher: f.rec,
		Pooler:    matcher,
		Payments:  f.rec,
		Notifier:  f.rec,
		Ledger:    f.rec,
		Metrics:   monitoring.Disabled(),
		Logger:    logger.NewNop(),
	}, DefaultConfig())
	return f
}

func (f *fixture) member(t *testing.T, m *membership.Member) {
	t.Helper()
	require.NoError(t, f.store.Members().Put(context.Background(), m))
}

func unlimited(userID string) *membership.Member {
	return &membership.Member{
		UserID:              userID,
		Plan:                membership.PlanUnlimited,
		Status:              membership.StatusActive,
		ExpiresAt:           now.Add(24 * time.Hour),
		InstitutionVerified: true,
		Gender:              "Female",
	}
}

func request(riderID string, pickup geo.Point) CreateInput {
	return CreateInput{RiderID: riderID, Pickup: pickup, Dropoff: library, DurationMinutes: 10}
}

func TestCreate_GuestPaysPerRide(t *testing.T) {
	f := newFixture(t)

	rd, err := f.svc.Create(context.Background(), request("alice", quad))
	require.NoError(t, err)

	assert.Equal(t, membership.PlanBasic, rd.Plan)
	assert.Equal(t, ride.StatusPendingDriver, rd.Status)
	assert.Equal(t, ride.PoolTypeSolo, rd.PoolType)
	assert.Equal(t, 1, rd.MaxRiders)
	assert.Equal(t, 1, rd.CurrentRiderCount)
	assert.Equal(t, int64(927), rd.ChargedAmountCents)
	assert.Equal(t, 9.27, rd.Fare.Total)
	assert.Equal(t, pricing.LabelPayPerRide, rd.Fare.Label)
	assert.Equal(t, ride.PaymentUnpaid, rd.PaymentStatus)

	stored, err := f.store.Rides().Get(context.Background(), rd.ID)
	require.NoError(t, err)
	assert.Equal(t, rd.ChargedAmountCents, stored.ChargedAmountCents)

	assert.Equal(t, []string{rd.ID}, f.rec.published)
	require.Len(t, f.rec.entries, 1)
	assert.Equal(t, payment.LedgerChargeResolved, f.rec.entries[0].Kind)
	assert.Equal(t, pricing.ReasonPayPerRide, f.rec.entries[0].Detail["reason"])
}

func TestCreate_MembershipCoverage(t *testing.T) {
	tests := []struct {
		name          string
		member        func() *membership.Member
		pickup        geo.Point
		wantCents     int64
		wantSurcharge int64
		wantLabel     string
		wantPayment   ride.PaymentStatus
	}{
		{
			name:        "inside fence rides free",
			member:      func() *membership.Member { return unlimited("alice") },
			pickup:      quad,
			wantLabel:   pricing.LabelIncluded,
			wantPayment: ride.PaymentNotRequired,
		},
		{
			name:          "outside fence pays full fare",
			member:        func() *membership.Member { return unlimited("alice") },
			pickup:        faraway,
			wantCents:     927,
			wantSurcharge: 927,
			wantLabel:     pricing.LabelOutsideCoverage,
			wantPayment:   ride.PaymentUnpaid,
		},
		{
			name: "expired membership pays",
			member: func() *membership.Member {
				m := unlimited("alice")
				m.ExpiresAt = now.Add(-time.Hour)
				return m
			},
			pickup:      quad,
			wantCents:   927,
			wantLabel:   pricing.LabelOutsideCoverage,
			wantPayment: ride.PaymentUnpaid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.member(t, tt.member())

			rd, err := f.svc.Create(context.Background(), request("alice", tt.pickup))
			require.NoError(t, err)

			assert.Equal(t, membership.PlanUnlimited, rd.Plan)
			assert.Equal(t, tt.wantCents, rd.ChargedAmountCents)
			assert.Equal(t, tt.wantSurcharge, rd.SurchargeCents)
			assert.Equal(t, tt.wantLabel, rd.Fare.Label)
			assert.Equal(t, tt.wantPayment, rd.PaymentStatus)
		})
	}
}

func TestCreate_SharedRide(t *testing.T) {
	f := newFixture(t)
	f.member(t, unlimited("alice"))

	in := request("alice", quad)
	in.Shared = true
	in.HomeCity = " Cambridge "
	rd, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, ride.StatusPoolSearching, rd.Status)
	assert.Equal(t, ride.PoolTypeShared, rd.PoolType)
	assert.Equal(t, 2, rd.MaxRiders)
	assert.Equal(t, ride.GenderFemale, rd.Gender)
	assert.Equal(t, "Cambridge", rd.HomeCity)
	assert.True(t, rd.InstitutionVerified)
	assert.True(t, pooling.IsPoolEligible(rd))
}

func TestCreate_ValidationBeforeMutation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(in *CreateInput)
		wantErr error
	}{
		{"pickup out of range", func(in *CreateInput) { in.Pickup = geo.Point{Lat: 91, Lng: 0} }, apperrors.ErrInvalidPickup},
		{"dropoff missing", func(in *CreateInput) { in.Dropoff = geo.Point{Lat: 0, Lng: 200} }, apperrors.ErrInvalidDropoff},
		{"zero duration", func(in *CreateInput) { in.DurationMinutes = 0 }, apperrors.ErrInvalidDuration},
		{"negative duration", func(in *CreateInput) { in.DurationMinutes = -4 }, apperrors.ErrInvalidDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := request("alice", quad)
			tt.mutate(&in)

			_, err := f.svc.Create(context.Background(), in)
			assert.ErrorIs(t, err, tt.wantErr)

			all, err := f.store.Rides().Find(context.Background(), store.RideQuery{})
			require.NoError(t, err)
			assert.Empty(t, all)
			assert.Empty(t, f.rec.published)
		})
	}
}

func TestCreate_ClientTotal(t *testing.T) {
	f := newFixture(t)

	near := int64(926)
	in := request("alice", quad)
	in.ClientTotalCents = &near
	rd, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, rd.ChargeMismatch)

	wrong := int64(500)
	in.ClientTotalCents = &wrong
	rd, err = f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, rd.ChargeMismatch)
	assert.Equal(t, int64(927), rd.ChargedAmountCents, "client totals are never trusted")
	assert.Equal(t, int64(500), rd.ClientTotalCents)
}

func TestCreate_PublishFailureKeepsRide(t *testing.T) {
	f := newFixture(t)
	f.rec.publish = errors.New("broker down")

	rd, err := f.svc.Create(context.Background(), request("alice", quad))
	require.NoError(t, err)

	_, err = f.store.Rides().Get(context.Background(), rd.ID)
	assert.NoError(t, err)
}

func TestQuote_DoesNotPersist(t *testing.T) {
	f := newFixture(t)
	f.member(t, unlimited("alice"))

	q, err := f.svc.Quote(context.Background(), request("alice", faraway))
	require.NoError(t, err)
	assert.Equal(t, int64(927), q.Charge.AmountCents)
	assert.Equal(t, pricing.ReasonOutsideGeofence, q.Charge.Reason)

	all, err := f.store.Rides().Find(context.Background(), store.RideQuery{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	rd, err := f.svc.Create(context.Background(), request("alice", quad))
	require.NoError(t, err)

	got, err := f.svc.Get(context.Background(), rd.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, rd.ID, got.ID)

	_, err = f.svc.Get(context.Background(), rd.ID, "bob")
	assert.ErrorIs(t, err, apperrors.ErrNotRideOwner)

	_, err = f.svc.Get(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, apperrors.ErrRideNotFound)
}

func TestJoin_FillsHostPool(t *testing.T) {
	f := newFixture(t)
	f.member(t, unlimited("alice"))
	f.member(t, unlimited("carol"))
	ctx := context.Background()

	host := request("alice", quad)
	host.Shared = true
	hostRide, err := f.svc.Create(ctx, host)
	require.NoError(t, err)

	joined, err := f.svc.Join(ctx, JoinInput{HostRideID: hostRide.ID, CreateInput: request("carol", quad)})
	require.NoError(t, err)

	assert.Equal(t, hostRide.ID, joined.GroupID)
	assert.Equal(t, ride.StatusPooledPendingDriver, joined.Status)
	assert.Equal(t, 2, joined.CurrentRiderCount)

	hostNow, err := f.store.Rides().Get(ctx, hostRide.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusPooledPendingDriver, hostNow.Status)
	assert.Equal(t, joined.PickupCode, hostNow.PickupCode)
	assert.Equal(t, joined.DropoffCode, hostNow.DropoffCode)

	_, err = f.svc.Join(ctx, JoinInput{HostRideID: hostRide.ID, CreateInput: request("dave", quad)})
	assert.ErrorIs(t, err, apperrors.ErrRideFull)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rd, err := f.svc.Create(ctx, request("alice", quad))
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, rd.ID, "bob")
	assert.ErrorIs(t, err, apperrors.ErrNotRideOwner)

	canceled, err := f.svc.Cancel(ctx, rd.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCanceledByRider, canceled.Status)
	assert.Equal(t, []string{rd.ID}, f.rec.canceled)

	_, err = f.svc.Cancel(ctx, rd.ID, "alice")
	assert.ErrorIs(t, err, apperrors.ErrRideNotMutable)
}

func TestCancel_WithDriverRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rd, err := f.svc.Create(ctx, request("alice", quad))
	require.NoError(t, err)

	rd.DriverID = "driver-9"
	rd.Status = ride.StatusDriverAssigned
	require.NoError(t, f.store.Rides().Update(ctx, rd))

	_, err = f.svc.Cancel(ctx, rd.ID, "alice")
	assert.ErrorIs(t, err, apperrors.ErrRideNotMutable)
	assert.Empty(t, f.rec.canceled)
}

func TestCancel_GroupedRideFreesSeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pooled := func(id, rider string) *ride.Ride {
		return &ride.Ride{
			ID:                id,
			RiderID:           rider,
			Status:            ride.StatusPooledPendingDriver,
			PoolType:          ride.PoolTypeShared,
			GroupID:           "g1",
			MaxRiders:         2,
			CurrentRiderCount: 2,
			PickupCode:        "1111",
			DropoffCode:       "2222",
			CreatedAt:         now,
		}
	}
	require.NoError(t, f.store.Rides().Create(ctx, pooled("g1", "alice")))
	require.NoError(t, f.store.Rides().Create(ctx, pooled("r2", "carol")))

	_, err := f.svc.Cancel(ctx, "r2", "carol")
	require.NoError(t, err)

	host, err := f.store.Rides().Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, host.CurrentRiderCount)
	assert.Equal(t, "g1", host.GroupID)
	assert.Equal(t, "1111", host.PickupCode)
	assert.Contains(t, f.rec.events, "alice:"+EventPoolMemberCanceled)

	left, err := f.store.Rides().Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCanceledByRider, left.Status)
	assert.Equal(t, "g1", left.GroupID)
}

func TestRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rd, err := f.svc.Create(ctx, request("alice", quad))
	require.NoError(t, err)

	for _, stars := range []int{0, 6, -1} {
		_, err := f.svc.Rate(ctx, rd.ID, "alice", stars)
		assert.ErrorIs(t, err, apperrors.ErrInvalidRating)
	}

	_, err = f.svc.Rate(ctx, rd.ID, "bob", 4)
	assert.ErrorIs(t, err, apperrors.ErrNotRideOwner)

	rated, err := f.svc.Rate(ctx, rd.ID, "alice", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, rated.Rating)

	_, err = f.svc.Cancel(ctx, rd.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.Rate(ctx, rd.ID, "alice", 3)
	assert.ErrorIs(t, err, apperrors.ErrRideNotMutable)
}
