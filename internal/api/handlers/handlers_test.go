package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/poolride/internal/api/dto"
	"github.com/gocomet/poolride/internal/api/handlers"
	"github.com/gocomet/poolride/internal/api/routes"
	"github.com/gocomet/poolride/internal/domain/membership"
	domain "github.com/gocomet/poolride/internal/domain/payment"
	"github.com/gocomet/poolride/internal/domain/ride"
	"github.com/gocomet/poolride/internal/events"
	"github.com/gocomet/poolride/internal/service/ledger"
	"github.com/gocomet/poolride/internal/service/payment"
	"github.com/gocomet/poolride/internal/service/pooling"
	"github.com/gocomet/poolride/internal/service/pricing"
	"github.com/gocomet/poolride/internal/service/rides"
	"github.com/gocomet/poolride/internal/store"
	"github.com/gocomet/poolride/internal/store/memory"
	"github.com/gocomet/poolride/pkg/auth"
	"github.com/gocomet/poolride/pkg/clock"
	"github.com/gocomet/poolride/pkg/codes"
	"github.com/gocomet/poolride/pkg/gateway"
	"github.com/gocomet/poolride/pkg/geo"
	"github.com/gocomet/poolride/pkg/logger"
	"github.com/gocomet/poolride/pkg/monitoring"
	"github.com/gocomet/poolride/pkg/websocket"
)

var library = geo.Point{Lat: 42.3744, Lng: -71.1169}

type server struct {
	router *gin.Engine
	store  *memory.Store
	gw     *gateway.Fake
	jwt    *auth.JWT
	events *events.Local
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewNop()
	s := &server{
		store: memory.New(),
		gw:    gateway.NewFake(),
		jwt:   auth.NewJWT(auth.JWTConfig{Secret: "test-secret", Issuer: "poolride", TTL: time.Hour}),
	}
	clk := clock.NewFake(time.Date(2024, 9, 3, 8, 30, 0, 0, time.UTC))
	hub := websocket.NewHub(log)
	t.Cleanup(hub.Close)

	writer := ledger.NewWriter(s.store.Ledger(), log, ledger.DefaultConfig())
	fares := pricing.NewService(pricing.DefaultConfig())
	fence := membership.Geofence{Name: "campus", Center: library, RadiusMiles: 2}
	matcher := pooling.NewMatcher(s.store, clk, codes.NewSequence("1111", "2222"), hub, writer,
		monitoring.Disabled(), log, pooling.DefaultConfig())
	s.events = events.NewLocal(matcher, time.Second)
	payments := payment.NewService(s.store, s.gw, clk, hub, writer, monitoring.Disabled(), log, payment.DefaultConfig())
	rideService := rides.NewService(rides.Deps{
		Store:     s.store,
		Fares:     fares,
		Resolver:  pricing.NewResolver(fares, membership.NewCatalog("usd", fence, membership.Geofence{})),
		Clock:     clk,
		Publisher: s.events,
		Pooler:    matcher,
		Payments:  payments,
		Notifier:  hub,
		Ledger:    writer,
		Metrics:   monitoring.Disabled(),
		Logger:    log,
	}, rides.DefaultConfig())

	s.router = gin.New()
	h := handlers.NewHandlers(rideService, payments, hub, log, 1024, 1024)
	routes.SetupRoutes(s.router, h, routes.Options{Verifier: s.jwt, Logger: log})
	return s
}

func (s *server) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.jwt.Issue(userID)
	require.NoError(t, err)
	return token
}

func (s *server) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func rideBody() map[string]any {
	return map[string]any{
		"pickup":           map[string]any{"latitude": 42.3736, "longitude": -71.1190},
		"dropoff":          []float64{library.Lat, library.Lng},
		"duration_minutes": 10,
	}
}

func TestHealth(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])
}

func TestRoutes_RequireToken(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/rides", "", rideBody())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHENTICATED", decode[dto.ErrorResponse](t, w).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/rides/x", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateAndGetRide(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/rides", "alice", rideBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[ride.Ride](t, w)
	assert.Equal(t, "alice", created.RiderID)
	assert.Equal(t, int64(927), created.ChargedAmountCents)
	assert.Equal(t, ride.PaymentUnpaid, created.PaymentStatus)
	assert.InDelta(t, 42.3736, created.Pickup.Lat, 1e-9)

	w = s.do(t, http.MethodGet, "/v1/rides/"+created.ID, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decode[ride.Ride](t, w).ID)

	w = s.do(t, http.MethodGet, "/v1/rides/"+created.ID, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "PERMISSION_DENIED", decode[dto.ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodGet, "/v1/rides/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRide_Rejections(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		status int
	}{
		{"missing pickup", func(b map[string]any) { delete(b, "pickup") }, http.StatusBadRequest},
		{"unparseable pickup", func(b map[string]any) { b["pickup"] = "downtown" }, http.StatusBadRequest},
		{"null island dropoff", func(b map[string]any) { b["dropoff"] = []float64{0, 0} }, http.StatusBadRequest},
		{"zero duration", func(b map[string]any) { b["duration_minutes"] = 0 }, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := rideBody()
			tt.mutate(body)
			w := s.do(t, http.MethodPost, "/v1/rides", "alice", body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, "INVALID_ARGUMENT", decode[dto.ErrorResponse](t, w).Code)
		})
	}

	rideList, err := s.store.Rides().Find(context.Background(), store.RideQuery{})
	require.NoError(t, err)
	assert.Empty(t, rideList)
}

func TestQuote(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/quotes", "alice", rideBody())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	q := decode[rides.QuoteResult](t, w)
	assert.Equal(t, int64(927), q.Charge.AmountCents)
	assert.Equal(t, pricing.ReasonPayPerRide, q.Charge.Reason)
}

func TestPaymentFlow(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/rides", "alice", rideBody())
	require.Equal(t, http.StatusCreated, w.Code)
	rideID := decode[ride.Ride](t, w).ID

	w = s.do(t, http.MethodPost, "/v1/rides/"+rideID+"/payment/authorize", "alice",
		map[string]any{"max_tip_cents": 500, "initial_tip_cents": 200.4})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[payment.AuthorizeResult](t, w)
	assert.Equal(t, int64(1427), res.AmountCents)
	assert.Equal(t, ride.PaymentAuthorized, res.PaymentStatus)
	require.NotNil(t, res.Hold)
	assert.Equal(t, int64(200), res.Hold.TipCents)

	w = s.do(t, http.MethodPost, "/v1/rides/"+rideID+"/payment/tip", "alice", map[string]any{"tip_cents": 900})
	assert.Equal(t, http.StatusBadRequest, w.Code, "tip above the authorized max")
	assert.Equal(t, "above_max", decode[dto.ErrorResponse](t, w).Details["result"])

	w = s.do(t, http.MethodPost, "/v1/rides/"+rideID+"/payment/tip", "alice", map[string]any{"tip_cents": 300})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/rides/"+rideID+"/payment/capture", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	hold := decode[domain.Hold](t, w)
	assert.Equal(t, domain.HoldPaid, hold.Status)
	assert.Equal(t, int64(1227), hold.CapturedCents)

	w = s.do(t, http.MethodPost, "/v1/rides/"+rideID+"/payment/authorize", "alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1, s.gw.CallCount("capture"))
}

func TestAuthorize_GatewayDown(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/rides", "alice", rideBody())
	require.Equal(t, http.StatusCreated, w.Code)
	rideID := decode[ride.Ride](t, w).ID

	s.gw.Err = gateway.ErrUnavailable
	w = s.do(t, http.MethodPost, "/v1/rides/"+rideID+"/payment/authorize", "alice", map[string]any{"max_tip_cents": 0})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "UNAVAILABLE", decode[dto.ErrorResponse](t, w).Code)
}

func TestCancelAndRate(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/rides", "alice", rideBody())
	require.Equal(t, http.StatusCreated, w.Code)
	rideID := decode[ride.Ride](t, w).ID

	w = s.do(t, http.MethodPost, "/v1/rides/"+rideID+"/rating", "alice", map[string]any{"stars": 7})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/rides/"+rideID+"/cancel", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/v1/rides/"+rideID+"/cancel", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, ride.StatusCanceledByRider, decode[ride.Ride](t, w).Status)

	w = s.do(t, http.MethodPost, "/v1/rides/"+rideID+"/rating", "alice", map[string]any{"stars": 5})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestJoinRide(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.Members().Put(ctx, &membership.Member{
		UserID: "alice", Plan: membership.PlanUnlimited, Status: membership.StatusActive,
		InstitutionVerified: true, Gender: "female",
	}))
	require.NoError(t, s.store.Members().Put(ctx, &membership.Member{
		UserID: "bob", Plan: membership.PlanUnlimited, Status: membership.StatusActive,
		InstitutionVerified: true, Gender: "female",
	}))

	body := rideBody()
	body["shared"] = true
	w := s.do(t, http.MethodPost, "/v1/rides", "alice", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	host := decode[ride.Ride](t, w)
	s.events.Wait()

	w = s.do(t, http.MethodPost, "/v1/rides/"+host.ID+"/join", "bob", rideBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	joined := decode[ride.Ride](t, w)
	assert.NotEmpty(t, joined.GroupID)
	assert.Equal(t, "bob", joined.RiderID)
	assert.Equal(t, ride.PoolTypeShared, joined.PoolType)

	w = s.do(t, http.MethodPost, "/v1/rides/"+host.ID+"/join", "carol", rideBody())
	assert.Equal(t, http.StatusConflict, w.Code)
}
