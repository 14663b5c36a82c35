package routes

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/gocomet/poolride/internal/api/handlers"
	"github.com/gocomet/poolride/internal/api/middleware"
	"github.com/gocomet/poolride/pkg/auth"
	"github.com/gocomet/poolride/pkg/logger"
)

// Options wires the optional parts of the HTTP stack. A nil Idempotency or
// Limiter disables that middleware.
type Options struct {
	Verifier    auth.Verifier
	NewRelic    *newrelic.Application
	Idempotency middleware.IdempotencyStore
	Limiter     middleware.Limiter
	// requests per minute, per caller and route
	RideLimit    int
	GeneralLimit int
	Logger       *logger.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, opts Options) {
	// Add New Relic middleware if enabled
	if opts.NewRelic != nil {
		r.Use(nrgin.Middleware(opts.NewRelic))
	}
	r.Use(middleware.RequestLogger(opts.Logger))

	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	v1.Use(middleware.Auth(opts.Verifier, opts.Logger))
	if opts.Limiter != nil {
		v1.Use(middleware.RateLimit(opts.Limiter, "general", opts.GeneralLimit, time.Minute, opts.Logger))
	}
	if opts.Idempotency != nil {
		v1.Use(middleware.Idempotency(opts.Idempotency, opts.Logger))
	}
	{
		v1.GET("/ws", h.HandleWebSocket)
		v1.POST("/quotes", h.QuoteRide)

		rides := v1.Group("/rides")
		{
			create := []gin.HandlerFunc{h.CreateRide}
			if opts.Limiter != nil {
				create = append([]gin.HandlerFunc{rideLimit(opts)}, create...)
			}
			rides.POST("", create...)
			rides.GET("/:id", h.GetRide)
			rides.POST("/:id/join", h.JoinRide)
			rides.POST("/:id/cancel", h.CancelRide)
			rides.POST("/:id/rating", h.RateRide)

			rides.POST("/:id/payment/authorize", h.AuthorizePayment)
			rides.POST("/:id/payment/tip", h.UpdateTip)
			rides.POST("/:id/payment/capture", h.CapturePayment)
		}

		v1.POST("/payments/holds/:id/sync", h.SyncHold)
	}
}

func rideLimit(opts Options) gin.HandlerFunc {
	return middleware.RateLimit(opts.Limiter, "rides", opts.RideLimit, time.Minute, opts.Logger)
}
