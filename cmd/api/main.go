package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/gocomet/poolride/internal/api/handlers"
	"github.com/gocomet/poolride/internal/api/routes"
	"github.com/gocomet/poolride/internal/config"
	"github.com/gocomet/poolride/internal/events"
	"github.com/gocomet/poolride/internal/service/ledger"
	"github.com/gocomet/poolride/internal/service/payment"
	"github.com/gocomet/poolride/internal/service/pooling"
	"github.com/gocomet/poolride/internal/service/pricing"
	"github.com/gocomet/poolride/internal/service/rides"
	"github.com/gocomet/poolride/pkg/cache"
	"github.com/gocomet/poolride/pkg/clock"
	"github.com/gocomet/poolride/pkg/codes"
	"github.com/gocomet/poolride/pkg/gateway"
	"github.com/gocomet/poolride/pkg/logger"
	"github.com/gocomet/poolride/pkg/monitoring"
	"github.com/gocomet/poolride/pkg/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  cfg.Log.Output,
		Service: "poolride",
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting poolride",
		logger.String("env", cfg.Server.Env),
		logger.String("port", cfg.Server.Port),
		logger.String("db_driver", cfg.Database.Driver),
		logger.String("events_driver", cfg.Events.Driver),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize New Relic
	nrApp, err := monitoring.New(monitoring.Config{
		LicenseKey: cfg.NewRelic.LicenseKey,
		AppName:    cfg.NewRelic.AppName,
		Enabled:    cfg.NewRelic.Enabled,
		LogLevel:   cfg.NewRelic.LogLevel,
	})
	if err != nil {
		appLogger.Warn("Failed to initialize New Relic", logger.Err(err))
		nrApp = monitoring.Disabled()
	} else if nrApp.IsEnabled() {
		appLogger.Info("New Relic APM initialized", logger.String("app_name", cfg.NewRelic.AppName))
	}
	defer nrApp.Shutdown(10 * time.Second)

	// Record store
	recordStore, db, err := openStore(ctx, cfg, nrApp, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to open record store", logger.Err(err))
	}
	defer recordStore.Close()

	// Redis backs idempotency and rate limiting only
	redisClient, err := openRedis(cfg)
	if err != nil {
		appLogger.Warn("Redis unavailable; idempotency and rate limiting disabled", logger.Err(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer cache.Close(redisClient)
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize token verifier", logger.Err(err))
	}

	// WebSocket hub
	wsHub := websocket.NewHub(appLogger)
	defer wsHub.Close()
	var notifier interface {
		NotifyRider(userID, event string, data any)
	} = wsHub
	if !cfg.Features.EnableRealTimeUpdates {
		notifier = silent{}
	}

	// Ledger side channel
	ledgerWriter := ledger.NewWriter(recordStore.Ledger(), appLogger, ledgerConfig(cfg))
	// drained on shutdown, after the request context is gone
	ledgerWriter.Start(context.Background())
	defer ledgerWriter.Stop()

	clk := clock.System{}
	stripe := gateway.NewStripe(stripeConfig(cfg))
	fares := pricing.NewService(pricingConfig(cfg))
	resolver := pricing.NewResolver(fares, catalog(cfg))
	matcher := pooling.NewMatcher(recordStore, clk, codes.NewRandom(4), notifier, ledgerWriter,
		nrApp, appLogger, poolingConfig(cfg))
	payments := payment.NewService(recordStore, stripe, clk, notifier, ledgerWriter,
		nrApp, appLogger, paymentConfig(cfg))

	// ride.created trigger
	var publisher rides.Publisher
	var broker *events.AMQP
	switch {
	case !cfg.Features.EnableAutoMatching:
		appLogger.Info("Automatic pool matching disabled")
	case cfg.Events.Driver == "amqp":
		broker, err = events.DialAMQP(ctx, events.AMQPConfig{
			URL:             cfg.Events.AMQPURL,
			Exchange:        cfg.Events.Exchange,
			Queue:           cfg.Events.Queue,
			Prefetch:        cfg.Events.Prefetch,
			ConnectAttempts: 5,
			HandlerTimeout:  cfg.Events.HandlerTimeout,
		}, appLogger)
		if err != nil {
			appLogger.Fatal("Failed to connect to RabbitMQ", logger.Err(err))
		}
		if err := broker.Consume(ctx, matcher); err != nil {
			appLogger.Fatal("Failed to consume ride events", logger.Err(err))
		}
		publisher = broker
	default:
		local := events.NewLocal(matcher, cfg.Events.HandlerTimeout)
		defer local.Wait()
		publisher = local
	}

	rideService := rides.NewService(rides.Deps{
		Store:     recordStore,
		Fares:     fares,
		Resolver:  resolver,
		Clock:     clk,
		Publisher: publisher,
		Pooler:    matcher,
		Payments:  payments,
		Notifier:  notifier,
		Ledger:    ledgerWriter,
		Metrics:   nrApp,
		Logger:    appLogger,
	}, ridesConfig(cfg))

	// Initialize Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	h := handlers.NewHandlers(rideService, payments, wsHub, appLogger,
		cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize)
	opts := routes.Options{
		Verifier:     verifier,
		RideLimit:    cfg.RateLimit.RideRequestsPerMinute,
		GeneralLimit: cfg.RateLimit.GeneralPerMinute,
		Logger:       appLogger,
	}
	if nrApp.IsEnabled() {
		opts.NewRelic = nrApp.Application
	}
	if redisClient != nil && cfg.Features.EnableIdempotency {
		opts.Idempotency = cache.NewIdempotency(redisClient, cfg.Cache.TTLIdempotency)
	}
	if redisClient != nil && cfg.Features.EnableRateLimit {
		opts.Limiter = cache.NewRateLimiter(redisClient)
	}
	routes.SetupRoutes(router, h, opts)

	go reportPoolStats(ctx, nrApp, db, redisClient)

	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		appLogger.Info("Server starting", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig != syscall.SIGHUP {
			break
		}
		next, err := config.Reload()
		if err != nil {
			appLogger.Error("Config reload rejected", logger.Err(err))
			continue
		}
		stripe.Reload(stripeConfig(next))
		fares.Reload(pricingConfig(next))
		resolver.ReloadCatalog(catalog(next))
		matcher.Reload(poolingConfig(next))
		payments.Reload(paymentConfig(next))
		rideService.Reload(ridesConfig(next))
		appLogger.Info("Configuration reloaded")
	}

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", logger.Err(err))
	}

	stop()
	if broker != nil {
		if err := broker.Close(); err != nil {
			appLogger.Warn("Failed to close RabbitMQ connection", logger.Err(err))
		}
	}

	appLogger.Info("Server stopped gracefully")
}

// silent drops rider notifications when real-time updates are off
type silent struct{}

func (silent) NotifyRider(string, string, any) {}

func reportPoolStats(ctx context.Context, nrApp *monitoring.NewRelicApp, db *sql.DB, redisClient *redis.Client) {
	if !nrApp.IsEnabled() {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				nrApp.RecordDatabasePoolStats(db.Stats())
			}
			if redisClient != nil {
				nrApp.RecordRedisPoolStats(cache.GetClientStats(redisClient))
			}
		}
	}
}
