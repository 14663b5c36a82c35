package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gocomet/poolride/internal/config"
	"github.com/gocomet/poolride/internal/domain/membership"
	"github.com/gocomet/poolride/internal/service/ledger"
	"github.com/gocomet/poolride/internal/service/payment"
	"github.com/gocomet/poolride/internal/service/pooling"
	"github.com/gocomet/poolride/internal/service/pricing"
	"github.com/gocomet/poolride/internal/service/rides"
	"github.com/gocomet/poolride/internal/store"
	"github.com/gocomet/poolride/internal/store/memory"
	"github.com/gocomet/poolride/internal/store/postgres"
	"github.com/gocomet/poolride/pkg/auth"
	"github.com/gocomet/poolride/pkg/cache"
	"github.com/gocomet/poolride/pkg/database"
	"github.com/gocomet/poolride/pkg/gateway"
	"github.com/gocomet/poolride/pkg/geo"
	"github.com/gocomet/poolride/pkg/logger"
	"github.com/gocomet/poolride/pkg/monitoring"
)

// openStore returns the record store and, for postgres, its connection pool
func openStore(ctx context.Context, cfg *config.Config, nrApp *monitoring.NewRelicApp, log *logger.Logger) (store.Store, *sql.DB, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("Using in-memory record store; data is lost on restart")
		return memory.New(), nil, nil
	}

	db, err := database.NewPostgresDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConnections,
		MaxIdle:  cfg.Database.MaxIdleConns,
		Traced:   nrApp.IsEnabled(),
	})
	if err != nil {
		return nil, nil, err
	}

	s := postgres.New(db)
	if cfg.Database.Migrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return s, db, nil
}

func openRedis(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	return cache.NewRedisClient(cache.Config{
		Host:        cfg.Redis.Host,
		Port:        cfg.Redis.Port,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		MaxRetries:  cfg.Redis.MaxRetries,
		PoolSize:    cfg.Redis.PoolSize,
		MinIdleConn: cfg.Redis.MinIdleConn,
		DialTimeout: cfg.Redis.DialTimeout,
		ReadTimeout: cfg.Redis.ReadTimeout,
	})
}

func newVerifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	if cfg.Auth.Mode == "firebase" {
		return auth.NewFirebase(ctx, auth.FirebaseConfig{
			ProjectID:       cfg.Auth.FirebaseProjectID,
			CredentialsFile: cfg.Auth.FirebaseCredentialsFile,
		})
	}
	return auth.NewJWT(auth.JWTConfig{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.JWTIssuer,
		TTL:    cfg.Auth.JWTExpiry,
	}), nil
}

func stripeConfig(cfg *config.Config) gateway.StripeConfig {
	return gateway.StripeConfig{SecretKey: cfg.Payment.StripeSecretKey, Currency: cfg.Payment.Currency}
}

func pricingConfig(cfg *config.Config) pricing.Config {
	return pricing.Config{
		RatePerMinute:  cfg.Pricing.RatePerMinute,
		PlatformFee:    cfg.Pricing.PlatformFee,
		PerRideFee:     cfg.Pricing.PerRideFee,
		ProcessingRate: cfg.Pricing.ProcessingRate,
		MinMinutes:     cfg.Pricing.MinMinutes,
		MaxMinutes:     cfg.Pricing.MaxMinutes,
	}
}

func catalog(cfg *config.Config) membership.Catalog {
	return membership.NewCatalog(cfg.Payment.Currency, fence(cfg.Geofences.Unlimited), fence(cfg.Geofences.UnlimitedPlus))
}

func fence(f config.Fence) membership.Geofence {
	return membership.Geofence{Name: f.Name, Center: geo.Point{Lat: f.Lat, Lng: f.Lng}, RadiusMiles: f.RadiusMiles}
}

func poolingConfig(cfg *config.Config) pooling.Config {
	return pooling.Config{
		Lookback:         cfg.Pooling.Lookback,
		Window:           cfg.Pooling.Window,
		MaxDistanceMiles: cfg.Pooling.MaxDistanceMiles,
		JoinAttempts:     cfg.Pooling.JoinAttempts,
	}
}

func paymentConfig(cfg *config.Config) payment.Config {
	c := payment.DefaultConfig()
	c.Currency = cfg.Payment.Currency
	c.Tips = payment.TipBounds{Min: cfg.Tips.MinCents, Max: cfg.Tips.MaxCents}
	return c
}

func ridesConfig(cfg *config.Config) rides.Config {
	c := rides.DefaultConfig()
	c.PoolCapacity = cfg.Pooling.Capacity
	return c
}

func ledgerConfig(cfg *config.Config) ledger.Config {
	return ledger.Config{
		Buffer:   cfg.Ledger.Buffer,
		Workers:  cfg.Ledger.Workers,
		Attempts: cfg.Ledger.Attempts,
		Backoff:  cfg.Ledger.Backoff,
	}
}
