package monitoring

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
)

// Config holds New Relic configuration
type Config struct {
	LicenseKey string
	AppName    string
	Enabled    bool
	LogLevel   string
}

// NewRelicApp wraps the New Relic application
type NewRelicApp struct {
	*newrelic.Application
	enabled bool
}

// New creates a new New Relic application
func New(cfg Config) (*NewRelicApp, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		return Disabled(), nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(true),
		newrelic.ConfigDistributedTracerEnabled(true),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to create New Relic application: %w", err)
	}

	return &NewRelicApp{app, true}, nil
}

// Disabled returns an app that drops everything. Used by tests and when no
// license key is configured.
func Disabled() *NewRelicApp {
	return &NewRelicApp{nil, false}
}

func (nr *NewRelicApp) active() bool {
	return nr != nil && nr.enabled && nr.Application != nil
}

// StartTransaction starts a new transaction
func (nr *NewRelicApp) StartTransaction(name string) *newrelic.Transaction {
	if !nr.active() {
		return nil
	}
	return nr.Application.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (nr *NewRelicApp) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if !nr.active() {
		return
	}
	nr.Application.RecordCustomEvent(eventType, params)
}

// RecordCustomMetric records a custom metric
func (nr *NewRelicApp) RecordCustomMetric(name string, value float64) {
	if !nr.active() {
		return
	}
	nr.Application.RecordCustomMetric(name, value)
}

// Shutdown gracefully shuts down the New Relic application
func (nr *NewRelicApp) Shutdown(timeout time.Duration) {
	if !nr.active() {
		return
	}
	nr.Application.Shutdown(timeout)
}

// Custom metric helpers

// RecordRideCreated records ride creation
func (nr *NewRelicApp) RecordRideCreated(plan, poolType string, amountCents int64) {
	nr.RecordCustomEvent("RideCreated", map[string]interface{}{
		"plan":         plan,
		"pool_type":    poolType,
		"amount_cents": amountCents,
		"timestamp":    time.Now().Unix(),
	})
}

// RecordChargeMismatch records a client total that disagreed with the server
func (nr *NewRelicApp) RecordChargeMismatch(rideID string, serverCents, clientCents int64) {
	nr.RecordCustomEvent("ChargeMismatch", map[string]interface{}{
		"ride_id":      rideID,
		"server_cents": serverCents,
		"client_cents": clientCents,
	})
}

// RecordPoolMatched records a committed pairing
func (nr *NewRelicApp) RecordPoolMatched(groupID string, distanceMiles float64, latency time.Duration) {
	nr.RecordCustomEvent("PoolMatched", map[string]interface{}{
		"group_id":       groupID,
		"distance_miles": distanceMiles,
	})
	nr.RecordCustomMetric("custom/pool/matching_latency_ms", float64(latency.Milliseconds()))
}

// RecordMatchAbandoned records a match attempt that lost its race
func (nr *NewRelicApp) RecordMatchAbandoned(reason string) {
	nr.RecordCustomMetric(fmt.Sprintf("custom/pool/abandoned/%s", reason), 1)
}

// RecordHoldAuthorized records a new authorization hold
func (nr *NewRelicApp) RecordHoldAuthorized(rideID string, authorizedCents int64, status string) {
	nr.RecordCustomEvent("PaymentHoldAuthorized", map[string]interface{}{
		"ride_id":          rideID,
		"authorized_cents": authorizedCents,
		"status":           status,
	})
}

// RecordPaymentCaptured records payment capture
func (nr *NewRelicApp) RecordPaymentCaptured(rideID string, capturedCents, tipCents int64) {
	nr.RecordCustomEvent("PaymentCaptured", map[string]interface{}{
		"ride_id":        rideID,
		"captured_cents": capturedCents,
		"tip_cents":      tipCents,
	})
}

// RecordDatabasePoolStats records database connection pool statistics
func (nr *NewRelicApp) RecordDatabasePoolStats(stats sql.DBStats) {
	nr.RecordCustomMetric("custom/db/open_connections", float64(stats.OpenConnections))
	nr.RecordCustomMetric("custom/db/in_use", float64(stats.InUse))
	nr.RecordCustomMetric("custom/db/idle", float64(stats.Idle))
}

// RecordRedisPoolStats records Redis pool statistics
func (nr *NewRelicApp) RecordRedisPoolStats(stats map[string]interface{}) {
	if hits, ok := stats["hits"].(uint32); ok {
		nr.RecordCustomMetric("custom/redis/cache_hits", float64(hits))
	}
	if misses, ok := stats["misses"].(uint32); ok {
		nr.RecordCustomMetric("custom/redis/cache_misses", float64(misses))
	}
	if timeouts, ok := stats["timeouts"].(uint32); ok {
		nr.RecordCustomMetric("custom/redis/timeouts", float64(timeouts))
	}
}

// IsEnabled returns whether New Relic is enabled
func (nr *NewRelicApp) IsEnabled() bool {
	return nr.active()
}
