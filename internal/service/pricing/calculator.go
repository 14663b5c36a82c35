package pricing

import (
	"math"
	"sync"

	"github.com/gocomet/poolride/internal/domain/membership"
	"github.com/gocomet/poolride/internal/domain/ride"
	apperrors "github.com/gocomet/poolride/pkg/errors"
)

// Fare labels shown to riders
const (
	LabelPayPerRide      = "Pay per ride"
	LabelIncluded        = "Included in membership"
	LabelOutsideCoverage = "Outside membership coverage"
)

// Service handles fare calculation
type Service struct {
	mu     sync.RWMutex
	config Config
}

// Config holds pricing configuration. Amounts are dollars.
type Config struct {
	RatePerMinute  float64
	PlatformFee    float64
	PerRideFee     float64
	ProcessingRate float64
	MinMinutes     float64
	MaxMinutes     float64
}

// DefaultConfig returns the standard metered rates
func DefaultConfig() Config {
	return Config{
		RatePerMinute:  0.6,
		PlatformFee:    1.5,
		PerRideFee:     1.5,
		ProcessingRate: 0.03,
		MinMinutes:     1,
		MaxMinutes:     600,
	}
}

// NewService creates a new pricing service
func NewService(config Config) *Service {
	return &Service{config: config}
}

// Reload swaps in new rates for subsequent calculations
func (s *Service) Reload(config Config) {
	s.mu.Lock()
	s.config = config
	s.mu.Unlock()
}

// Config returns the rates currently in effect
func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// BasicFare computes the metered fare for a ride of the given length
func (s *Service) BasicFare(minutes float64) (ride.FareBreakdown, error) {
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) || minutes <= 0 {
		return ride.FareBreakdown{}, apperrors.ErrInvalidDuration
	}
	cfg := s.Config()

	minutes = math.Max(cfg.MinMinutes, math.Min(cfg.MaxMinutes, minutes))
	subtotal := minutes*cfg.RatePerMinute + cfg.PlatformFee + cfg.PerRideFee
	processingFee := subtotal * cfg.ProcessingRate

	return ride.FareBreakdown{
		Label:         LabelPayPerRide,
		Minutes:       minutes,
		Subtotal:      roundCents(subtotal),
		ProcessingFee: roundCents(processingFee),
		Total:         roundCents(subtotal + processingFee),
	}, nil
}

// FareForPlan applies the plan's waiver. Unlimited plans ride free when covered
// and pay the metered fare otherwise.
func (s *Service) FareForPlan(plan membership.Plan, minutes float64, covered bool) (ride.FareBreakdown, error) {
	if plan.IsUnlimited() && covered {
		return ride.FareBreakdown{Label: LabelIncluded}, nil
	}

	fare, err := s.BasicFare(minutes)
	if err != nil {
		return ride.FareBreakdown{}, err
	}
	if plan.IsUnlimited() {
		fare.Label = LabelOutsideCoverage
	}
	return fare, nil
}

// ToCents converts dollars to cents, rounding to the nearest cent
func ToCents(dollars float64) int64 {
	if math.IsNaN(dollars) || math.IsInf(dollars, 0) {
		return 0
	}
	return int64(math.Round(dollars * 100))
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
