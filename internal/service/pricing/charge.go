package pricing

import (
	"math"
	"sync"

	"github.com/gocomet/poolride/internal/domain/membership"
	"github.com/gocomet/poolride/pkg/geo"
)

// Reasons recorded with a ChargeContext
const (
	ReasonPayPerRide      = "pay_per_ride"
	ReasonNoGeofence      = "no_geofence"
	ReasonInactive        = "membership_inactive"
	ReasonInsideGeofence  = "pickup_inside_geofence"
	ReasonOutsideGeofence = "pickup_outside_geofence"
)

// ChargeInput is everything Resolve looks at
type ChargeInput struct {
	Plan             membership.Plan
	MembershipStatus membership.Status
	Pickup           geo.Point
	Dropoff          geo.Point
	TotalCentsHint   float64
	DurationMinutes  float64
}

// ChargeContext is the amount a rider owes and how it was decided. It is
// recomputed per request and never stored on its own.
type ChargeContext struct {
	AmountCents    int64                `json:"amount_cents"`
	BaseFareCents  int64                `json:"base_fare_cents"`
	PickupInside   bool                 `json:"pickup_inside"`
	DropoffInside  bool                 `json:"dropoff_inside"`
	Geofence       *membership.Geofence `json:"geofence,omitempty"`
	SurchargeCents int64                `json:"surcharge_cents"`
	Reason         string               `json:"reason"`
}

// Waived reports whether the membership absorbed the fare
func (c ChargeContext) Waived() bool {
	return c.Reason == ReasonInsideGeofence
}

// Resolver decides what a rider owes for a ride
type Resolver struct {
	fares *Service

	mu      sync.RWMutex
	catalog membership.Catalog
}

// NewResolver creates a resolver over the fare service and plan catalog
func NewResolver(fares *Service, catalog membership.Catalog) *Resolver {
	return &Resolver{fares: fares, catalog: catalog}
}

// ReloadCatalog swaps the plan catalog, e.g. after geofences change
func (r *Resolver) ReloadCatalog(catalog membership.Catalog) {
	r.mu.Lock()
	r.catalog = catalog
	r.mu.Unlock()
}

func (r *Resolver) geofence(plan membership.Plan) *membership.Geofence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog.Geofence(plan)
}

// Resolve computes the charge. Out of coverage, an unlimited member pays the full
// base fare and the whole amount is reported as surcharge.
func (r *Resolver) Resolve(in ChargeInput) ChargeContext {
	fence := r.geofence(in.Plan)

	cc := ChargeContext{
		Geofence:      fence,
		PickupInside:  fence.Contains(in.Pickup),
		DropoffInside: fence.Contains(in.Dropoff),
		BaseFareCents: r.baseFareCents(in),
	}

	switch {
	case !in.Plan.IsUnlimited():
		cc.Reason = ReasonPayPerRide
		cc.AmountCents = cc.BaseFareCents
	case fence == nil:
		cc.Reason = ReasonNoGeofence
		cc.AmountCents = cc.BaseFareCents
	case in.MembershipStatus != membership.StatusActive:
		cc.Reason = ReasonInactive
		cc.AmountCents = cc.BaseFareCents
	case cc.PickupInside:
		cc.Reason = ReasonInsideGeofence
		cc.AmountCents = 0
	default:
		cc.Reason = ReasonOutsideGeofence
		cc.AmountCents = cc.BaseFareCents
		cc.SurchargeCents = cc.BaseFareCents
	}

	if cc.AmountCents < 0 {
		cc.AmountCents = 0
	}
	return cc
}

func (r *Resolver) baseFareCents(in ChargeInput) int64 {
	if hint := in.TotalCentsHint; hint > 0 && !math.IsInf(hint, 0) {
		return int64(math.Round(hint))
	}
	fare, err := r.fares.BasicFare(in.DurationMinutes)
	if err != nil {
		return 0
	}
	return ToCents(fare.Total)
}

// VerifyClientTotal reports whether a client-submitted total agrees with the
// server's amount to within one cent.
func VerifyClientTotal(cc ChargeContext, clientCents int64) bool {
	diff := cc.AmountCents - clientCents
	return diff >= -1 && diff <= 1
}
