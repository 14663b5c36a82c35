package membership

import (
	"strings"
	"time"

	"github.com/gocomet/poolride/pkg/geo"
)

// Plan identifies a membership tier
type Plan string

const (
	PlanBasic         Plan = "basic"
	PlanUnlimited     Plan = "unlimited"
	PlanUnlimitedPlus Plan = "unlimited_plus"
)

// IsValid validates the plan
func (p Plan) IsValid() bool {
	switch p {
	case PlanBasic, PlanUnlimited, PlanUnlimitedPlus:
		return true
	}
	return false
}

// IsUnlimited reports whether the plan waives fares inside its geofence
func (p Plan) IsUnlimited() bool {
	return p == PlanUnlimited || p == PlanUnlimitedPlus
}

// PoolingEligible reports whether rides on this plan may be auto-pooled
func (p Plan) PoolingEligible() bool {
	return p == PlanUnlimited
}

// legacyPlanLabels maps every label older clients and records have used to a Plan.
// Only consulted at the API and persistence boundary.
var legacyPlanLabels = map[string]Plan{
	"basic":             PlanBasic,
	"pay_per_ride":      PlanBasic,
	"pay-per-ride":      PlanBasic,
	"payperride":        PlanBasic,
	"payg":              PlanBasic,
	"pay_as_you_go":     PlanBasic,
	"free":              PlanBasic,
	"none":              PlanBasic,
	"unlimited":         PlanUnlimited,
	"unlimited_student": PlanUnlimited,
	"student_unlimited": PlanUnlimited,
	"student":           PlanUnlimited,
	"campus":            PlanUnlimited,
	"campus_unlimited":  PlanUnlimited,
	"unlimited_plus":    PlanUnlimitedPlus,
	"unlimited-plus":    PlanUnlimitedPlus,
	"unlimitedplus":     PlanUnlimitedPlus,
	"unlimited+":        PlanUnlimitedPlus,
	"premium_unlimited": PlanUnlimitedPlus,
	"city_unlimited":    PlanUnlimitedPlus,
}

// ParsePlan translates a legacy or canonical plan label into a Plan
func ParsePlan(label string) (Plan, bool) {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.ReplaceAll(key, " ", "_")
	p, ok := legacyPlanLabels[key]
	return p, ok
}

// Status of a rider's membership
type Status string

const (
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusExpired  Status = "expired"
	StatusCanceled Status = "canceled"
)

// Geofence is a circular coverage region bound to an unlimited plan
type Geofence struct {
	Name        string    `json:"name"`
	Center      geo.Point `json:"center"`
	RadiusMiles float64   `json:"radius_miles"`
}

// Contains reports whether p is inside the fence
func (g *Geofence) Contains(p geo.Point) bool {
	if g == nil {
		return false
	}
	return geo.IsInside(p, g.Center, g.RadiusMiles)
}

// PlanInfo is immutable reference data for a plan
type PlanInfo struct {
	Plan       Plan          `json:"plan"`
	PriceCents int64         `json:"price_cents"`
	Currency   string        `json:"currency"`
	Validity   time.Duration `json:"validity"`
	Geofence   *Geofence     `json:"geofence,omitempty"`
}

// Catalog holds the reference data for every plan
type Catalog map[Plan]PlanInfo

// Geofence returns the fence bound to plan, if any
func (c Catalog) Geofence(plan Plan) *Geofence {
	info, ok := c[plan]
	if !ok {
		return nil
	}
	return info.Geofence
}

// Member is a rider's membership record
type Member struct {
	UserID              string    `json:"user_id"`
	Plan                Plan      `json:"plan"`
	Status              Status    `json:"status"`
	ExpiresAt           time.Time `json:"expires_at"`
	InstitutionVerified bool      `json:"institution_verified"`
	Gender              string    `json:"gender,omitempty"`
	HomeCity            string    `json:"home_city,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// EffectiveStatus reports the status as of now; active memberships past their
// expiry read as expired.
func (m *Member) EffectiveStatus(now time.Time) Status {
	if m == nil {
		return StatusExpired
	}
	if m.Status == StatusActive && !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt) {
		return StatusExpired
	}
	return m.Status
}

// Guest is the membership assumed for riders without a record
func Guest(userID string) *Member {
	return &Member{UserID: userID, Plan: PlanBasic, Status: StatusActive}
}

// NewCatalog builds the plan catalog. Each unlimited tier gets its own fence; a
// fence with a non-positive radius leaves the plan without coverage.
func NewCatalog(currency string, unlimited, unlimitedPlus Geofence) Catalog {
	fence := func(g Geofence) *Geofence {
		if g.RadiusMiles <= 0 || !g.Center.Valid() {
			return nil
		}
		return &g
	}
	return Catalog{
		PlanBasic: {
			Plan:     PlanBasic,
			Currency: currency,
		},
		PlanUnlimited: {
			Plan:       PlanUnlimited,
			PriceCents: 9900,
			Currency:   currency,
			Validity:   30 * 24 * time.Hour,
			Geofence:   fence(unlimited),
		},
		PlanUnlimitedPlus: {
			Plan:       PlanUnlimitedPlus,
			PriceCents: 14900,
			Currency:   currency,
			Validity:   30 * 24 * time.Hour,
			Geofence:   fence(unlimitedPlus),
		},
	}
}
