package pooling

import (
	"strings"

	"github.com/gocomet/poolride/internal/domain/ride"
)

// IsPoolEligible reports whether r may be paired automatically
func IsPoolEligible(r *ride.Ride) bool {
	if r == nil {
		return false
	}
	if !r.Plan.PoolingEligible() || !r.InstitutionVerified {
		return false
	}
	if r.PoolType != ride.PoolTypeShared || r.CurrentRiderCount != 1 {
		return false
	}
	if !r.Pickup.Valid() {
		return false
	}
	_, ok := ride.NormalizeGender(string(r.Gender))
	return ok
}

// GenderCompatible is true only when both values normalize to the same member of
// the two-value set. Unset or foreign values never match, not even each other.
func GenderCompatible(a, b string) bool {
	ga, ok := ride.NormalizeGender(a)
	if !ok {
		return false
	}
	gb, ok := ride.NormalizeGender(b)
	return ok && ga == gb
}

// AvailableForPooling reports whether r is still open: no driver, no group and a
// pending status.
func AvailableForPooling(r *ride.Ride) bool {
	return r != nil && !r.HasDriver() && !r.IsGrouped() && r.Status.IsPending()
}

// SameServiceArea compares home-city labels; two unset labels match.
func SameServiceArea(a, b *ride.Ride) bool {
	return strings.EqualFold(strings.TrimSpace(a.HomeCity), strings.TrimSpace(b.HomeCity))
}

// compatible runs every pairwise check used both to pick a candidate and to
// re-validate it inside the pairing transaction.
func compatible(n, c *ride.Ride) bool {
	return n.ID != c.ID &&
		n.RiderID != c.RiderID &&
		AvailableForPooling(n) && AvailableForPooling(c) &&
		IsPoolEligible(n) && IsPoolEligible(c) &&
		GenderCompatible(string(c.Gender), string(n.Gender)) &&
		SameServiceArea(n, c)
}
