package payment

import (
	"math"
)

// HardTipCeilingCents caps every tip regardless of configuration
const HardTipCeilingCents int64 = 10000

// TipBounds is the configured range of rider-selectable tips, in cents
type TipBounds struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// DefaultTipBounds allows tips up to $12
func DefaultTipBounds() TipBounds {
	return TipBounds{Min: 0, Max: 1200}
}

// Effective resolves the bounds actually enforced: the ceiling never exceeds the
// hard cap and the floor never exceeds the ceiling.
func (b TipBounds) Effective() TipBounds {
	hi := b.Max
	if hi > HardTipCeilingCents {
		hi = HardTipCeilingCents
	}
	if hi < 0 {
		hi = 0
	}
	lo := b.Min
	if lo < 0 {
		lo = 0
	}
	if lo > hi {
		lo = hi
	}
	return TipBounds{Min: lo, Max: hi}
}

// TipResult classifies a tip against its bounds
type TipResult string

const (
	TipOK       TipResult = "ok"
	TipBelowMin TipResult = "below_min"
	TipAboveMax TipResult = "above_max"
)

// TipValidation carries the sanitized value and resolved bounds for messaging
type TipValidation struct {
	Result TipResult `json:"result"`
	Value  int64     `json:"value"`
	Bounds TipBounds `json:"bounds"`
}

// OK reports whether the tip is acceptable as is
func (v TipValidation) OK() bool {
	return v.Result == TipOK
}

// SanitizeCents turns a client-supplied amount into non-negative whole cents,
// capped at the hard tip ceiling.
func SanitizeCents(v float64) int64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= float64(HardTipCeilingCents) {
		return HardTipCeilingCents
	}
	return sanitize(int64(math.Round(v)))
}

func sanitize(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > HardTipCeilingCents {
		return HardTipCeilingCents
	}
	return v
}

// ClampTip forces value into the effective bounds
func ClampTip(value int64, bounds TipBounds) int64 {
	b := bounds.Effective()
	v := sanitize(value)
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// ValidateTip classifies value without changing it beyond sanitizing
func ValidateTip(value int64, bounds TipBounds) TipValidation {
	b := bounds.Effective()
	v := sanitize(value)
	out := TipValidation{Result: TipOK, Value: v, Bounds: b}
	switch {
	case v < b.Min:
		out.Result = TipBelowMin
	case v > b.Max:
		out.Result = TipAboveMax
	}
	return out
}

// HoldAmount sizes an authorization to cover the fare plus the largest tip the
// rider may still choose.
func HoldAmount(fareCents, maxTipCents int64, bounds TipBounds) int64 {
	if fareCents < 0 {
		fareCents = 0
	}
	return fareCents + ClampTip(maxTipCents, bounds)
}
