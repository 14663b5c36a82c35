package payment

import (
	"time"
)

// HoldStatus is the state of an authorization hold
type HoldStatus string

const (
	HoldPreauthPending  HoldStatus = "preauth_pending"
	HoldRequiresCapture HoldStatus = "requires_capture"
	HoldPaid            HoldStatus = "paid"
	HoldCanceled        HoldStatus = "canceled"
)

// IsOpen reports whether the hold still reserves funds
func (s HoldStatus) IsOpen() bool {
	return s == HoldPreauthPending || s == HoldRequiresCapture
}

// Hold is the in-flight authorization tied to one ride
type Hold struct {
	ID              string     `json:"id"`
	RideID          string     `json:"ride_id"`
	RiderID         string     `json:"rider_id"`
	GatewayID       string     `json:"gateway_id,omitempty"`
	ClientSecret    string     `json:"client_secret,omitempty"`
	Currency        string     `json:"currency"`
	BaseFareCents   int64      `json:"base_fare_cents"`
	MaxTipCents     int64      `json:"max_tip_cents"`
	InitialTipCents int64      `json:"initial_tip_cents"`
	TipCents        int64      `json:"tip_cents"`
	AuthorizedCents int64      `json:"authorized_cents"`
	CapturedCents   int64      `json:"captured_cents"`
	Status          HoldStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int64      `json:"-"`
}

// Clone returns an independent copy
func (h *Hold) Clone() *Hold {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// CanTransition enforces preauth_pending -> requires_capture -> paid, with cancel
// allowed from any open state.
func (h *Hold) CanTransition(to HoldStatus) bool {
	switch to {
	case HoldRequiresCapture:
		return h.Status == HoldPreauthPending
	case HoldPaid:
		return h.Status == HoldRequiresCapture
	case HoldCanceled:
		return h.Status.IsOpen()
	}
	return false
}

// LedgerKind classifies an audit ledger entry
type LedgerKind string

const (
	LedgerChargeResolved LedgerKind = "charge_resolved"
	LedgerCaptured       LedgerKind = "captured"
	LedgerHoldCanceled   LedgerKind = "hold_canceled"
	LedgerPooled         LedgerKind = "pooled"
)

// LedgerEntry is an audit record keyed by (RideID, Kind). Writing the same key
// twice keeps the first write.
type LedgerEntry struct {
	RideID         string            `json:"ride_id"`
	Kind           LedgerKind        `json:"kind"`
	AmountCents    int64             `json:"amount_cents"`
	SurchargeCents int64             `json:"surcharge_cents"`
	Detail         map[string]string `json:"detail,omitempty"`
	RecordedAt     time.Time         `json:"recorded_at"`
}

// Key is the idempotency key of the entry
func (e LedgerEntry) Key() string {
	return e.RideID + ":" + string(e.Kind)
}
