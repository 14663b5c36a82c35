package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Fake is an in-memory Gateway for tests
type Fake struct {
	mu      sync.Mutex
	seq     int
	auths   map[string]*Authorization
	capture map[string]*Authorization

	// CreateStatus is the status new authorizations start in
	CreateStatus Status

	// Err, when set, is returned by the next call and then cleared
	Err error

	Calls []string
}

var _ Gateway = (*Fake)(nil)

// NewFake returns a gateway whose authorizations go straight to requires_capture
func NewFake() *Fake {
	return &Fake{
		auths:        make(map[string]*Authorization),
		capture:      make(map[string]*Authorization),
		CreateStatus: StatusRequiresCapture,
	}
}

func (f *Fake) fail(call string) error {
	f.Calls = append(f.Calls, call)
	if err := f.Err; err != nil {
		f.Err = nil
		return err
	}
	return nil
}

func (f *Fake) CreateAuthorization(_ context.Context, p CreateParams) (*Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("create"); err != nil {
		return nil, err
	}
	f.seq++
	a := &Authorization{
		ID:           fmt.Sprintf("pi_fake_%d", f.seq),
		ClientSecret: fmt.Sprintf("pi_fake_%d_secret", f.seq),
		Status:       f.CreateStatus,
		AmountCents:  p.AmountCents,
		Currency:     p.Currency,
	}
	f.auths[a.ID] = a
	cp := *a
	return &cp, nil
}

func (f *Fake) Retrieve(_ context.Context, id string) (*Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("retrieve"); err != nil {
		return nil, err
	}
	a, ok := f.auths[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %s", ErrDeclined, id)
	}
	cp := *a
	return &cp, nil
}

// SetStatus moves an authorization, e.g. after simulated client confirmation
func (f *Fake) SetStatus(id string, s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.auths[id]; ok {
		a.Status = s
	}
}

func (f *Fake) Cancel(_ context.Context, id string) (*Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("cancel"); err != nil {
		return nil, err
	}
	a, ok := f.auths[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %s", ErrDeclined, id)
	}
	if a.Status == StatusSucceeded {
		return nil, fmt.Errorf("%w: payment intent %s already captured", ErrDeclined, id)
	}
	a.Status = StatusCanceled
	cp := *a
	return &cp, nil
}

func (f *Fake) Capture(_ context.Context, id string, amountCents int64, idempotencyKey string) (*Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("capture"); err != nil {
		return nil, err
	}
	if prev, ok := f.capture[idempotencyKey]; ok && idempotencyKey != "" {
		cp := *prev
		return &cp, nil
	}
	a, ok := f.auths[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %s", ErrDeclined, id)
	}
	if a.Status != StatusRequiresCapture {
		return nil, fmt.Errorf("%w: payment intent %s is %s", ErrDeclined, id, a.Status)
	}
	if amountCents > a.AmountCents {
		return nil, fmt.Errorf("%w: amount to capture exceeds authorization", ErrDeclined)
	}
	a.Status = StatusSucceeded
	a.CapturedCents = amountCents
	cp := *a
	if idempotencyKey != "" {
		f.capture[idempotencyKey] = &cp
	}
	out := cp
	return &out, nil
}

// CallCount returns how many times call was made
func (f *Fake) CallCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == call {
			n++
		}
	}
	return n
}

// Live returns the ids of authorizations that still reserve funds
func (f *Fake) Live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, a := range f.auths {
		if a.Status != StatusCanceled && a.Status != StatusSucceeded {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
