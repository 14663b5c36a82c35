// Package memory is an in-process record store with optimistic transactions.
// Every record carries a version; a transaction remembers the version of each
// record it reads and stages its writes, and commit applies them only if all of
// those versions are unchanged.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gocomet/poolride/internal/domain/membership"
	"github.com/gocomet/poolride/internal/domain/payment"
	"github.com/gocomet/poolride/internal/domain/ride"
	"github.com/gocomet/poolride/internal/store"
)

const (
	ridePrefix   = "rides/"
	holdPrefix   = "holds/"
	memberPrefix = "members/"
)

// blind marks a staged write that skips the version check (membership upserts)
const blind = -1

type row struct {
	version int64
	value   any
}

// Store keeps every record in maps guarded by one mutex
type Store struct {
	mu     sync.RWMutex
	rows   map[string]row
	ledger map[string]payment.LedgerEntry
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		rows:   make(map[string]row),
		ledger: make(map[string]payment.LedgerEntry),
	}
}

func (s *Store) Rides() store.RideRepository     { return rideRepo{view{s: s}} }
func (s *Store) Holds() store.HoldRepository     { return holdRepo{view{s: s}} }
func (s *Store) Members() store.MemberRepository { return memberRepo{view{s: s}} }
func (s *Store) Ledger() store.LedgerRepository  { return ledgerRepo{view{s: s}} }

// Close is a no-op
func (s *Store) Close() error { return nil }

// RunInTx runs fn against a private view and commits its staged writes if every
// record it read is still at the version it saw.
func (s *Store) RunInTx(ctx context.Context, fn store.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &txn{
		reads:  make(map[string]int64),
		writes: make(map[string]*staged),
	}
	if err := fn(ctx, txRepos{view{s: s, tx: t}}); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) commit(t *txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, seen := range t.reads {
		if s.rows[key].version != seen {
			return store.ErrConflict
		}
	}
	for key, w := range t.writes {
		if w.expect != blind && s.rows[key].version != w.expect {
			return store.ErrConflict
		}
	}
	for key, w := range t.writes {
		s.rows[key] = row{version: s.rows[key].version + 1, value: w.value}
	}
	for _, e := range t.ledger {
		if _, ok := s.ledger[e.Key()]; !ok {
			s.ledger[e.Key()] = e
		}
	}
	return nil
}

type staged struct {
	expect int64
	value  any
}

type txn struct {
	reads  map[string]int64
	writes map[string]*staged
	ledger []payment.LedgerEntry
}

// view reads and writes either straight through to the store or through a txn
type view struct {
	s  *Store
	tx *txn
}

type txRepos struct{ v view }

func (r txRepos) Rides() store.RideRepository     { return rideRepo{r.v} }
func (r txRepos) Holds() store.HoldRepository     { return holdRepo{r.v} }
func (r txRepos) Members() store.MemberRepository { return memberRepo{r.v} }
func (r txRepos) Ledger() store.LedgerRepository  { return ledgerRepo{r.v} }

// get returns the value and version visible to the view
func (v view) get(key string) (any, int64, bool) {
	val, version, ok := v.peek(key)
	v.observe(key, version)
	return val, version, ok
}

// peek reads without joining the transaction's read set
func (v view) peek(key string) (any, int64, bool) {
	if v.tx != nil {
		if w, ok := v.tx.writes[key]; ok {
			return w.value, pendingVersion(w), true
		}
	}

	v.s.mu.RLock()
	r, ok := v.s.rows[key]
	v.s.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	return r.value, r.version, true
}

// observe adds key to the read set at the first version seen. Keys this
// transaction already wrote are covered by the write check.
func (v view) observe(key string, version int64) {
	if v.tx == nil {
		return
	}
	if _, written := v.tx.writes[key]; written {
		return
	}
	if _, seen := v.tx.reads[key]; !seen {
		v.tx.reads[key] = version
	}
}

// put writes value if the stored version equals expect (0 means the record must
// not exist yet) and returns the new version.
func (v view) put(key string, value any, expect int64) (int64, error) {
	if v.tx != nil {
		if w, ok := v.tx.writes[key]; ok {
			if expect != blind && expect != pendingVersion(w) {
				return 0, store.ErrConflict
			}
			w.value = value
			return pendingVersion(w), nil
		}
		w := &staged{expect: expect, value: value}
		v.tx.writes[key] = w
		return pendingVersion(w), nil
	}

	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cur := v.s.rows[key].version
	if expect != blind && cur != expect {
		return 0, store.ErrConflict
	}
	v.s.rows[key] = row{version: cur + 1, value: value}
	return cur + 1, nil
}

// pendingVersion is the version a staged write will commit at. Blind writes don't
// know it in advance.
func pendingVersion(w *staged) int64 {
	if w.expect == blind {
		return 0
	}
	return w.expect + 1
}

type visible struct {
	value   any
	version int64
}

// scan lists visible records under prefix that satisfy keep. Inside a transaction
// only the kept records join the read set.
func (v view) scan(prefix string, keep func(any) bool) []visible {
	keys := make(map[string]struct{})
	v.s.mu.RLock()
	for k := range v.s.rows {
		if strings.HasPrefix(k, prefix) {
			keys[k] = struct{}{}
		}
	}
	v.s.mu.RUnlock()
	if v.tx != nil {
		for k := range v.tx.writes {
			if strings.HasPrefix(k, prefix) {
				keys[k] = struct{}{}
			}
		}
	}

	out := make([]visible, 0, len(keys))
	for k := range keys {
		val, version, ok := v.peek(k)
		if !ok || !keep(val) {
			continue
		}
		v.observe(k, version)
		out = append(out, visible{value: val, version: version})
	}
	return out
}

type rideRepo struct{ v view }

func (r rideRepo) Get(_ context.Context, id string) (*ride.Ride, error) {
	val, version, ok := r.v.get(ridePrefix + id)
	if !ok {
		return nil, store.ErrNotFound
	}
	out := val.(*ride.Ride).Clone()
	out.Version = version
	return out, nil
}

func (r rideRepo) Create(_ context.Context, rd *ride.Ride) error {
	version, err := r.v.put(ridePrefix+rd.ID, rd.Clone(), 0)
	if err != nil {
		return err
	}
	rd.Version = version
	return nil
}

func (r rideRepo) Update(_ context.Context, rd *ride.Ride) error {
	if _, _, ok := r.v.get(ridePrefix + rd.ID); !ok {
		return store.ErrNotFound
	}
	version, err := r.v.put(ridePrefix+rd.ID, rd.Clone(), rd.Version)
	if err != nil {
		return err
	}
	rd.Version = version
	return nil
}

func (r rideRepo) Find(_ context.Context, q store.RideQuery) ([]*ride.Ride, error) {
	var out []*ride.Ride
	keep := func(v any) bool { return matches(v.(*ride.Ride), q) }
	for _, rec := range r.v.scan(ridePrefix, keep) {
		c := rec.value.(*ride.Ride).Clone()
		c.Version = rec.version
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(rd *ride.Ride, q store.RideQuery) bool {
	if q.Plan != "" && rd.Plan != q.Plan {
		return false
	}
	if q.GroupID != "" && rd.GroupID != q.GroupID {
		return false
	}
	if !q.CreatedAfter.IsZero() && !rd.CreatedAt.After(q.CreatedAfter) {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, s := range q.Statuses {
		if rd.Status == s {
			return true
		}
	}
	return false
}

type holdRepo struct{ v view }

func (r holdRepo) Get(_ context.Context, id string) (*payment.Hold, error) {
	val, version, ok := r.v.get(holdPrefix + id)
	if !ok {
		return nil, store.ErrNotFound
	}
	out := val.(*payment.Hold).Clone()
	out.Version = version
	return out, nil
}

func (r holdRepo) Create(_ context.Context, h *payment.Hold) error {
	version, err := r.v.put(holdPrefix+h.ID, h.Clone(), 0)
	if err != nil {
		return err
	}
	h.Version = version
	return nil
}

func (r holdRepo) Update(_ context.Context, h *payment.Hold) error {
	if _, _, ok := r.v.get(holdPrefix + h.ID); !ok {
		return store.ErrNotFound
	}
	version, err := r.v.put(holdPrefix+h.ID, h.Clone(), h.Version)
	if err != nil {
		return err
	}
	h.Version = version
	return nil
}

func (r holdRepo) ListByRide(_ context.Context, rideID string) ([]*payment.Hold, error) {
	var out []*payment.Hold
	keep := func(v any) bool { return v.(*payment.Hold).RideID == rideID }
	for _, rec := range r.v.scan(holdPrefix, keep) {
		c := rec.value.(*payment.Hold).Clone()
		c.Version = rec.version
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type memberRepo struct{ v view }

func (r memberRepo) Get(_ context.Context, userID string) (*membership.Member, error) {
	val, _, ok := r.v.get(memberPrefix + userID)
	if !ok {
		return nil, store.ErrNotFound
	}
	m := *val.(*membership.Member)
	return &m, nil
}

func (r memberRepo) Put(_ context.Context, m *membership.Member) error {
	cp := *m
	_, err := r.v.put(memberPrefix+m.UserID, &cp, blind)
	return err
}

type ledgerRepo struct{ v view }

func (r ledgerRepo) Record(_ context.Context, e payment.LedgerEntry) (bool, error) {
	if r.v.tx != nil {
		r.v.tx.ledger = append(r.v.tx.ledger, e)
		return true, nil
	}
	r.v.s.mu.Lock()
	defer r.v.s.mu.Unlock()
	if _, ok := r.v.s.ledger[e.Key()]; ok {
		return false, nil
	}
	r.v.s.ledger[e.Key()] = e
	return true, nil
}

func (r ledgerRepo) List(_ context.Context, rideID string) ([]payment.LedgerEntry, error) {
	r.v.s.mu.RLock()
	defer r.v.s.mu.RUnlock()
	var out []payment.LedgerEntry
	for _, e := range r.v.s.ledger {
		if e.RideID == rideID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}
