package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/poolride/internal/domain/payment"
	"github.com/gocomet/poolride/internal/store/memory"
	"github.com/gocomet/poolride/pkg/logger"
)

// flakyRepo fails the first n Record calls
type flakyRepo struct {
	mu      sync.Mutex
	fails   int
	calls   int
	entries []payment.LedgerEntry
}

func (r *flakyRepo) Record(_ context.Context, e payment.LedgerEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fails > 0 {
		r.fails--
		return false, errors.New("connection reset")
	}
	r.entries = append(r.entries, e)
	return true, nil
}

func (r *flakyRepo) List(_ context.Context, _ string) ([]payment.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]payment.LedgerEntry(nil), r.entries...), nil
}

func testConfig() Config {
	return Config{Buffer: 4, Workers: 2, Attempts: 3, Backoff: time.Millisecond}
}

func TestWriter_RecordsFirstEntryPerKind(t *testing.T) {
	s := memory.New()
	w := NewWriter(s.Ledger(), logger.NewNop(), testConfig())
	w.Start(context.Background())

	w.Enqueue(payment.LedgerEntry{RideID: "r1", Kind: payment.LedgerChargeResolved, AmountCents: 927})
	w.Enqueue(payment.LedgerEntry{RideID: "r1", Kind: payment.LedgerChargeResolved, AmountCents: 1})
	w.Enqueue(payment.LedgerEntry{RideID: "r1", Kind: payment.LedgerCaptured, AmountCents: 1227})
	w.Stop()

	entries, err := s.Ledger().List(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byKind := map[payment.LedgerKind]int64{}
	for _, e := range entries {
		byKind[e.Kind] = e.AmountCents
	}
	assert.Contains(t, []int64{927, 1}, byKind[payment.LedgerChargeResolved])
	assert.Equal(t, int64(1227), byKind[payment.LedgerCaptured])
}

func TestWriter_RetriesFailedWrites(t *testing.T) {
	repo := &flakyRepo{fails: 2}
	w := NewWriter(repo, logger.NewNop(), testConfig())
	w.Start(context.Background())

	w.Enqueue(payment.LedgerEntry{RideID: "r1", Kind: payment.LedgerPooled})
	w.Stop()

	assert.Equal(t, 3, repo.calls)
	assert.Len(t, repo.entries, 1)
}

func TestWriter_GivesUpAfterAttempts(t *testing.T) {
	repo := &flakyRepo{fails: 10}
	w := NewWriter(repo, logger.NewNop(), testConfig())
	w.Start(context.Background())

	w.Enqueue(payment.LedgerEntry{RideID: "r1", Kind: payment.LedgerPooled})
	w.Stop()

	assert.Equal(t, 3, repo.calls)
	assert.Empty(t, repo.entries)
}

func TestWriter_SpillsWhenQueueFull(t *testing.T) {
	repo := &flakyRepo{}
	w := NewWriter(repo, logger.NewNop(), Config{Buffer: 1, Workers: 1, Attempts: 1})

	// not started: the first entry fills the queue, the rest spill
	for i := 0; i < 5; i++ {
		w.Enqueue(payment.LedgerEntry{RideID: "r" + string(rune('a'+i)), Kind: payment.LedgerPooled})
	}
	w.Start(context.Background())
	w.Stop()

	assert.Len(t, repo.entries, 5)
}

func TestWriter_NilAndStopped(t *testing.T) {
	var nilWriter *Writer
	assert.NotPanics(t, func() {
		nilWriter.Enqueue(payment.LedgerEntry{RideID: "r1"})
	})

	repo := &flakyRepo{}
	w := NewWriter(repo, logger.NewNop(), testConfig())
	w.Start(context.Background())
	w.Stop()
	w.Stop()

	assert.NotPanics(t, func() {
		w.Enqueue(payment.LedgerEntry{RideID: "r1", Kind: payment.LedgerPooled})
	})
	assert.Empty(t, repo.entries)
}
