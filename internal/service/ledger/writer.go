package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/gocomet/poolride/internal/domain/payment"
	"github.com/gocomet/poolride/internal/store"
	"github.com/gocomet/poolride/pkg/logger"
)

// Config controls the background writer
type Config struct {
	Buffer   int
	Workers  int
	Attempts int
	Backoff  time.Duration
}

// DefaultConfig returns the production writer settings
func DefaultConfig() Config {
	return Config{Buffer: 256, Workers: 2, Attempts: 5, Backoff: 200 * time.Millisecond}
}

// Writer records audit entries off the request path. Delivery is at least once;
// the repository keeps the first entry per (ride id, kind).
type Writer struct {
	repo   store.LedgerRepository
	logger *logger.Logger
	config Config

	queue  chan payment.LedgerEntry
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWriter creates a writer; call Start before enqueueing
func NewWriter(repo store.LedgerRepository, log *logger.Logger, config Config) *Writer {
	if config.Buffer <= 0 {
		config.Buffer = 1
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Attempts <= 0 {
		config.Attempts = 1
	}
	return &Writer{
		repo:   repo,
		logger: log.Named("ledger"),
		config: config,
		queue:  make(chan payment.LedgerEntry, config.Buffer),
	}
}

// Start launches the workers. They exit once Stop drains the queue.
func (w *Writer) Start(ctx context.Context) {
	for i := 0; i < w.config.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for e := range w.queue {
				w.record(ctx, e)
			}
		}()
	}
}

// Enqueue hands e to the workers. A full queue spills into a dedicated
// goroutine rather than blocking the caller. Safe on a nil Writer.
func (w *Writer) Enqueue(e payment.LedgerEntry) {
	if w == nil {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("Ledger entry after shutdown", logger.RideID(e.RideID), logger.String("kind", string(e.Kind)))
		return
	}

	select {
	case w.queue <- e:
	default:
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.record(context.Background(), e)
		}()
	}
}

// Stop closes the queue and waits for queued entries to be written
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Writer) record(ctx context.Context, e payment.LedgerEntry) {
	backoff := w.config.Backoff
	var err error
retry:
	for attempt := 1; attempt <= w.config.Attempts; attempt++ {
		var inserted bool
		inserted, err = w.repo.Record(ctx, e)
		if err == nil {
			if !inserted {
				w.logger.Debug("Ledger entry already recorded", logger.RideID(e.RideID), logger.String("kind", string(e.Kind)))
			}
			return
		}
		if attempt == w.config.Attempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		}
		backoff *= 2
	}
	w.logger.Error("Failed to record ledger entry",
		logger.RideID(e.RideID),
		logger.String("kind", string(e.Kind)),
		logger.Err(err),
	)
}
