package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/retry"
)

type WriteBehindConfig struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// WriteBehind coalesces availability snapshots per driver and persists the
// latest one in the background, so registry mutations never wait on storage.
type WriteBehind struct {
	dir    Directory
	cfg    WriteBehindConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]models.DriverAvailability
	wake    chan struct{}
}

func NewWriteBehind(dir Directory, cfg WriteBehindConfig, logger *slog.Logger) *WriteBehind {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return &WriteBehind{
		dir:     dir,
		cfg:     cfg,
		logger:  logging.OrDiscard(logger).With("component", "directory_writer"),
		pending: make(map[string]models.DriverAvailability),
		wake:    make(chan struct{}, 1),
	}
}

func (w *WriteBehind) Enqueue(s models.DriverAvailability) {
	w.mu.Lock()
	w.pending[s.DriverID] = s
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run persists queued snapshots until ctx is done, then flushes what is left.
func (w *WriteBehind) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout*time.Duration(w.cfg.Attempts)+time.Second)
			w.Flush(flushCtx)
			cancel()
			return
		case <-w.wake:
			w.Flush(ctx)
		}
	}
}

// Flush synchronously persists every queued snapshot.
func (w *WriteBehind) Flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]models.DriverAvailability)
	w.mu.Unlock()

	for id, s := range batch {
		err := retry.Do(ctx, w.cfg.Attempts, w.cfg.Backoff, func(ctx context.Context) error {
			cctx, cancel := retry.Bounded(ctx, w.cfg.Timeout)
			defer cancel()
			return w.dir.PersistAvailability(cctx, s)
		})
		if err != nil {
			observability.CollaboratorErrors.WithLabelValues("directory", "persist_availability").Inc()
			w.logger.Error("persist availability failed", "driver_id", id, "error", err)
		}
	}
}

func (w *WriteBehind) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
