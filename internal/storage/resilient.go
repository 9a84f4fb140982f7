package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/retry"
)

type ResilientConfig struct {
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

// Resilient bounds every call to the wrapped store by a timeout and retries
// writes with backoff. Reads are attempted once.
type Resilient struct {
	next   RideStore
	cfg    ResilientConfig
	logger *slog.Logger
}

func NewResilient(next RideStore, cfg ResilientConfig, logger *slog.Logger) *Resilient {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return &Resilient{next: next, cfg: cfg, logger: logging.OrDiscard(logger).With("component", "ride_store")}
}

func (s *Resilient) Save(ctx context.Context, r *models.Ride) error {
	attempt := 0
	err := retry.Do(ctx, s.cfg.Attempts, s.cfg.Backoff, func(ctx context.Context) error {
		attempt++
		cctx, cancel := retry.Bounded(ctx, s.cfg.Timeout)
		defer cancel()
		err := s.next.Save(cctx, r)
		if err != nil {
			s.logger.Warn("ride save failed", "ride_id", r.ID, "attempt", attempt, "error", err)
		}
		return err
	})
	return s.fail("save", err)
}

func (s *Resilient) FindByID(ctx context.Context, id string) (*models.Ride, error) {
	ctx, cancel := retry.Bounded(ctx, s.cfg.Timeout)
	defer cancel()
	r, err := s.next.FindByID(ctx, id)
	return r, s.fail("find_by_id", err)
}

func (s *Resilient) FindActiveForUser(ctx context.Context, userID string, role models.Role) (*models.Ride, error) {
	ctx, cancel := retry.Bounded(ctx, s.cfg.Timeout)
	defer cancel()
	r, err := s.next.FindActiveForUser(ctx, userID, role)
	return r, s.fail("find_active", err)
}

func (s *Resilient) ListHistory(ctx context.Context, userID string, role models.Role, f HistoryFilter) (HistoryPage, error) {
	ctx, cancel := retry.Bounded(ctx, s.cfg.Timeout)
	defer cancel()
	p, err := s.next.ListHistory(ctx, userID, role, f)
	return p, s.fail("list_history", err)
}

func (s *Resilient) DriverStats(ctx context.Context, driverID string, w StatsWindow) (DriverStats, error) {
	ctx, cancel := retry.Bounded(ctx, s.cfg.Timeout)
	defer cancel()
	st, err := s.next.DriverStats(ctx, driverID, w)
	return st, s.fail("driver_stats", err)
}

func (s *Resilient) fail(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	observability.CollaboratorErrors.WithLabelValues("ride_store", op).Inc()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrCollaboratorTimeout, op, err)
	}
	return fmt.Errorf("ride store %s: %w", op, err)
}
