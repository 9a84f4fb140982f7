// Package notify delivers out-of-band user notifications. Delivery is
// fire-and-forget: failures are logged and counted, never returned to the
// ride flow that triggered them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

// Notification is one message for one user.
type Notification struct {
	Type   string         `json:"type"`
	UserID string         `json:"userId"`
	Data   map[string]any `json:"data,omitempty"`
	At     time.Time      `json:"at"`
}

// Sink delivers a notification synchronously.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Multi sends to every sink and joins the failures.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

type AsyncConfig struct {
	Workers int
	Queue   int
	Timeout time.Duration
}

// Async queues notifications for background workers. Notify never blocks;
// when the queue is full the notification is dropped and logged.
type Async struct {
	sink   Sink
	cfg    AsyncConfig
	queue  chan Notification
	logger *slog.Logger
	now    func() time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool
}

func NewAsync(sink Sink, cfg AsyncConfig, logger *slog.Logger) *Async {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	a := &Async{
		sink:   sink,
		cfg:    cfg,
		queue:  make(chan Notification, cfg.Queue),
		logger: logging.OrDiscard(logger).With("component", "notify"),
		now:    time.Now,
	}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.work()
	}
	return a
}

func (a *Async) Notify(_ context.Context, event, userID string, payload map[string]any) {
	n := Notification{Type: event, UserID: userID, Data: payload, At: a.now()}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		a.logger.Warn("notification after shutdown dropped", "type", event, "user_id", userID)
		return
	}
	select {
	case a.queue <- n:
	default:
		observability.CollaboratorErrors.WithLabelValues("notify", "queue_full").Inc()
		a.logger.Warn("notification queue full, dropped", "type", event, "user_id", userID)
	}
}

// Close stops accepting notifications and waits for queued ones to drain.
func (a *Async) Close() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopped = true
		close(a.queue)
		a.mu.Unlock()
	})
	a.wg.Wait()
}

func (a *Async) work() {
	defer a.wg.Done()
	for n := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
		err := a.sink.Send(ctx, n)
		cancel()
		if err != nil {
			observability.CollaboratorErrors.WithLabelValues("notify", a.sink.Name()).Inc()
			args := []any{"collaborator", a.sink.Name(), "type", n.Type, "user_id", n.UserID, "error", err}
			if id, ok := n.Data["ride_id"]; ok {
				args = append(args, "ride_id", id)
			}
			a.logger.Warn("notification failed", args...)
		}
	}
}

// Log is a sink that only writes a log line; used when no transport is configured.
type Log struct{ Logger *slog.Logger }

func (Log) Name() string { return "log" }

func (l Log) Send(_ context.Context, n Notification) error {
	logging.OrDiscard(l.Logger).Info("notification", "type", n.Type, "user_id", n.UserID)
	return nil
}
