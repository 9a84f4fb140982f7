// Package ride owns ride lifecycle state. Every status change goes through
// Machine.Transition, which serializes changes per ride, stamps the timeline
// and persists the resulting snapshot.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidTransition   = errors.New("invalid ride status transition")
	ErrNotFound            = errors.New("ride not found")
	ErrDuplicate           = errors.New("ride already exists")
	ErrDriverRequired      = errors.New("accepting a ride requires a driver")
	ErrInvalidCancellation = errors.New("cancellation requires cancelled_by of rider, driver or system")
	ErrInvalidRating       = errors.New("rating must be between 1 and 5")
	ErrNotCompleted        = errors.New("only completed rides can be rated")
	ErrAlreadyRated        = errors.New("ride already rated by this party")
)

// TransitionError reports a rejected status change. It matches ErrInvalidTransition.
type TransitionError struct {
	RideID string
	From   models.RideStatus
	To     models.RideStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ride %s: cannot move from %s to %s", e.RideID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusArriving, models.StatusCancelled},
	models.StatusArriving:   {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:    {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted, models.StatusCancelled},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is a requested status change.
type Transition struct {
	To       models.RideStatus
	DriverID string             // required for accepted
	By       models.CancelledBy // required for cancelled
	Reason   string
}

// Store is the subset of the ride store the machine writes through.
type Store interface {
	Save(ctx context.Context, r *models.Ride) error
	FindByID(ctx context.Context, id string) (*models.Ride, error)
}

type entry struct {
	mu    sync.Mutex
	ride  *models.Ride
	dirty bool // last snapshot not yet persisted
}

type Machine struct {
	mu     sync.Mutex
	rides  map[string]*entry
	store  Store
	logger *slog.Logger
	now    func() time.Time

	pendingMu sync.Mutex
	pending   map[string]struct{} // ids of dirty entries awaiting a flush
	wake      chan struct{}
	flush     FlushConfig
}

// FlushConfig controls how snapshots that failed to persist are written again.
type FlushConfig struct {
	Attempts int
	Backoff  time.Duration
	Interval time.Duration // how often Run retries rides that are still dirty
}

type Option func(*Machine)

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func WithFlush(cfg FlushConfig) Option { return func(m *Machine) { m.flush = cfg } }

func NewMachine(store Store, opts ...Option) *Machine {
	m := &Machine{
		rides:   make(map[string]*entry),
		store:   store,
		now:     time.Now,
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	if m.flush.Attempts <= 0 {
		m.flush.Attempts = 3
	}
	if m.flush.Backoff <= 0 {
		m.flush.Backoff = 100 * time.Millisecond
	}
	if m.flush.Interval <= 0 {
		m.flush.Interval = time.Second
	}
	m.logger = logging.OrDiscard(m.logger).With("component", "ride_machine")
	return m
}

// Create registers a new ride in status requested. Unlike transitions, a
// failed initial save is returned and the ride is not registered.
func (m *Machine) Create(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	now := m.now()
	nr := r.Clone()
	nr.Status = models.StatusRequested
	nr.DriverID = ""
	nr.Timeline = models.Timeline{RequestedAt: &now}
	nr.Cancellation = nil
	nr.CreatedAt = now
	nr.UpdatedAt = now

	m.mu.Lock()
	if _, ok := m.rides[nr.ID]; ok {
		m.mu.Unlock()
		return nil, ErrDuplicate
	}
	e := &entry{ride: nr}
	e.mu.Lock()
	m.rides[nr.ID] = e
	m.mu.Unlock()
	defer e.mu.Unlock()

	if err := m.store.Save(context.WithoutCancel(ctx), nr); err != nil {
		m.mu.Lock()
		delete(m.rides, nr.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("save new ride: %w", err)
	}
	observability.RideTransitions.WithLabelValues(string(models.StatusRequested)).Inc()
	return nr.Clone(), nil
}

func (m *Machine) Get(ctx context.Context, id string) (*models.Ride, error) {
	e, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride.Clone(), nil
}

// Transition applies t to the ride if the table allows it and returns the new
// snapshot. Concurrent calls on one ride are serialized; a rejected call
// leaves the ride untouched. A snapshot that cannot be persisted stays
// committed in memory and is written again by Run or Flush.
func (m *Machine) Transition(ctx context.Context, id string, t Transition) (*models.Ride, error) {
	e, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.ride
	if !CanTransition(cur.Status, t.To) {
		observability.InvalidTransitions.Inc()
		return nil, &TransitionError{RideID: id, From: cur.Status, To: t.To}
	}
	switch t.To {
	case models.StatusAccepted:
		if t.DriverID == "" {
			return nil, ErrDriverRequired
		}
	case models.StatusCancelled:
		if !t.By.Valid() {
			return nil, ErrInvalidCancellation
		}
	}

	next := cur.Clone()
	field := stampField(&next.Timeline, t.To)
	if field == nil || *field != nil {
		observability.InvalidTransitions.Inc()
		return nil, &TransitionError{RideID: id, From: cur.Status, To: t.To}
	}
	ts := m.now()
	if stamps := cur.Timeline.Stamps(); len(stamps) > 0 {
		if last := latest(stamps); ts.Before(last) {
			ts = last
		}
	}
	*field = &ts

	next.Status = t.To
	next.UpdatedAt = ts
	switch t.To {
	case models.StatusAccepted:
		next.DriverID = t.DriverID
	case models.StatusCancelled:
		next.Cancellation = &models.Cancellation{By: t.By, Reason: t.Reason, DriverID: cur.DriverID}
		next.DriverID = ""
	}

	e.ride = next
	observability.RideTransitions.WithLabelValues(string(t.To)).Inc()
	m.persist(ctx, e)
	if next.Status.Terminal() && !e.dirty {
		m.evict(id, e)
	}
	return next.Clone(), nil
}

// Rate records one side's rating of a completed ride, once per side.
// A rider rates the driver; a driver rates the rider.
func (m *Machine) Rate(ctx context.Context, id string, by models.Role, rating int, feedback string) (*models.Ride, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	e, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ride.Status != models.StatusCompleted {
		return nil, ErrNotCompleted
	}
	next := e.ride.Clone()
	v := rating
	switch by {
	case models.RoleRider:
		if next.Ratings.DriverRating != nil {
			return nil, ErrAlreadyRated
		}
		next.Ratings.DriverRating = &v
		next.Ratings.RiderFeedback = feedback
	case models.RoleDriver:
		if next.Ratings.RiderRating != nil {
			return nil, ErrAlreadyRated
		}
		next.Ratings.RiderRating = &v
		next.Ratings.DriverFeedback = feedback
	default:
		return nil, fmt.Errorf("unknown role %q", by)
	}
	next.UpdatedAt = m.now()
	e.ride = next
	m.persist(ctx, e)
	if !e.dirty {
		m.evict(id, e)
	}
	return next.Clone(), nil
}

// persist must be called with e.mu held.
func (m *Machine) persist(ctx context.Context, e *entry) {
	if err := m.store.Save(context.WithoutCancel(ctx), e.ride); err != nil {
		e.dirty = true
		observability.CollaboratorErrors.WithLabelValues("ride_store", "save_transition").Inc()
		m.logger.Error("ride snapshot not persisted",
			"collaborator", "ride_store",
			"ride_id", e.ride.ID,
			"status", e.ride.Status,
			"error", err,
		)
		m.markPending(e.ride.ID, true)
		return
	}
	e.dirty = false
}

func (m *Machine) markPending(id string, signal bool) {
	m.pendingMu.Lock()
	m.pending[id] = struct{}{}
	m.pendingMu.Unlock()
	if !signal {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run writes dirty snapshots in the background until ctx is done, then
// makes one last attempt at whatever is left.
func (m *Machine) Run(ctx context.Context) {
	t := time.NewTicker(m.flush.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), m.flush.Backoff*time.Duration(1<<m.flush.Attempts)+time.Second)
			m.Flush(flushCtx)
			cancel()
			return
		case <-m.wake:
			m.Flush(ctx)
		case <-t.C:
			m.Flush(ctx)
		}
	}
}

// Flush synchronously retries every dirty snapshot. Rides that still fail
// stay queued for the next round. Persisted terminal rides are evicted.
func (m *Machine) Flush(ctx context.Context) {
	m.pendingMu.Lock()
	batch := m.pending
	m.pending = make(map[string]struct{})
	m.pendingMu.Unlock()

	for id := range batch {
		m.mu.Lock()
		e, ok := m.rides[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.flushEntry(ctx, id, e)
	}
}

// flushEntry holds e.mu across the save so an older snapshot can never
// overwrite a newer one written by a concurrent transition.
func (m *Machine) flushEntry(ctx context.Context, id string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		return
	}
	snap := e.ride
	err := retry.Do(ctx, m.flush.Attempts, m.flush.Backoff, func(ctx context.Context) error {
		return m.store.Save(ctx, snap)
	})
	if err != nil {
		observability.CollaboratorErrors.WithLabelValues("ride_store", "flush").Inc()
		m.logger.Warn("ride snapshot still not persisted",
			"collaborator", "ride_store",
			"ride_id", id,
			"status", snap.Status,
			"error", err,
		)
		m.markPending(id, false)
		return
	}
	e.dirty = false
	m.logger.Info("ride snapshot persisted after retry", "ride_id", id, "status", snap.Status)
	if snap.Status.Terminal() {
		m.evict(id, e)
	}
}

// Dirty reports how many rides hold a snapshot the store has not seen.
func (m *Machine) Dirty() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

func (m *Machine) evict(id string, e *entry) {
	m.mu.Lock()
	if m.rides[id] == e {
		delete(m.rides, id)
	}
	m.mu.Unlock()
}

func (m *Machine) load(ctx context.Context, id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.rides[id]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	r, err := m.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.rides[id]; ok {
		return e, nil
	}
	e = &entry{ride: r}
	m.rides[id] = e
	return e, nil
}

func stampField(tl *models.Timeline, to models.RideStatus) **time.Time {
	switch to {
	case models.StatusAccepted:
		return &tl.AcceptedAt
	case models.StatusArriving:
		return &tl.ArrivingAt
	case models.StatusArrived:
		return &tl.ArrivedAt
	case models.StatusInProgress:
		return &tl.StartedAt
	case models.StatusCompleted:
		return &tl.CompletedAt
	case models.StatusCancelled:
		return &tl.CancelledAt
	}
	return nil
}

func latest(ts []time.Time) time.Time {
	l := ts[0]
	for _, t := range ts[1:] {
		if t.After(l) {
			l = t
		}
	}
	return l
}
