// Package dispatch broadcasts ride offers to nearby drivers and resolves the
// accept race. Each pending request carries its own lock and resolved flag;
// the first accept that sets the flag wins and every later accept, reject or
// timeout observes it.
package dispatch

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
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

var (
	ErrNoDriversAvailable = errors.New("no drivers available near pickup")
	ErrOfferExpired       = errors.New("ride offer expired or already taken")
	ErrNotCandidate       = errors.New("driver was not offered this ride")
	ErrDriverUnavailable  = errors.New("driver is not available")
	ErrAlreadyDispatching = errors.New("ride already has a pending dispatch")
	ErrRideNotRequested   = errors.New("ride is no longer waiting for a driver")
)

// Registry is the driver availability view the engine needs.
type Registry interface {
	CandidatesNear(lat, lng float64, k int) []models.Candidate
	IsAvailable(driverID string) bool
	MarkBusy(driverID, rideID string) error
	MarkFree(driverID string) error
}

// Rides reads rides and applies status transitions.
type Rides interface {
	Get(ctx context.Context, id string) (*models.Ride, error)
	Transition(ctx context.Context, id string, t ride.Transition) (*models.Ride, error)
}

type Publisher interface {
	Publish(key string, ev realtime.Event) int
}

// Notifier delivers out-of-band notifications. It must not block.
type Notifier interface {
	Notify(ctx context.Context, event, userID string, payload map[string]any)
}

type Config struct {
	Candidates   int
	OfferTimeout time.Duration
	// Retain keeps a resolved request around so a repeated accept from the
	// winner is acknowledged again. Defaults to OfferTimeout.
	Retain time.Duration
}

func DefaultConfig() Config {
	return Config{Candidates: 5, OfferTimeout: 30 * time.Second, Retain: 30 * time.Second}
}

// Request is the public view of a pending dispatch.
type Request struct {
	RideID     string             `json:"ride_id"`
	RiderID    string             `json:"rider_id"`
	Candidates []models.Candidate `json:"candidates"`
	CreatedAt  time.Time          `json:"created_at"`
	Deadline   time.Time          `json:"deadline"`
}

// AcceptResult is the typed outcome of an accept. Reason is one of
// ErrOfferExpired, ErrNotCandidate or ErrDriverUnavailable when Accepted is false.
type AcceptResult struct {
	Accepted bool
	Reason   error
	Ride     *models.Ride
}

type request struct {
	mu       sync.Mutex
	req      Request
	resolved bool
	winner   string
	declined map[string]bool
	timer    *time.Timer
	forget   *time.Timer
}

func (r *request) isCandidate(driverID string) bool {
	for _, c := range r.req.Candidates {
		if c.DriverID == driverID {
			return true
		}
	}
	return false
}

// pendingCandidates returns candidates other than except that have not declined.
func (r *request) pendingCandidates(except string) []string {
	out := make([]string, 0, len(r.req.Candidates))
	for _, c := range r.req.Candidates {
		if c.DriverID != except && !r.declined[c.DriverID] {
			out = append(out, c.DriverID)
		}
	}
	return out
}

type Engine struct {
	cfg      Config
	registry Registry
	rides    Rides
	hub      Publisher
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	active  map[string]*request
	settled map[string]*request // resolved, kept for Retain
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(cfg Config, reg Registry, rides Rides, hub Publisher, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Candidates <= 0 {
		cfg.Candidates = def.Candidates
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = def.OfferTimeout
	}
	if cfg.Retain <= 0 {
		cfg.Retain = cfg.OfferTimeout
	}
	e := &Engine{
		cfg:      cfg,
		registry: reg,
		rides:    rides,
		hub:      hub,
		now:      time.Now,
		active:   make(map[string]*request),
		settled:  make(map[string]*request),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = logging.OrDiscard(e.logger).With("component", "dispatch")
	return e
}

// Submit offers r to the nearest available drivers. With no candidates it
// returns ErrNoDriversAvailable and registers nothing; the ride stays requested.
// A ride that has left requested by the time the request is registered is not
// offered and ErrRideNotRequested is returned.
func (e *Engine) Submit(ctx context.Context, r *models.Ride) (Request, error) {
	observability.DispatchRequests.Inc()

	e.mu.Lock()
	if _, ok := e.active[r.ID]; ok {
		e.mu.Unlock()
		return Request{}, ErrAlreadyDispatching
	}
	e.mu.Unlock()

	cands := e.registry.CandidatesNear(r.Pickup.Coord.Lat, r.Pickup.Coord.Lng, e.cfg.Candidates)
	if len(cands) == 0 {
		observability.DispatchOutcomes.WithLabelValues("no_drivers").Inc()
		e.logger.Info("no drivers near pickup", "ride_id", r.ID, "lat", r.Pickup.Coord.Lat, "lng", r.Pickup.Coord.Lng)
		return Request{}, ErrNoDriversAvailable
	}

	now := e.now()
	rq := &request{
		req: Request{
			RideID:     r.ID,
			RiderID:    r.RiderID,
			Candidates: cands,
			CreatedAt:  now,
			Deadline:   now.Add(e.cfg.OfferTimeout),
		},
		declined: make(map[string]bool),
	}
	rq.mu.Lock()
	e.mu.Lock()
	if _, ok := e.active[r.ID]; ok {
		e.mu.Unlock()
		rq.mu.Unlock()
		return Request{}, ErrAlreadyDispatching
	}
	e.active[r.ID] = rq
	e.mu.Unlock()
	// A cancel committed before this point is visible here; one committed
	// after it finds rq registered and voids it.
	if cur, err := e.rides.Get(ctx, r.ID); err != nil || cur.Status != models.StatusRequested {
		rq.resolved = true
		rq.mu.Unlock()
		e.mu.Lock()
		if e.active[r.ID] == rq {
			delete(e.active, r.ID)
		}
		e.mu.Unlock()
		if err != nil {
			return Request{}, fmt.Errorf("load ride %s: %w", r.ID, err)
		}
		return Request{}, ErrRideNotRequested
	}
	rq.timer = time.AfterFunc(e.cfg.OfferTimeout, func() { e.expire(rq) })
	snapshot := rq.req
	rq.mu.Unlock()
	observability.ActiveRequests.Inc()

	offer := realtime.Event{Type: realtime.EventNewRideRequest, Data: realtime.NewRideRequest{
		RideID:      r.ID,
		Pickup:      r.Pickup,
		Dropoff:     r.Dropoff,
		VehicleType: r.VehicleType,
		Fare:        r.Fare,
		DistanceKm:  r.DistanceKm,
		DurationMin: r.EstimatedDuration,
		ExpiresAt:   snapshot.Deadline,
	}}
	for _, c := range cands {
		e.hub.Publish(realtime.DriverKey(c.DriverID), offer)
	}
	e.logger.Info("ride offered", "ride_id", r.ID, "candidates", len(cands), "deadline", snapshot.Deadline)
	return snapshot, nil
}

// ResolveAccept settles an accept from driverID. Exactly one accept per
// pending request succeeds; the busy flag flip and the ride transition happen
// while the request lock is held, so a concurrent timeout or accept cannot
// also win. A repeated accept from the winner is acknowledged again; a driver
// that declined cannot take the ride back. Only unexpected failures are
// returned as errors.
func (e *Engine) ResolveAccept(ctx context.Context, rideID, driverID string) (AcceptResult, error) {
	rq := e.find(rideID)
	if rq == nil {
		observability.AcceptAttempts.WithLabelValues("expired").Inc()
		return AcceptResult{Reason: ErrOfferExpired}, nil
	}

	rq.mu.Lock()
	if !rq.isCandidate(driverID) {
		rq.mu.Unlock()
		observability.AcceptAttempts.WithLabelValues("not_candidate").Inc()
		return AcceptResult{Reason: ErrNotCandidate}, nil
	}
	if rq.resolved {
		won := rq.winner == driverID
		rq.mu.Unlock()
		if won {
			return e.reaccept(ctx, rideID, driverID)
		}
		return e.lost(rideID, driverID, ErrOfferExpired), nil
	}
	if rq.declined[driverID] {
		rq.mu.Unlock()
		observability.AcceptAttempts.WithLabelValues("declined").Inc()
		return AcceptResult{Reason: ErrOfferExpired}, nil
	}
	if !e.registry.IsAvailable(driverID) {
		rq.mu.Unlock()
		observability.AcceptAttempts.WithLabelValues("unavailable").Inc()
		return AcceptResult{Reason: ErrDriverUnavailable}, nil
	}
	if err := e.registry.MarkBusy(driverID, rideID); err != nil {
		rq.mu.Unlock()
		observability.AcceptAttempts.WithLabelValues("unavailable").Inc()
		e.logger.Warn("accept rejected by registry", "ride_id", rideID, "driver_id", driverID, "error", err)
		return AcceptResult{Reason: ErrDriverUnavailable}, nil
	}
	accepted, err := e.rides.Transition(ctx, rideID, ride.Transition{To: models.StatusAccepted, DriverID: driverID})
	if err != nil {
		if ferr := e.registry.MarkFree(driverID); ferr != nil {
			e.logger.Error("release driver after failed accept", "ride_id", rideID, "driver_id", driverID, "error", ferr)
		}
		if errors.Is(err, ride.ErrInvalidTransition) {
			// Ride left requested outside the engine; the offer is void.
			e.resolveLocked(rq, "")
			others := rq.pendingCandidates(driverID)
			rq.mu.Unlock()
			e.retire(rq)
			e.expireOffers(rideID, others, "cancelled")
			return e.lost(rideID, driverID, ErrOfferExpired), nil
		}
		rq.mu.Unlock()
		observability.AcceptAttempts.WithLabelValues("error").Inc()
		return AcceptResult{}, fmt.Errorf("accept ride %s: %w", rideID, err)
	}
	e.resolveLocked(rq, driverID)
	others := rq.pendingCandidates(driverID)
	riderID := rq.req.RiderID
	latency := e.now().Sub(rq.req.CreatedAt)
	rq.mu.Unlock()
	e.retire(rq)

	observability.AcceptAttempts.WithLabelValues("won").Inc()
	observability.DispatchOutcomes.WithLabelValues("accepted").Inc()
	observability.AcceptLatency.Observe(latency.Seconds())

	ev := realtime.Event{Type: realtime.EventRideAccepted, Data: realtime.RideAccepted{Ride: accepted}}
	e.hub.Publish(realtime.RiderKey(riderID), ev)
	e.hub.Publish(realtime.RideKey(rideID), ev)
	e.expireOffers(rideID, others, "taken")
	e.notify(ctx, "ride_accepted", riderID, map[string]any{"ride_id": rideID, "driver_id": driverID, "status": accepted.Status})
	e.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID, "latency_ms", latency.Milliseconds())
	return AcceptResult{Accepted: true, Ride: accepted}, nil
}

// reaccept answers a repeated accept from the winner with the current ride,
// as long as the driver still holds it.
func (e *Engine) reaccept(ctx context.Context, rideID, driverID string) (AcceptResult, error) {
	cur, err := e.rides.Get(ctx, rideID)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	if cur.DriverID != driverID {
		return e.lost(rideID, driverID, ErrOfferExpired), nil
	}
	observability.AcceptAttempts.WithLabelValues("repeat").Inc()
	return AcceptResult{Accepted: true, Ride: cur}, nil
}

// ResolveReject records that driverID declined. When every candidate has
// declined the request resolves with no winner, as on timeout.
func (e *Engine) ResolveReject(ctx context.Context, rideID, driverID string) error {
	rq := e.lookup(rideID)
	if rq == nil {
		return ErrOfferExpired
	}
	rq.mu.Lock()
	if rq.resolved {
		rq.mu.Unlock()
		return ErrOfferExpired
	}
	if !rq.isCandidate(driverID) {
		rq.mu.Unlock()
		return ErrNotCandidate
	}
	rq.declined[driverID] = true
	exhausted := len(rq.pendingCandidates("")) == 0
	if exhausted {
		e.resolveLocked(rq, "")
	}
	riderID := rq.req.RiderID
	rq.mu.Unlock()

	e.logger.Info("offer declined", "ride_id", rideID, "driver_id", driverID, "exhausted", exhausted)
	if exhausted {
		e.retire(rq)
		observability.DispatchOutcomes.WithLabelValues("declined").Inc()
		e.noDrivers(ctx, rideID, riderID)
	}
	return nil
}

// Cancel voids a pending request and tells pending candidates. It reports
// whether a request was pending.
func (e *Engine) Cancel(rideID string) bool {
	rq := e.lookup(rideID)
	if rq == nil {
		return false
	}
	rq.mu.Lock()
	if rq.resolved {
		rq.mu.Unlock()
		return false
	}
	e.resolveLocked(rq, "")
	others := rq.pendingCandidates("")
	rq.mu.Unlock()
	e.retire(rq)

	observability.DispatchOutcomes.WithLabelValues("cancelled").Inc()
	e.expireOffers(rideID, others, "cancelled")
	e.logger.Info("dispatch cancelled", "ride_id", rideID)
	return true
}

// Pending returns the pending request for rideID, if any.
func (e *Engine) Pending(rideID string) (Request, bool) {
	rq := e.lookup(rideID)
	if rq == nil {
		return Request{}, false
	}
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if rq.resolved {
		return Request{}, false
	}
	return rq.req, true
}

// Stop cancels every pending timer. Pending requests are left unresolved.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rq := range e.active {
		if rq.timer != nil {
			rq.timer.Stop()
		}
	}
	for _, rq := range e.settled {
		if rq.forget != nil {
			rq.forget.Stop()
		}
	}
}

func (e *Engine) expire(rq *request) {
	rq.mu.Lock()
	if rq.resolved {
		rq.mu.Unlock()
		return
	}
	e.resolveLocked(rq, "")
	others := rq.pendingCandidates("")
	rideID, riderID := rq.req.RideID, rq.req.RiderID
	rq.mu.Unlock()
	e.retire(rq)

	observability.DispatchOutcomes.WithLabelValues("timeout").Inc()
	e.expireOffers(rideID, others, "timeout")
	e.noDrivers(context.Background(), rideID, riderID)
	e.logger.Info("dispatch timed out", "ride_id", rideID)
}

// resolveLocked must be called with rq.mu held.
func (e *Engine) resolveLocked(rq *request, winner string) {
	rq.resolved = true
	rq.winner = winner
	if rq.timer != nil {
		rq.timer.Stop()
	}
}

func (e *Engine) lookup(rideID string) *request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[rideID]
}

// find returns the pending or recently resolved request for rideID.
func (e *Engine) find(rideID string) *request {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rq, ok := e.active[rideID]; ok {
		return rq
	}
	return e.settled[rideID]
}

// retire moves a resolved request out of the active table and keeps it for
// cfg.Retain so late accepts still get a precise answer.
func (e *Engine) retire(rq *request) {
	id := rq.req.RideID
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[id] != rq {
		return
	}
	delete(e.active, id)
	observability.ActiveRequests.Dec()
	if old, ok := e.settled[id]; ok && old.forget != nil {
		old.forget.Stop()
	}
	e.settled[id] = rq
	rq.forget = time.AfterFunc(e.cfg.Retain, func() {
		e.mu.Lock()
		if e.settled[id] == rq {
			delete(e.settled, id)
		}
		e.mu.Unlock()
	})
}

// lost must only be called for drivers that were offered the ride.
func (e *Engine) lost(rideID, driverID string, reason error) AcceptResult {
	observability.AcceptAttempts.WithLabelValues("expired").Inc()
	e.hub.Publish(realtime.DriverKey(driverID), realtime.Event{
		Type: realtime.EventRideOfferExpired,
		Data: realtime.RideOfferExpired{RideID: rideID, Reason: "already taken"},
	})
	return AcceptResult{Reason: reason}
}

func (e *Engine) expireOffers(rideID string, driverIDs []string, reason string) {
	ev := realtime.Event{Type: realtime.EventRideOfferExpired, Data: realtime.RideOfferExpired{RideID: rideID, Reason: reason}}
	for _, id := range driverIDs {
		e.hub.Publish(realtime.DriverKey(id), ev)
	}
}

func (e *Engine) noDrivers(ctx context.Context, rideID, riderID string) {
	ev := realtime.Event{Type: realtime.EventNoDriversResponded, Data: realtime.NoDriversResponded{RideID: rideID}}
	e.hub.Publish(realtime.RiderKey(riderID), ev)
	e.hub.Publish(realtime.RideKey(rideID), ev)
	e.notify(ctx, "no_drivers_responded", riderID, map[string]any{"ride_id": rideID})
}

func (e *Engine) notify(ctx context.Context, event, userID string, payload map[string]any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, event, userID, payload)
}

var _ Registry = (*registry.Registry)(nil)
