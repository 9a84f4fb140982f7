// Package service turns rider and driver commands into calls on the owning
// component and emits the resulting realtime events and notifications.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrValidation       = errors.New("invalid request")
	ErrForbidden        = errors.New("not a party to this ride")
	ErrActiveRideExists = errors.New("user already has an active ride")
	ErrNotRetryable     = errors.New("ride is no longer waiting for a driver")
)

type Router interface {
	Route(ctx context.Context, from, to models.Coord) routing.Route
}

type Publisher interface {
	Publish(key string, ev realtime.Event) int
	Join(fromKey, toKey string) int
}

type Notifier interface {
	Notify(ctx context.Context, event, userID string, payload map[string]any)
}

// LocationPublisher forwards driver location reports downstream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, driverID string, loc models.Location) error
}

type Service struct {
	machine  *ride.Machine
	engine   *dispatch.Engine
	registry *registry.Registry
	store    storage.RideStore
	pricing  *pricing.Engine
	router   Router
	hub      Publisher
	notifier Notifier
	ingest   LocationPublisher
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time

	mu         sync.Mutex
	requesting map[string]struct{}
}

// Deps are the components a Service routes commands to.
type Deps struct {
	Machine  *ride.Machine
	Engine   *dispatch.Engine
	Registry *registry.Registry
	Store    storage.RideStore
	Pricing  *pricing.Engine
	Router   Router
	Hub      Publisher
	Notifier Notifier
	Ingest   LocationPublisher
	Logger   *slog.Logger
}

func New(d Deps) *Service {
	return &Service{
		machine:    d.Machine,
		engine:     d.Engine,
		registry:   d.Registry,
		store:      d.Store,
		pricing:    d.Pricing,
		router:     d.Router,
		hub:        d.Hub,
		notifier:   d.Notifier,
		ingest:     d.Ingest,
		logger:     logging.OrDiscard(d.Logger).With("component", "ride_service"),
		newID:      uuid.NewString,
		now:        time.Now,
		requesting: make(map[string]struct{}),
	}
}

type RequestRide struct {
	RiderID       string               `json:"-"`
	VehicleType   models.VehicleType   `json:"vehicle_type"`
	Pickup        models.Place         `json:"pickup"`
	Dropoff       models.Place         `json:"dropoff"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

func (c *RequestRide) validate() error {
	if c.RiderID == "" {
		return fmt.Errorf("%w: rider id is required", ErrValidation)
	}
	if !c.VehicleType.Valid() {
		return fmt.Errorf("%w: unknown vehicle_type %q", ErrValidation, c.VehicleType)
	}
	if c.PaymentMethod == "" {
		c.PaymentMethod = models.PaymentCash
	}
	if !c.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unknown payment_method %q", ErrValidation, c.PaymentMethod)
	}
	if err := validCoord("pickup", c.Pickup.Coord); err != nil {
		return err
	}
	return validCoord("dropoff", c.Dropoff.Coord)
}

// RequestOutcome is returned even when dispatch found no drivers, so the
// caller can show the ride and offer a retry.
type RequestOutcome struct {
	Ride     *models.Ride      `json:"ride"`
	Dispatch *dispatch.Request `json:"dispatch,omitempty"`
}

// RequestRide prices and creates a ride, then offers it to nearby drivers.
// With no drivers nearby the ride is kept in requested and the returned error
// matches dispatch.ErrNoDriversAvailable.
func (s *Service) RequestRide(ctx context.Context, cmd RequestRide) (*RequestOutcome, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	if !s.claimRequest(cmd.RiderID) {
		return nil, ErrActiveRideExists
	}
	defer s.releaseRequest(cmd.RiderID)

	if _, err := s.activeRide(ctx, cmd.RiderID, models.RoleRider); err == nil {
		return nil, ErrActiveRideExists
	} else if !errors.Is(err, ride.ErrNotFound) {
		return nil, fmt.Errorf("check active ride: %w", err)
	}

	rt := s.router.Route(ctx, cmd.Pickup.Coord, cmd.Dropoff.Coord)
	fare, err := s.pricing.Estimate(cmd.VehicleType, rt.DistanceKm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	created, err := s.machine.Create(ctx, &models.Ride{
		ID:                s.newID(),
		RiderID:           cmd.RiderID,
		VehicleType:       cmd.VehicleType,
		PaymentMethod:     cmd.PaymentMethod,
		Pickup:            cmd.Pickup,
		Dropoff:           cmd.Dropoff,
		DistanceKm:        rt.DistanceKm,
		EstimatedDuration: rt.DurationMin,
		RouteEstimated:    rt.Estimated,
		Fare:              fare,
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "ride_requested", created.RiderID, map[string]any{
		"ride_id": created.ID,
		"pickup":  created.Pickup.Address,
		"dropoff": created.Dropoff.Address,
	})
	s.logger.Info("ride requested", "ride_id", created.ID, "rider_id", created.RiderID,
		"distance_km", created.DistanceKm, "route_estimated", created.RouteEstimated, "fare", created.Fare.Total)

	out := &RequestOutcome{Ride: created}
	req, err := s.engine.Submit(ctx, created)
	if err != nil {
		return out, err
	}
	out.Dispatch = &req
	return out, nil
}

// RetryDispatch re-offers a ride that is still waiting for a driver.
func (s *Service) RetryDispatch(ctx context.Context, rideID, riderID string) (*RequestOutcome, error) {
	r, err := s.machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.RiderID != riderID {
		return nil, ErrForbidden
	}
	if r.Status != models.StatusRequested {
		return nil, ErrNotRetryable
	}
	out := &RequestOutcome{Ride: r}
	req, err := s.engine.Submit(ctx, r)
	if errors.Is(err, dispatch.ErrRideNotRequested) {
		return nil, ErrNotRetryable
	}
	if err != nil {
		return out, err
	}
	out.Dispatch = &req
	return out, nil
}

// AcceptRide settles a driver's accept. On success the rider's and driver's
// live connections join the ride room so they receive its location and status
// events without asking.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID string) (dispatch.AcceptResult, error) {
	res, err := s.engine.ResolveAccept(ctx, rideID, driverID)
	if err != nil || !res.Accepted {
		return res, err
	}
	room := realtime.RideKey(rideID)
	s.hub.Join(realtime.RiderKey(res.Ride.RiderID), room)
	s.hub.Join(realtime.DriverKey(driverID), room)
	return res, nil
}

func (s *Service) RejectRide(ctx context.Context, rideID, driverID string) error {
	return s.engine.ResolveReject(ctx, rideID, driverID)
}

// UpdateStatus moves an assigned ride forward on behalf of its driver.
func (s *Service) UpdateStatus(ctx context.Context, rideID, driverID string, to models.RideStatus) (*models.Ride, error) {
	switch to {
	case models.StatusArriving, models.StatusArrived, models.StatusInProgress, models.StatusCompleted:
	default:
		return nil, fmt.Errorf("%w: status %q cannot be set directly", ErrValidation, to)
	}
	cur, err := s.machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.DriverID == "" || cur.DriverID != driverID {
		return nil, ErrForbidden
	}
	next, err := s.machine.Transition(ctx, rideID, ride.Transition{To: to})
	if err != nil {
		return nil, err
	}
	if to == models.StatusCompleted {
		s.release(next.DriverID, rideID)
	}
	ev := realtime.Event{Type: realtime.EventRideStatusUpdated, Data: realtime.RideStatusUpdated{RideID: rideID, Status: to, Ride: next}}
	s.hub.Publish(realtime.RideKey(rideID), ev)
	s.hub.Publish(realtime.RiderKey(next.RiderID), ev)
	payload := map[string]any{"ride_id": rideID, "status": to}
	if to == models.StatusCompleted {
		payload["fare"] = next.Fare.Total
		payload["distance"] = next.DistanceKm
	}
	s.notify(ctx, "ride_"+string(to), next.RiderID, payload)
	return next, nil
}

type CancelRide struct {
	RideID  string             `json:"-"`
	ActorID string             `json:"-"`
	By      models.CancelledBy `json:"-"`
	Reason  string             `json:"reason"`
}

// CancelRide cancels a non-terminal ride, voids a pending dispatch and frees
// the assigned driver.
func (s *Service) CancelRide(ctx context.Context, cmd CancelRide) (*models.Ride, error) {
	if !cmd.By.Valid() {
		return nil, ride.ErrInvalidCancellation
	}
	cur, err := s.machine.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	switch cmd.By {
	case models.CancelledByRider:
		if cur.RiderID != cmd.ActorID {
			return nil, ErrForbidden
		}
	case models.CancelledByDriver:
		if cur.DriverID == "" || cur.DriverID != cmd.ActorID {
			return nil, ErrForbidden
		}
	}
	next, err := s.machine.Transition(ctx, cmd.RideID, ride.Transition{To: models.StatusCancelled, By: cmd.By, Reason: cmd.Reason})
	if err != nil {
		return nil, err
	}
	s.engine.Cancel(cmd.RideID)
	driverID := next.Cancellation.DriverID
	if driverID != "" {
		s.release(driverID, cmd.RideID)
	}

	ev := realtime.Event{Type: realtime.EventRideCancelled, Data: realtime.RideCancelled{RideID: cmd.RideID, CancelledBy: cmd.By, Reason: cmd.Reason}}
	s.hub.Publish(realtime.RideKey(cmd.RideID), ev)
	s.hub.Publish(realtime.RiderKey(next.RiderID), ev)
	if driverID != "" {
		s.hub.Publish(realtime.DriverKey(driverID), ev)
	}
	payload := map[string]any{"ride_id": cmd.RideID, "cancelled_by": cmd.By, "reason": cmd.Reason}
	if cmd.By != models.CancelledByRider {
		s.notify(ctx, "ride_cancelled", next.RiderID, payload)
	}
	if driverID != "" && cmd.By != models.CancelledByDriver {
		s.notify(ctx, "ride_cancelled", driverID, payload)
	}
	s.logger.Info("ride cancelled", "ride_id", cmd.RideID, "cancelled_by", cmd.By, "driver_id", driverID)
	return next, nil
}

type RateRide struct {
	RideID   string      `json:"-"`
	ActorID  string      `json:"-"`
	Role     models.Role `json:"-"`
	Rating   int         `json:"rating"`
	Feedback string      `json:"feedback"`
}

func (s *Service) RateRide(ctx context.Context, cmd RateRide) (*models.Ride, error) {
	cur, err := s.machine.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(cur, cmd.ActorID, cmd.Role); err != nil {
		return nil, err
	}
	return s.machine.Rate(ctx, cmd.RideID, cmd.Role, cmd.Rating, cmd.Feedback)
}

func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.machine.Get(ctx, rideID)
}

// ActiveRide returns the user's non-terminal ride, or ride.ErrNotFound.
func (s *Service) ActiveRide(ctx context.Context, userID string, role models.Role) (*models.Ride, error) {
	return s.activeRide(ctx, userID, role)
}

// activeRide finds the user's non-terminal ride. The store may lag behind the
// machine while a snapshot waits to be flushed, so the machine's copy decides.
func (s *Service) activeRide(ctx context.Context, userID string, role models.Role) (*models.Ride, error) {
	r, err := s.store.FindActiveForUser(ctx, userID, role)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ride.ErrNotFound
		}
		return nil, err
	}
	cur, err := s.machine.Get(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return nil, ride.ErrNotFound
	}
	return cur, nil
}

func (s *Service) History(ctx context.Context, userID string, role models.Role, f storage.HistoryFilter) (storage.HistoryPage, error) {
	if f.Status != "" {
		if _, ok := models.ParseRideStatus(string(f.Status)); !ok {
			return storage.HistoryPage{}, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
		}
	}
	return s.store.ListHistory(ctx, userID, role, f)
}

// DriverStats reports the driver's earnings for today and the past week
// together with lifetime totals.
func (s *Service) DriverStats(ctx context.Context, driverID string) (storage.DriverStats, error) {
	if driverID == "" {
		return storage.DriverStats{}, fmt.Errorf("%w: driver id is required", ErrValidation)
	}
	return s.store.DriverStats(ctx, driverID, storage.WindowAt(s.now()))
}

func (s *Service) DriverOnline(ctx context.Context, driverID string, loc models.Location) (models.DriverAvailability, error) {
	if err := validCoord("location", models.Coord{Lat: loc.Lat, Lng: loc.Lng}); err != nil {
		return models.DriverAvailability{}, err
	}
	d := s.registry.GoOnline(driverID, loc)
	s.logger.Info("driver online", "driver_id", driverID)
	return d, nil
}

func (s *Service) DriverOffline(ctx context.Context, driverID string) error {
	return s.registry.GoOffline(driverID)
}

// DriverLocation records a position report. Reports for a driver on a ride
// are forwarded to the ride room for live tracking.
func (s *Service) DriverLocation(ctx context.Context, driverID string, loc models.Location) (models.DriverAvailability, bool, error) {
	if err := validCoord("location", models.Coord{Lat: loc.Lat, Lng: loc.Lng}); err != nil {
		return models.DriverAvailability{}, false, err
	}
	d, applied := s.registry.UpdateLocation(driverID, loc)
	if !applied {
		return d, false, nil
	}
	if s.ingest != nil {
		if err := s.ingest.PublishLocation(ctx, driverID, *d.LastKnownLocation); err != nil {
			s.logger.Warn("location publish failed", "collaborator", "kafka", "driver_id", driverID, "error", err)
		}
	}
	if d.Busy && d.CurrentRideID != "" {
		s.hub.Publish(realtime.RideKey(d.CurrentRideID), realtime.Event{
			Type: realtime.EventDriverLocation,
			Data: realtime.DriverLocation{
				DriverID:  driverID,
				RideID:    d.CurrentRideID,
				Location:  models.Coord{Lat: d.LastKnownLocation.Lat, Lng: d.LastKnownLocation.Lng},
				Timestamp: d.LastKnownLocation.Timestamp,
			},
		})
	}
	return d, true, nil
}

type FareQuote struct {
	VehicleType models.VehicleType `json:"vehicle_type"`
	Fare        models.Fare        `json:"fare"`
}

type Estimate struct {
	Route  routing.Route `json:"route"`
	Quotes []FareQuote   `json:"quotes"`
}

// EstimateFares prices the route for vt, or for every vehicle type when vt is empty.
func (s *Service) EstimateFares(ctx context.Context, pickup, dropoff models.Coord, vt models.VehicleType) (Estimate, error) {
	if err := validCoord("pickup", pickup); err != nil {
		return Estimate{}, err
	}
	if err := validCoord("dropoff", dropoff); err != nil {
		return Estimate{}, err
	}
	types := models.VehicleTypes
	if vt != "" {
		if !vt.Valid() {
			return Estimate{}, fmt.Errorf("%w: unknown vehicle_type %q", ErrValidation, vt)
		}
		types = []models.VehicleType{vt}
	}
	rt := s.router.Route(ctx, pickup, dropoff)
	out := Estimate{Route: rt, Quotes: make([]FareQuote, 0, len(types))}
	for _, t := range types {
		f, err := s.pricing.Estimate(t, rt.DistanceKm)
		if err != nil {
			return Estimate{}, err
		}
		out.Quotes = append(out.Quotes, FareQuote{VehicleType: t, Fare: f})
	}
	return out, nil
}

func (s *Service) SurgeMultiplier() float64 { return s.pricing.SurgeMultiplier() }

func (s *Service) SetSurgeMultiplier(m float64) error {
	if err := s.pricing.SetSurgeMultiplier(m); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	s.logger.Info("surge multiplier changed", "surge_multiplier", m)
	return nil
}

func (s *Service) authorize(r *models.Ride, userID string, role models.Role) error {
	switch role {
	case models.RoleRider:
		if r.RiderID == userID {
			return nil
		}
	case models.RoleDriver:
		if userID != "" && (r.DriverID == userID || (r.Cancellation != nil && r.Cancellation.DriverID == userID)) {
			return nil
		}
	}
	return ErrForbidden
}

func (s *Service) release(driverID, rideID string) {
	if err := s.registry.MarkFree(driverID); err != nil && !errors.Is(err, registry.ErrNotBusy) {
		s.logger.Warn("release driver failed", "driver_id", driverID, "ride_id", rideID, "error", err)
	}
}

func (s *Service) claimRequest(riderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.requesting[riderID]; busy {
		return false
	}
	s.requesting[riderID] = struct{}{}
	return true
}

func (s *Service) releaseRequest(riderID string) {
	s.mu.Lock()
	delete(s.requesting, riderID)
	s.mu.Unlock()
}

func (s *Service) notify(ctx context.Context, event, userID string, payload map[string]any) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Notify(ctx, event, userID, payload)
}

func validCoord(field string, c models.Coord) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%w: %s coordinates out of range", ErrValidation, field)
	}
	return nil
}
