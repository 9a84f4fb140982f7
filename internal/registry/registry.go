// Package registry tracks driver presence and availability and owns the
// membership of drivers in the proximity index.
package registry

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
)

var (
	ErrUnknownDriver    = errors.New("unknown driver")
	ErrDriverOffline    = errors.New("driver is offline")
	ErrDoubleAssignment = errors.New("driver already assigned to a ride")
	ErrNotBusy          = errors.New("driver is not on a ride")
)

// Index is the proximity structure the registry keeps in sync with availability.
type Index interface {
	Upsert(driverID string, lat, lng float64)
	Remove(driverID string)
	Nearest(lat, lng float64, k int, maxRadiusMeters float64) []models.Candidate
}

// Persister receives availability snapshots for write-behind persistence.
// Enqueue must not block.
type Persister interface {
	Enqueue(state models.DriverAvailability)
}

// Source is the durable directory the registry rebuilds itself from.
type Source interface {
	ListOnlineDriverIDs(ctx context.Context) ([]string, error)
	GetDriverLocation(ctx context.Context, driverID string) (*models.Location, error)
}

type Registry struct {
	mu      sync.Mutex
	drivers map[string]*models.DriverAvailability
	index   Index
	persist Persister
	radius  float64
	logger  *slog.Logger
	now     func() time.Time

	online, busy int
}

type Option func(*Registry)

func WithPersister(p Persister) Option { return func(r *Registry) { r.persist = p } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithSearchRadius bounds CandidatesNear to the given radius in meters.
func WithSearchRadius(meters float64) Option { return func(r *Registry) { r.radius = meters } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func New(index Index, opts ...Option) *Registry {
	r := &Registry{
		drivers: make(map[string]*models.DriverAvailability),
		index:   index,
		radius:  5000,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = logging.OrDiscard(r.logger).With("component", "registry")
	return r
}

// GoOnline marks the driver present at loc and, unless busy, makes it a dispatch candidate.
func (r *Registry) GoOnline(driverID string, loc models.Location) models.DriverAvailability {
	r.mu.Lock()
	defer r.mu.Unlock()
	if loc.Timestamp.IsZero() {
		loc.Timestamp = r.now()
	}
	d, ok := r.drivers[driverID]
	if !ok {
		d = &models.DriverAvailability{DriverID: driverID}
		r.drivers[driverID] = d
	}
	was := *d
	d.Online = true
	if d.LastKnownLocation == nil || !loc.Timestamp.Before(d.LastKnownLocation.Timestamp) {
		l := loc
		d.LastKnownLocation = &l
	}
	if !d.Busy {
		r.index.Upsert(driverID, d.LastKnownLocation.Lat, d.LastKnownLocation.Lng)
	}
	r.changed(was, d)
	return snapshot(d)
}

// GoOffline removes the driver from the candidate set. A busy driver keeps its ride.
func (r *Registry) GoOffline(driverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	was := *d
	d.Online = false
	r.index.Remove(driverID)
	r.changed(was, d)
	return nil
}

// UpdateLocation records a position report. It reports false when the driver
// is unknown or offline, or when the report is older than the last one.
// Busy drivers keep their tracked position but stay out of the index.
func (r *Registry) UpdateLocation(driverID string, loc models.Location) (models.DriverAvailability, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok || !d.Online {
		return models.DriverAvailability{}, false
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = r.now()
	}
	if d.LastKnownLocation != nil && loc.Timestamp.Before(d.LastKnownLocation.Timestamp) {
		return snapshot(d), false
	}
	l := loc
	d.LastKnownLocation = &l
	if !d.Busy {
		r.index.Upsert(driverID, loc.Lat, loc.Lng)
	}
	r.changed(*d, d)
	return snapshot(d), true
}

// MarkBusy assigns the driver to rideID and withdraws it from dispatch.
// It never overwrites an existing assignment.
func (r *Registry) MarkBusy(driverID, rideID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	if !d.Online {
		return ErrDriverOffline
	}
	if d.Busy {
		r.logger.Error("double assignment rejected",
			"alert", true,
			"driver_id", driverID,
			"current_ride_id", d.CurrentRideID,
			"ride_id", rideID,
		)
		return fmt.Errorf("%w: driver %s is on ride %s", ErrDoubleAssignment, driverID, d.CurrentRideID)
	}
	was := *d
	d.Busy = true
	d.CurrentRideID = rideID
	r.index.Remove(driverID)
	r.changed(was, d)
	return nil
}

// MarkFree ends the driver's assignment and returns it to dispatch if online.
func (r *Registry) MarkFree(driverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	if !d.Busy {
		return ErrNotBusy
	}
	was := *d
	d.Busy = false
	d.CurrentRideID = ""
	if d.Online && d.LastKnownLocation != nil {
		r.index.Upsert(driverID, d.LastKnownLocation.Lat, d.LastKnownLocation.Lng)
	}
	r.changed(was, d)
	return nil
}

func (r *Registry) IsAvailable(driverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	return ok && d.Online && !d.Busy
}

func (r *Registry) Get(driverID string) (models.DriverAvailability, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return models.DriverAvailability{}, false
	}
	return snapshot(d), true
}

// CandidatesNear returns up to k available drivers closest to the point.
// The index is read without the registry lock; results are re-validated
// against current availability before returning.
func (r *Registry) CandidatesNear(lat, lng float64, k int) []models.Candidate {
	near := r.index.Nearest(lat, lng, k, r.radius)
	if len(near) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := near[:0]
	for _, c := range near {
		if d, ok := r.drivers[c.DriverID]; ok && d.Online && !d.Busy {
			out = append(out, c)
		}
	}
	return out
}

// Warm rebuilds online drivers from the durable directory. Drivers already
// known in memory are left alone; heartbeats refresh the rest.
func (r *Registry) Warm(ctx context.Context, src Source) (int, error) {
	ids, err := src.ListOnlineDriverIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list online drivers: %w", err)
	}
	n := 0
	for _, id := range ids {
		if _, known := r.Get(id); known {
			continue
		}
		loc, err := src.GetDriverLocation(ctx, id)
		if err != nil {
			r.logger.Warn("warm start location lookup failed", "driver_id", id, "error", err)
			continue
		}
		if loc == nil {
			continue
		}
		r.GoOnline(id, *loc)
		n++
	}
	return n, nil
}

// changed must be called with r.mu held.
func (r *Registry) changed(was models.DriverAvailability, d *models.DriverAvailability) {
	r.online += flag(d.Online) - flag(was.Online)
	r.busy += flag(d.Busy) - flag(was.Busy)
	observability.DriversOnline.Set(float64(r.online))
	observability.DriversBusy.Set(float64(r.busy))
	if r.persist != nil {
		r.persist.Enqueue(snapshot(d))
	}
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func snapshot(d *models.DriverAvailability) models.DriverAvailability {
	s := *d
	if d.LastKnownLocation != nil {
		l := *d.LastKnownLocation
		s.LastKnownLocation = &l
	}
	return s
}
