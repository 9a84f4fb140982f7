// Package routing resolves billed route distance and duration between two
// points. It is independent of the proximity index: distances here come from
// a road network when available, straight-line only as a flagged fallback.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MinDistanceKm is the smallest billable distance.
const MinDistanceKm = 0.1

type Route struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin int     `json:"duration_min"`
	Estimated   bool    `json:"estimated"`
}

// Client looks up a driving route.
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Estimate returns a straight-line route at two minutes per km.
func Estimate(from, to models.Coord) Route {
	km := greatCircleKm(from, to)
	return Route{DistanceKm: km, DurationMin: int(math.Ceil(km * 2)), Estimated: true}
}

// straight-line distance kept local so billing never shares the proximity metric
func greatCircleKm(a, b models.Coord) float64 {
	const R = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Cache holds routes keyed by endpoints for a fixed TTL.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	r  Route
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f->%.5f,%.5f", a.Lat, a.Lng, b.Lat, b.Lng)
}

func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.r, true
}

func (c *Cache) Set(a, b models.Coord, r Route) {
	c.mu.Lock()
	c.store[keyFor(a, b)] = cacheEntry{r: r, ts: c.now()}
	c.mu.Unlock()
}

// Router asks the primary client, caches real routes and falls back to a
// straight-line estimate that is flagged and logged.
type Router struct {
	primary Client
	cache   *Cache
	logger  *slog.Logger
}

// NewRouter accepts a nil primary or cache; with no primary every route is estimated.
func NewRouter(primary Client, cache *Cache, logger *slog.Logger) *Router {
	return &Router{primary: primary, cache: cache, logger: logging.OrDiscard(logger).With("component", "routing")}
}

// Route never fails; the distance is floored at MinDistanceKm.
func (r *Router) Route(ctx context.Context, from, to models.Coord) Route {
	if r.cache != nil {
		if rt, ok := r.cache.Get(from, to); ok {
			return rt
		}
	}
	if r.primary != nil {
		rt, err := r.primary.Route(ctx, from, to)
		if err == nil {
			rt = floor(rt)
			if r.cache != nil {
				r.cache.Set(from, to, rt)
			}
			return rt
		}
		observability.CollaboratorErrors.WithLabelValues("routing", "route").Inc()
		r.logger.Warn("routing lookup failed, using straight-line estimate", "collaborator", "routing", "error", err)
	}
	return floor(Estimate(from, to))
}

func floor(rt Route) Route {
	if rt.DistanceKm < MinDistanceKm {
		rt.DistanceKm = MinDistanceKm
	}
	return rt
}
