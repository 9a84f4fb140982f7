// Package geo keeps the in-memory proximity index of available drivers.
package geo

import (
	"math"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	earthRadiusMeters = 6371000.0

	// DefaultCellDegrees is roughly 5.5 km of latitude, close to the default search radius.
	DefaultCellDegrees = 0.05
)

type cellKey struct {
	lat, lng int64
}

type entry struct {
	lat, lng float64
	cell     cellKey
}

// Index is a grid hash of driver positions. Each cell covers cellDeg x cellDeg
// degrees; Nearest scans only the cells overlapping the radius bounding box.
type Index struct {
	mu      sync.RWMutex
	cellDeg float64
	drivers map[string]entry
	cells   map[cellKey]map[string]struct{}
}

func NewIndex(cellDegrees float64) *Index {
	if cellDegrees <= 0 {
		cellDegrees = DefaultCellDegrees
	}
	return &Index{
		cellDeg: cellDegrees,
		drivers: make(map[string]entry),
		cells:   make(map[cellKey]map[string]struct{}),
	}
}

func (g *Index) cellFor(lat, lng float64) cellKey {
	return cellKey{
		lat: int64(math.Floor(lat / g.cellDeg)),
		lng: int64(math.Floor(lng / g.cellDeg)),
	}
}

// Upsert inserts the driver or moves it in place.
func (g *Index) Upsert(driverID string, lat, lng float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cell := g.cellFor(lat, lng)
	if old, ok := g.drivers[driverID]; ok && old.cell != cell {
		g.removeFromCell(driverID, old.cell)
	}
	bucket, ok := g.cells[cell]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[cell] = bucket
	}
	bucket[driverID] = struct{}{}
	g.drivers[driverID] = entry{lat: lat, lng: lng, cell: cell}
}

func (g *Index) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	old, ok := g.drivers[driverID]
	if !ok {
		return
	}
	g.removeFromCell(driverID, old.cell)
	delete(g.drivers, driverID)
}

func (g *Index) removeFromCell(driverID string, cell cellKey) {
	bucket := g.cells[cell]
	delete(bucket, driverID)
	if len(bucket) == 0 {
		delete(g.cells, cell)
	}
}

func (g *Index) Contains(driverID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.drivers[driverID]
	return ok
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers)
}

// Nearest returns at most k drivers within maxRadiusMeters of (lat, lng),
// ascending by haversine distance with ties broken by driver id.
// A non-positive radius means unbounded.
func (g *Index) Nearest(lat, lng float64, k int, maxRadiusMeters float64) []models.Candidate {
	if k <= 0 {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []models.Candidate
	consider := func(id string, e entry) {
		d := Haversine(lat, lng, e.lat, e.lng)
		if maxRadiusMeters > 0 && d > maxRadiusMeters {
			return
		}
		out = append(out, models.Candidate{DriverID: id, DistanceMeters: d})
	}

	box, bounded := boundingBox(lat, lng, maxRadiusMeters)
	if !bounded || g.cellCount(box) > len(g.drivers) {
		for id, e := range g.drivers {
			consider(id, e)
		}
	} else {
		lo := g.cellFor(box.minLat, box.minLng)
		hi := g.cellFor(box.maxLat, box.maxLng)
		for x := lo.lat; x <= hi.lat; x++ {
			for y := lo.lng; y <= hi.lng; y++ {
				for id := range g.cells[cellKey{lat: x, lng: y}] {
					e := g.drivers[id]
					if !box.contains(e.lat, e.lng) {
						continue
					}
					consider(id, e)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].DriverID < out[j].DriverID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func (g *Index) cellCount(b bbox) int {
	lo := g.cellFor(b.minLat, b.minLng)
	hi := g.cellFor(b.maxLat, b.maxLng)
	n := (hi.lat - lo.lat + 1) * (hi.lng - lo.lng + 1)
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

type bbox struct {
	minLat, maxLat, minLng, maxLng float64
}

func (b bbox) contains(lat, lng float64) bool {
	return lat >= b.minLat && lat <= b.maxLat && lng >= b.minLng && lng <= b.maxLng
}

// boundingBox converts a radius into a lat/lng degree box that contains every
// point within that great-circle distance. It reports false when the box
// would touch a pole or cross the antimeridian; callers then scan everything.
func boundingBox(lat, lng, radiusMeters float64) (bbox, bool) {
	if radiusMeters <= 0 {
		return bbox{}, false
	}
	angular := radiusMeters / earthRadiusMeters
	dLat := angular * 180 / math.Pi
	if lat+dLat >= 90 || lat-dLat <= -90 {
		return bbox{}, false
	}
	s := math.Sin(angular) / math.Cos(lat*math.Pi/180)
	if s >= 1 {
		return bbox{}, false
	}
	dLng := math.Asin(s) * 180 / math.Pi
	if lng-dLng < -180 || lng+dLng > 180 {
		return bbox{}, false
	}
	return bbox{minLat: lat - dLat, maxLat: lat + dLat, minLng: lng - dLng, maxLng: lng + dLng}, true
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
