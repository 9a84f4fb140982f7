package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound            = errors.New("ride not found")
	ErrCollaboratorTimeout = errors.New("ride store call timed out")
)

// RideStore persists ride snapshots.
type RideStore interface {
	Save(ctx context.Context, r *models.Ride) error
	FindByID(ctx context.Context, id string) (*models.Ride, error)
	// FindActiveForUser returns the newest non-terminal ride of the user, or ErrNotFound.
	FindActiveForUser(ctx context.Context, userID string, role models.Role) (*models.Ride, error)
	ListHistory(ctx context.Context, userID string, role models.Role, f HistoryFilter) (HistoryPage, error)
	// DriverStats aggregates the rides the driver was assigned to, cancelled ones included.
	DriverStats(ctx context.Context, driverID string, w StatsWindow) (DriverStats, error)
}

type HistoryFilter struct {
	Status models.RideStatus
	Page   int
	Limit  int
}

const (
	defaultLimit = 10
	maxLimit     = 100
)

// Normalize applies paging defaults.
func (f HistoryFilter) Normalize() HistoryFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	return f
}

func (f HistoryFilter) offset() int { return (f.Page - 1) * f.Limit }

type HistoryPage struct {
	Rides []*models.Ride `json:"rides"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
	Total int            `json:"total"`
	Pages int            `json:"pages"`
}

func newPage(f HistoryFilter, total int, rides []*models.Ride) HistoryPage {
	pages := 0
	if total > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	if rides == nil {
		rides = []*models.Ride{}
	}
	return HistoryPage{Rides: rides, Page: f.Page, Limit: f.Limit, Total: total, Pages: pages}
}

// assignedDriver is the driver a ride belongs to for history purposes,
// including the driver that was assigned when the ride was cancelled.
func assignedDriver(r *models.Ride) string {
	if r.DriverID != "" {
		return r.DriverID
	}
	if r.Cancellation != nil {
		return r.Cancellation.DriverID
	}
	return ""
}

func belongsTo(r *models.Ride, userID string, role models.Role) bool {
	if role == models.RoleDriver {
		return assignedDriver(r) == userID
	}
	return r.RiderID == userID
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Save(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) FindActiveForUser(_ context.Context, userID string, role models.Role) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Ride
	for _, r := range m.rides {
		if r.Status.Terminal() || !belongsTo(r, userID, role) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func (m *MemoryStore) ListHistory(_ context.Context, userID string, role models.Role, f HistoryFilter) (HistoryPage, error) {
	f = f.Normalize()
	m.mu.RLock()
	var matched []*models.Ride
	for _, r := range m.rides {
		if !belongsTo(r, userID, role) {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		matched = append(matched, r.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	start := f.offset()
	if start > total {
		start = total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return newPage(f, total, matched[start:end]), nil
}

func (m *MemoryStore) DriverStats(_ context.Context, driverID string, w StatsWindow) (DriverStats, error) {
	m.mu.RLock()
	var rides []*models.Ride
	for _, r := range m.rides {
		if assignedDriver(r) == driverID {
			rides = append(rides, r)
		}
	}
	m.mu.RUnlock()
	return AggregateDriverStats(rides, w), nil
}
