// Package directory is the durable record of driver availability. The
// in-memory registry is the authority; this is written behind it.
package directory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrCollaboratorTimeout = errors.New("directory call timed out")

type Directory interface {
	GetDriverLocation(ctx context.Context, driverID string) (*models.Location, error)
	ListOnlineDriverIDs(ctx context.Context) ([]string, error)
	PersistAvailability(ctx context.Context, state models.DriverAvailability) error
}

type MemoryDirectory struct {
	mu     sync.RWMutex
	states map[string]models.DriverAvailability
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{states: make(map[string]models.DriverAvailability)}
}

func (m *MemoryDirectory) GetDriverLocation(_ context.Context, driverID string) (*models.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[driverID]
	if !ok || s.LastKnownLocation == nil {
		return nil, nil
	}
	l := *s.LastKnownLocation
	return &l, nil
}

func (m *MemoryDirectory) ListOnlineDriverIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.states))
	for id, s := range m.states {
		if s.Online {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryDirectory) PersistAvailability(_ context.Context, state models.DriverAvailability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.DriverID] = state
	return nil
}

func (m *MemoryDirectory) Get(driverID string) (models.DriverAvailability, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[driverID]
	return s, ok
}
