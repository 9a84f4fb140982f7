package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/retry"
)

// ErrInvalidMessage marks a message that can never be applied.
var ErrInvalidMessage = errors.New("invalid location message")

// LocationStore is where mirrored locations land.
type LocationStore interface {
	UpdateLocation(ctx context.Context, driverID string, l models.Location) error
}

// Mirror applies consumed location events to a LocationStore with retries.
type Mirror struct {
	Store    LocationStore
	Attempts int
	Backoff  time.Duration
}

func (m *Mirror) Handle(ctx context.Context, value []byte) (LocationEvent, error) {
	var ev LocationEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := ev.Validate(); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	err := retry.Do(ctx, m.Attempts, m.Backoff, func(ctx context.Context) error {
		return m.Store.UpdateLocation(ctx, ev.DriverID, ev.Location())
	})
	return ev, err
}
