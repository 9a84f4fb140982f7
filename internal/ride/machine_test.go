package ride

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type failingStore struct {
	*storage.MemoryStore
	fail atomic.Bool
}

func (f *failingStore) Save(ctx context.Context, r *models.Ride) error {
	if f.fail.Load() {
		return errors.New("store unreachable")
	}
	return f.MemoryStore.Save(ctx, r)
}

func newRide(id string) *models.Ride {
	return &models.Ride{
		ID:          id,
		RiderID:     "rider-1",
		VehicleType: models.VehicleEconomy,
		Pickup:      models.Place{Address: "MG Road", Coord: models.Coord{Lat: 12.9716, Lng: 77.5946}},
		Dropoff:     models.Place{Address: "Koramangala", Coord: models.Coord{Lat: 12.9352, Lng: 77.6142}},
	}
}

func drive(t *testing.T, m *Machine, id string, steps ...models.RideStatus) *models.Ride {
	t.Helper()
	var r *models.Ride
	var err error
	for _, s := range steps {
		tr := Transition{To: s}
		if s == models.StatusAccepted {
			tr.DriverID = "driver-1"
		}
		r, err = m.Transition(context.Background(), id, tr)
		require.NoError(t, err, "transition to %s", s)
	}
	return r
}

func TestFullLifecycleStampsTimelineOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewMachine(store)
	_, err := m.Create(context.Background(), newRide("r1"))
	require.NoError(t, err)

	r := drive(t, m, "r1",
		models.StatusAccepted, models.StatusArriving, models.StatusArrived,
		models.StatusInProgress, models.StatusCompleted)

	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, "driver-1", r.DriverID)
	stamps := r.Timeline.Stamps()
	require.Len(t, stamps, 6)
	for i := 1; i < len(stamps); i++ {
		assert.False(t, stamps[i].Before(stamps[i-1]), "timeline went backwards at %d", i)
	}
	assert.Nil(t, r.Timeline.CancelledAt)

	persisted, err := store.FindByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, persisted.Status)
}

func TestTimelineMonotonicWithBackwardsClock(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(time.Minute), base.Add(-time.Hour)}
	i := 0
	m := NewMachine(storage.NewMemoryStore(), WithClock(func() time.Time {
		t := ticks[i%len(ticks)]
		i++
		return t
	}))
	_, err := m.Create(context.Background(), newRide("r1"))
	require.NoError(t, err)
	r := drive(t, m, "r1", models.StatusAccepted, models.StatusArriving)
	assert.Equal(t, base.Add(time.Minute), *r.Timeline.ArrivingAt, "stamp clamped to previous milestone")
}

func TestInvalidTransitionLeavesRideUntouched(t *testing.T) {
	m := NewMachine(storage.NewMemoryStore())
	_, err := m.Create(context.Background(), newRide("r1"))
	require.NoError(t, err)

	_, err = m.Transition(context.Background(), "r1", Transition{To: models.StatusInProgress})
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, models.StatusRequested, te.From)
	assert.Equal(t, models.StatusInProgress, te.To)

	r, err := m.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, r.Status)
	assert.Nil(t, r.Timeline.StartedAt)
}

func TestAcceptRequiresDriver(t *testing.T) {
	m := NewMachine(storage.NewMemoryStore())
	_, _ = m.Create(context.Background(), newRide("r1"))
	_, err := m.Transition(context.Background(), "r1", Transition{To: models.StatusAccepted})
	require.ErrorIs(t, err, ErrDriverRequired)
}

func TestCancelInProgressByDriverThenFrozen(t *testing.T) {
	m := NewMachine(storage.NewMemoryStore())
	_, _ = m.Create(context.Background(), newRide("r1"))
	drive(t, m, "r1", models.StatusAccepted, models.StatusArriving, models.StatusArrived, models.StatusInProgress)

	r, err := m.Transition(context.Background(), "r1", Transition{To: models.StatusCancelled, By: models.CancelledByDriver, Reason: "vehicle breakdown"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, r.Status)
	require.NotNil(t, r.Cancellation)
	assert.Equal(t, models.CancelledByDriver, r.Cancellation.By)
	assert.Equal(t, "driver-1", r.Cancellation.DriverID)
	assert.Empty(t, r.DriverID)
	assert.NotNil(t, r.Timeline.CancelledAt)

	for _, to := range []models.RideStatus{models.StatusCompleted, models.StatusCancelled, models.StatusAccepted} {
		_, err := m.Transition(context.Background(), "r1", Transition{To: to, DriverID: "d", By: models.CancelledByRider})
		assert.ErrorIs(t, err, ErrInvalidTransition, "to %s", to)
	}
}

func TestCancelRequiresValidParty(t *testing.T) {
	m := NewMachine(storage.NewMemoryStore())
	_, _ = m.Create(context.Background(), newRide("r1"))
	_, err := m.Transition(context.Background(), "r1", Transition{To: models.StatusCancelled, By: "alien"})
	require.ErrorIs(t, err, ErrInvalidCancellation)
}

func TestConcurrentCompleteSucceedsOnce(t *testing.T) {
	m := NewMachine(storage.NewMemoryStore())
	_, _ = m.Create(context.Background(), newRide("r1"))
	drive(t, m, "r1", models.StatusAccepted, models.StatusArriving, models.StatusArrived, models.StatusInProgress)

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Transition(context.Background(), "r1", Transition{To: models.StatusCompleted})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInvalidTransition):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(49), rejected.Load())
}

func TestStoreFailureDoesNotAbortTransition(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore()}
	m := NewMachine(store)
	_, err := m.Create(context.Background(), newRide("r1"))
	require.NoError(t, err)

	store.fail.Store(true)
	r, err := m.Transition(context.Background(), "r1", Transition{To: models.StatusAccepted, DriverID: "driver-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, r.Status)

	got, err := m.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status, "in-memory state is authoritative")

	store.fail.Store(false)
	_, err = m.Transition(context.Background(), "r1", Transition{To: models.StatusArriving})
	require.NoError(t, err)
	persisted, _ := store.FindByID(context.Background(), "r1")
	assert.Equal(t, models.StatusArriving, persisted.Status, "next change writes the full snapshot")
}

func TestFlushPersistsTerminalRideAfterStoreRecovers(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore()}
	m := NewMachine(store, WithFlush(FlushConfig{Attempts: 2, Backoff: time.Millisecond}))
	_, err := m.Create(context.Background(), newRide("r1"))
	require.NoError(t, err)
	drive(t, m, "r1", models.StatusAccepted, models.StatusArriving, models.StatusArrived, models.StatusInProgress)

	store.fail.Store(true)
	_, err = m.Transition(context.Background(), "r1", Transition{To: models.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Dirty())

	m.Flush(context.Background())
	assert.Equal(t, 1, m.Dirty(), "still failing, stays queued")
	persisted, _ := store.FindByID(context.Background(), "r1")
	assert.Equal(t, models.StatusInProgress, persisted.Status)

	store.fail.Store(false)
	m.Flush(context.Background())
	assert.Equal(t, 0, m.Dirty())
	persisted, _ = store.FindByID(context.Background(), "r1")
	assert.Equal(t, models.StatusCompleted, persisted.Status)

	m.mu.Lock()
	_, cached := m.rides["r1"]
	m.mu.Unlock()
	assert.False(t, cached, "persisted terminal ride is evicted")
}

func TestRunRetriesDirtyRides(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore()}
	m := NewMachine(store, WithFlush(FlushConfig{Attempts: 1, Backoff: time.Millisecond, Interval: 5 * time.Millisecond}))
	_, err := m.Create(context.Background(), newRide("r1"))
	require.NoError(t, err)

	store.fail.Store(true)
	_, err = m.Transition(context.Background(), "r1", Transition{To: models.StatusCancelled, By: models.CancelledByRider})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	store.fail.Store(false)

	require.Eventually(t, func() bool {
		r, err := store.FindByID(context.Background(), "r1")
		return err == nil && r.Status == models.StatusCancelled
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 0, m.Dirty())
}

func TestCreateFailsWhenStoreUnreachable(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore()}
	store.fail.Store(true)
	m := NewMachine(store)
	_, err := m.Create(context.Background(), newRide("r1"))
	require.Error(t, err)
	_, err = m.Get(context.Background(), "r1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalRideReloadedFromStoreStaysFrozen(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewMachine(store)
	_, _ = m.Create(context.Background(), newRide("r1"))
	_, err := m.Transition(context.Background(), "r1", Transition{To: models.StatusCancelled, By: models.CancelledByRider})
	require.NoError(t, err)

	fresh := NewMachine(store)
	_, err = fresh.Transition(context.Background(), "r1", Transition{To: models.StatusAccepted, DriverID: "d"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = fresh.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRateOncePerSide(t *testing.T) {
	m := NewMachine(storage.NewMemoryStore())
	_, _ = m.Create(context.Background(), newRide("r1"))

	_, err := m.Rate(context.Background(), "r1", models.RoleRider, 5, "")
	require.ErrorIs(t, err, ErrNotCompleted)

	drive(t, m, "r1", models.StatusAccepted, models.StatusArriving, models.StatusArrived, models.StatusInProgress, models.StatusCompleted)

	_, err = m.Rate(context.Background(), "r1", models.RoleRider, 6, "")
	require.ErrorIs(t, err, ErrInvalidRating)

	r, err := m.Rate(context.Background(), "r1", models.RoleRider, 5, "smooth ride")
	require.NoError(t, err)
	require.NotNil(t, r.Ratings.DriverRating)
	assert.Equal(t, 5, *r.Ratings.DriverRating)
	assert.Equal(t, "smooth ride", r.Ratings.RiderFeedback)

	_, err = m.Rate(context.Background(), "r1", models.RoleRider, 4, "")
	require.ErrorIs(t, err, ErrAlreadyRated)

	r, err = m.Rate(context.Background(), "r1", models.RoleDriver, 4, "polite")
	require.NoError(t, err)
	assert.Equal(t, 4, *r.Ratings.RiderRating)
}

func TestTransitionTableIsExhaustive(t *testing.T) {
	all := []models.RideStatus{
		models.StatusRequested, models.StatusAccepted, models.StatusArriving, models.StatusArrived,
		models.StatusInProgress, models.StatusCompleted, models.StatusCancelled,
	}
	for _, from := range all {
		for _, to := range all {
			want := false
			if !from.Terminal() && to == models.StatusCancelled {
				want = true
			}
			for i := 0; i+1 < len(all)-1; i++ {
				if all[i] == from && all[i+1] == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}
