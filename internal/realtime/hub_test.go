package realtime

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []Event
	fail   bool
	block  chan struct{}
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(ev Event) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func TestPublishFansOutByKey(t *testing.T) {
	h := NewHub(nil)
	rider := newFakeConn("c1")
	driver := newFakeConn("c2")
	viewer := newFakeConn("c3")

	h.SubscribeRider("r1", rider)
	h.SubscribeRide("ride-1", rider)
	h.SubscribeDriver("d1", driver)
	h.SubscribeRide("ride-1", driver)
	h.SubscribeRide("ride-1", viewer)

	if n := h.Publish(RideKey("ride-1"), Event{Type: EventRideStatusUpdated}); n != 3 {
		t.Fatalf("expected 3 deliveries to ride room, got %d", n)
	}
	if n := h.Publish(DriverKey("d1"), Event{Type: EventNewRideRequest}); n != 1 {
		t.Fatalf("expected 1 delivery to driver channel, got %d", n)
	}
	if n := h.Publish(RiderKey("nobody"), Event{Type: EventRideAccepted}); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
	if got := len(rider.received()); got != 1 {
		t.Fatalf("rider should see one event, got %d", got)
	}
	if got := len(driver.received()); got != 2 {
		t.Fatalf("driver should see two events, got %d", got)
	}
}

func TestJoinMovesLiveConnectionsIntoRoom(t *testing.T) {
	h := NewHub(nil)
	phone := newFakeConn("c1")
	tablet := newFakeConn("c2")
	driver := newFakeConn("c3")
	h.SubscribeRider("r1", phone)
	h.SubscribeRider("r1", tablet)
	h.SubscribeDriver("d1", driver)

	if n := h.Join(RiderKey("r1"), RideKey("ride-1")); n != 2 {
		t.Fatalf("expected 2 rider connections joined, got %d", n)
	}
	if n := h.Join(DriverKey("d1"), RideKey("ride-1")); n != 1 {
		t.Fatalf("expected 1 driver connection joined, got %d", n)
	}
	if n := h.Join(RiderKey("offline"), RideKey("ride-1")); n != 0 {
		t.Fatalf("expected nothing joined, got %d", n)
	}
	if n := h.Publish(RideKey("ride-1"), Event{Type: EventDriverLocation}); n != 3 {
		t.Fatalf("expected 3 deliveries to ride room, got %d", n)
	}

	h.UnsubscribeAll(phone)
	if n := h.Subscribers(RideKey("ride-1")); n != 2 {
		t.Fatalf("disconnect should leave the room too, got %d subscribers", n)
	}
}

func TestFailedSendDropsOnlyThatConnection(t *testing.T) {
	h := NewHub(nil)
	good := newFakeConn("good")
	bad := newFakeConn("bad")
	bad.fail = true

	h.SubscribeRide("ride-1", good)
	h.SubscribeRide("ride-1", bad)
	h.SubscribeRider("r2", bad)

	if n := h.Publish(RideKey("ride-1"), Event{Type: EventRideCancelled}); n != 1 {
		t.Fatalf("expected 1 successful delivery, got %d", n)
	}
	if !bad.closed {
		t.Fatal("failed connection should be closed")
	}
	if h.Subscribers(RiderKey("r2")) != 0 {
		t.Fatal("failed connection should be removed from every channel")
	}
	if h.Subscribers(RideKey("ride-1")) != 1 {
		t.Fatal("healthy connection should stay subscribed")
	}
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub(nil)
	c := newFakeConn("c1")
	h.SubscribeDriver("d1", c)
	h.SubscribeRide("ride-1", c)

	h.UnsubscribeRide("ride-1", c)
	if h.Subscribers(RideKey("ride-1")) != 0 {
		t.Fatal("expected ride room to be empty")
	}
	h.UnsubscribeAll(c)
	if h.Publish(DriverKey("d1"), Event{Type: EventNewRideRequest}) != 0 {
		t.Fatal("expected no delivery after UnsubscribeAll")
	}
	if c.closed {
		t.Fatal("UnsubscribeAll must not close the connection")
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	h := NewHub(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		c := newFakeConn(fmt.Sprintf("c%d", i))
		go func() {
			defer wg.Done()
			h.SubscribeRide("ride-1", c)
			h.UnsubscribeRide("ride-1", c)
		}()
		go func() {
			defer wg.Done()
			h.Publish(RideKey("ride-1"), Event{Type: EventDriverLocation})
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish and subscribe deadlocked")
	}
}
