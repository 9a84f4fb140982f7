// Package realtime fans events out to live client connections grouped by
// channel key. Delivery is best-effort and at-most-once; there is no replay.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	EventNewRideRequest     = "new-ride-request"
	EventRideAccepted       = "ride-accepted"
	EventRideOfferExpired   = "ride-offer-expired"
	EventDriverLocation     = "driver-location"
	EventRideStatusUpdated  = "ride-status-updated"
	EventRideCancelled      = "ride-cancelled"
	EventNoDriversResponded = "no-drivers-responded"
	EventCommandResult      = "command-result"
	EventError              = "error"
)

// Event is one outbound message. Data is encoded as JSON by the connection.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func RiderKey(id string) string  { return "rider:" + id }
func DriverKey(id string) string { return "driver:" + id }
func RideKey(id string) string   { return "ride:" + id }

// Conn is a client connection. Send must not block on a slow peer; it
// returns an error when the event cannot be queued.
type Conn interface {
	ID() string
	Send(Event) error
	Close() error
}

type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]Conn
	keys     map[string]map[string]struct{} // conn id -> subscribed keys
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[string]Conn),
		keys:     make(map[string]map[string]struct{}),
		logger:   logging.OrDiscard(logger).With("component", "realtime_hub"),
	}
}

func (h *Hub) SubscribeRider(riderID string, c Conn)   { h.Subscribe(RiderKey(riderID), c) }
func (h *Hub) SubscribeDriver(driverID string, c Conn) { h.Subscribe(DriverKey(driverID), c) }
func (h *Hub) SubscribeRide(rideID string, c Conn)     { h.Subscribe(RideKey(rideID), c) }

func (h *Hub) UnsubscribeRider(riderID string, c Conn)   { h.Unsubscribe(RiderKey(riderID), c) }
func (h *Hub) UnsubscribeDriver(driverID string, c Conn) { h.Unsubscribe(DriverKey(driverID), c) }
func (h *Hub) UnsubscribeRide(rideID string, c Conn)     { h.Unsubscribe(RideKey(rideID), c) }

func (h *Hub) Subscribe(key string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(key, c)
}

func (h *Hub) subscribeLocked(key string, c Conn) {
	set, ok := h.channels[key]
	if !ok {
		set = make(map[string]Conn)
		h.channels[key] = set
	}
	set[c.ID()] = c
	ks, ok := h.keys[c.ID()]
	if !ok {
		ks = make(map[string]struct{})
		h.keys[c.ID()] = ks
		observability.HubConnections.Inc()
	}
	ks[key] = struct{}{}
}

func (h *Hub) Unsubscribe(key string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(key, c.ID())
}

// UnsubscribeAll removes the connection from every channel. It does not close it.
func (h *Hub) UnsubscribeAll(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.keys[c.ID()] {
		h.unsubscribeLocked(key, c.ID())
	}
}

func (h *Hub) unsubscribeLocked(key, connID string) {
	if set, ok := h.channels[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.channels, key)
		}
	}
	if ks, ok := h.keys[connID]; ok {
		delete(ks, key)
		if len(ks) == 0 {
			delete(h.keys, connID)
			observability.HubConnections.Dec()
		}
	}
}

// Join subscribes every connection currently on fromKey to toKey as well and
// returns how many it added.
func (h *Hub) Join(fromKey, toKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.channels[fromKey]
	for _, c := range set {
		h.subscribeLocked(toKey, c)
	}
	return len(set)
}

// Publish delivers ev to every connection subscribed to key and returns the
// number of successful sends. A connection whose send fails is dropped from
// all channels and closed; the others still receive the event.
func (h *Hub) Publish(key string, ev Event) int {
	h.mu.RLock()
	set := h.channels[key]
	targets := make([]Conn, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			h.drop(c, key, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns the number of connections on key.
func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[key])
}

func (h *Hub) drop(c Conn, key string, err error) {
	h.UnsubscribeAll(c)
	_ = c.Close()
	observability.HubDropped.Inc()
	h.logger.Warn("connection dropped after failed send", "conn_id", c.ID(), "channel", key, "error", err)
}
