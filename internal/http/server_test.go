package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/service"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	machine := ride.NewMachine(store)
	reg := registry.New(geo.NewIndex(0.05))
	hub := realtime.NewHub(nil)
	engine := dispatch.NewEngine(dispatch.Config{Candidates: 5, OfferTimeout: 30 * time.Second}, reg, machine, hub)
	t.Cleanup(engine.Stop)
	prices, err := pricing.NewEngine(pricing.DefaultRates(), 1)
	if err != nil {
		t.Fatal(err)
	}
	svc := service.New(service.Deps{
		Machine:  machine,
		Engine:   engine,
		Registry: reg,
		Store:    store,
		Pricing:  prices,
		Router:   routing.NewRouter(nil, nil, nil),
		Hub:      hub,
	})
	return NewServer(svc, hub, nil, opts...)
}

func do(t *testing.T, s http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

var rideBody = map[string]any{
	"vehicle_type": "economy",
	"pickup":       map[string]any{"address": "MG Road", "coordinates": map[string]float64{"lat": 12.9716, "lng": 77.5946}},
	"dropoff":      map[string]any{"address": "Koramangala", "coordinates": map[string]float64{"lat": 12.9352, "lng": 77.6142}},
}

type rideEnvelope struct {
	Ride struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		DriverID string `json:"driver_id"`
	} `json:"ride"`
	Code string `json:"code"`
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) rideEnvelope {
	t.Helper()
	var env rideEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return env
}

func TestRideRequestAcceptRace(t *testing.T) {
	s := newTestServer(t)
	for id, lat := range map[string]float64{"D1": 12.9743, "D2": 12.9788} {
		if rec := do(t, s, http.MethodPost, "/api/v1/drivers/online", id, map[string]float64{"lat": lat, "lng": 77.5946}); rec.Code != http.StatusOK {
			t.Fatalf("online %s: %d %s", id, rec.Code, rec.Body.String())
		}
	}

	rec := do(t, s, http.MethodPost, "/api/v1/rides", "rider-1", rideBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("request ride: %d %s", rec.Code, rec.Body.String())
	}
	id := decodeBody(t, rec).Ride.ID

	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+id+"/accept", "D2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept D2: %d %s", rec.Code, rec.Body.String())
	}
	if env := decodeBody(t, rec); env.Ride.DriverID != "D2" || env.Ride.Status != "accepted" {
		t.Fatalf("unexpected ride %+v", env.Ride)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+id+"/accept", "D1", nil)
	if rec.Code != http.StatusConflict || decodeBody(t, rec).Code != "offer_expired" {
		t.Fatalf("late accept: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodPatch, "/api/v1/rides/"+id+"/status", "D2", map[string]string{"status": "in_progress"})
	if rec.Code != http.StatusConflict || decodeBody(t, rec).Code != "invalid_transition" {
		t.Fatalf("skip ahead: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/api/v1/rides/active?role=driver", "D2", nil)
	if rec.Code != http.StatusOK || decodeBody(t, rec).Ride.ID != id {
		t.Fatalf("active ride: %d %s", rec.Code, rec.Body.String())
	}
}

func TestNoDriversReturns503WithRide(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/rides", "rider-1", rideBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	env := decodeBody(t, rec)
	if env.Code != "no_drivers_available" || env.Ride.Status != "requested" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+env.Ride.ID+"/cancel", "rider-1", nil)
	if rec.Code != http.StatusOK || decodeBody(t, rec).Ride.Status != "cancelled" {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+env.Ride.ID+"/cancel", "rider-1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rec.Code)
	}
}

func TestValidationAndNotFound(t *testing.T) {
	s := newTestServer(t)
	if rec := do(t, s, http.MethodPost, "/api/v1/rides", "", rideBody); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user: expected 400, got %d", rec.Code)
	}
	bad := map[string]any{"vehicle_type": "rocket", "pickup": rideBody["pickup"], "dropoff": rideBody["dropoff"]}
	if rec := do(t, s, http.MethodPost, "/api/v1/rides", "rider-1", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad vehicle: expected 400, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/rides/nope", "rider-1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing ride: expected 404, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/rides/history?page=abc", "rider-1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad page: expected 400, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/drivers/offline", "ghost", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown driver offline: expected 404, got %d", rec.Code)
	}
}

func TestDriverStatsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/rides/driver-stats", "D1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("driver stats: %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Stats storage.DriverStats `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Stats.Rating != 5 || body.Stats.AcceptanceRate != 100 || body.Stats.TotalRides != 0 {
		t.Fatalf("unexpected stats %+v", body.Stats)
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/rides/driver-stats", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user: expected 400, got %d", rec.Code)
	}
}

func TestPricingEndpoints(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/pricing/estimate", "rider-1", map[string]any{
		"pickup":  map[string]float64{"lat": 12.9716, "lng": 77.5946},
		"dropoff": map[string]float64{"lat": 12.9352, "lng": 77.6142},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("estimate: %d %s", rec.Code, rec.Body.String())
	}
	var est service.Estimate
	if err := json.Unmarshal(rec.Body.Bytes(), &est); err != nil || len(est.Quotes) != 4 {
		t.Fatalf("bad estimate %s: %v", rec.Body.String(), err)
	}
	if !est.Route.Estimated {
		t.Fatal("route without routing service must be flagged estimated")
	}

	if rec := do(t, s, http.MethodPut, "/api/v1/pricing/surge", "", map[string]float64{"multiplier": 1.5}); rec.Code != http.StatusOK {
		t.Fatalf("set surge: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, s, http.MethodPut, "/api/v1/pricing/surge", "", map[string]float64{"multiplier": 0}); rec.Code != http.StatusBadRequest {
		t.Fatalf("zero surge: expected 400, got %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/api/v1/pricing/surge", "", nil)
	if !strings.Contains(rec.Body.String(), "1.5") {
		t.Fatalf("surge not persisted: %s", rec.Body.String())
	}
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t,
		WithReadyCheck("redis", func(context.Context) error { return nil }),
		WithReadyCheck("postgres", func(context.Context) error { return errors.New("connection refused") }),
	)
	if rec := do(t, s, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("ready: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, s, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
}

func TestDriverLocationIngest(t *testing.T) {
	s := newTestServer(t)
	if rec := do(t, s, http.MethodPost, "/internal/driver/locations", "", map[string]any{"lat": 1, "lng": 2}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing driver id: expected 400, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/internal/driver/locations", "", map[string]any{"driver_id": "D1", "lat": 1, "lng": 2}); rec.Code != http.StatusAccepted {
		t.Fatalf("offline driver report: expected 202, got %d", rec.Code)
	}
	do(t, s, http.MethodPost, "/api/v1/drivers/online", "D1", map[string]float64{"lat": 1, "lng": 2})
	if rec := do(t, s, http.MethodPost, "/internal/driver/locations", "", map[string]any{"driver_id": "D1", "lat": 1.001, "lng": 2, "timestamp": time.Now().Add(time.Second)}); rec.Code != http.StatusNoContent {
		t.Fatalf("online driver report: expected 204, got %d", rec.Code)
	}
}

type wsEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialWS(t *testing.T, srv *httptest.Server, role, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?role=" + role + "&id=" + id
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// readUntil returns the first event of type typ.
func readUntil(t *testing.T, c *websocket.Conn, typ string) wsEvent {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev wsEvent
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if ev.Type == typ {
			return ev
		}
	}
}

func TestWebsocketDispatchFlow(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t))
	defer srv.Close()

	driver := dialWS(t, srv, "driver", "D1")
	rider := dialWS(t, srv, "rider", "rider-1")

	if err := driver.WriteJSON(map[string]any{"type": "go-online", "lat": 12.9743, "lng": 77.5946}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, driver, realtime.EventCommandResult)

	body, _ := json.Marshal(rideBody)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/rides", bytes.NewReader(body))
	req.Header.Set(headerUserID, "rider-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request ride: %d", resp.StatusCode)
	}

	offer := readUntil(t, driver, realtime.EventNewRideRequest)
	var o realtime.NewRideRequest
	if err := json.Unmarshal(offer.Data, &o); err != nil {
		t.Fatal(err)
	}

	if err := driver.WriteJSON(map[string]any{"type": "accept-ride", "ride_id": o.RideID}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, driver, realtime.EventCommandResult)
	readUntil(t, rider, realtime.EventRideAccepted)

	if err := rider.WriteJSON(map[string]any{"type": "accept-ride", "ride_id": o.RideID}); err != nil {
		t.Fatal(err)
	}
	ev := readUntil(t, rider, realtime.EventError)
	if !strings.Contains(string(ev.Data), "forbidden") {
		t.Fatalf("rider accept should be forbidden: %s", ev.Data)
	}

	if err := driver.WriteJSON(map[string]any{"type": "update-location", "lat": 12.9730, "lng": 77.5946, "timestamp": time.Now().Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := rider.WriteJSON(map[string]any{"type": "join-ride", "ride_id": o.RideID}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, rider, realtime.EventCommandResult)
}
