package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/service"
)

// ReadyCheck reports whether a backing collaborator is reachable.
type ReadyCheck func(ctx context.Context) error

type Server struct {
	svc    *service.Service
	hub    *realtime.Hub
	ready  map[string]ReadyCheck
	logger *slog.Logger
	mux    *mux.Router
}

type Option func(*Server)

func WithReadyCheck(name string, check ReadyCheck) Option {
	return func(s *Server) { s.ready[name] = check }
}

func NewServer(svc *service.Service, hub *realtime.Hub, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		hub:    hub,
		ready:  make(map[string]ReadyCheck),
		logger: logging.OrDiscard(logger).With("component", "http"),
		mux:    mux.NewRouter(),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/active", s.handleActiveRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/rides/driver-stats", s.handleDriverStats).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/retry", s.handleRetryDispatch).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/accept", s.handleAcceptRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/reject", s.handleRejectRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/status", s.handleUpdateStatus).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/rate", s.handleRateRide).Methods(http.MethodPost)

	api.HandleFunc("/drivers/online", s.handleDriverOnline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/offline", s.handleDriverOffline).Methods(http.MethodPost)

	api.HandleFunc("/pricing/estimate", s.handleEstimate).Methods(http.MethodPost)
	api.HandleFunc("/pricing/surge", s.handleGetSurge).Methods(http.MethodGet)
	api.HandleFunc("/pricing/surge", s.handleSetSurge).Methods(http.MethodPut)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	names := make([]string, 0, len(s.ready))
	for name := range s.ready {
		names = append(names, name)
	}
	sort.Strings(names)
	status := map[string]string{}
	ok := true
	for _, name := range names {
		if err := s.ready[name](ctx); err != nil {
			status[name] = err.Error()
			ok = false
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ok, "checks": status})
}
