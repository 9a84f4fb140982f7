package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/service"
	"github.com/example/ride-dispatch/internal/storage"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// Order matters: the first match wins.
var errorMappings = []errorMapping{
	{dispatch.ErrNoDriversAvailable, http.StatusServiceUnavailable, "no_drivers_available"},
	{dispatch.ErrOfferExpired, http.StatusConflict, "offer_expired"},
	{dispatch.ErrDriverUnavailable, http.StatusConflict, "driver_unavailable"},
	{dispatch.ErrAlreadyDispatching, http.StatusConflict, "already_dispatching"},
	{dispatch.ErrRideNotRequested, http.StatusConflict, "not_retryable"},
	{dispatch.ErrNotCandidate, http.StatusForbidden, "not_candidate"},
	{service.ErrActiveRideExists, http.StatusConflict, "active_ride_exists"},
	{service.ErrNotRetryable, http.StatusConflict, "not_retryable"},
	{ride.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{ride.ErrAlreadyRated, http.StatusConflict, "already_rated"},
	{ride.ErrNotCompleted, http.StatusConflict, "not_completed"},
	{ride.ErrDuplicate, http.StatusConflict, "duplicate"},
	{registry.ErrDoubleAssignment, http.StatusConflict, "double_assignment"},
	{registry.ErrNotBusy, http.StatusConflict, "driver_not_busy"},
	{ride.ErrNotFound, http.StatusNotFound, "not_found"},
	{storage.ErrNotFound, http.StatusNotFound, "not_found"},
	{registry.ErrUnknownDriver, http.StatusNotFound, "unknown_driver"},
	{service.ErrForbidden, http.StatusForbidden, "forbidden"},
	{service.ErrValidation, http.StatusBadRequest, "invalid_request"},
	{ride.ErrInvalidRating, http.StatusBadRequest, "invalid_request"},
	{ride.ErrInvalidCancellation, http.StatusBadRequest, "invalid_request"},
	{ride.ErrDriverRequired, http.StatusBadRequest, "invalid_request"},
	{storage.ErrCollaboratorTimeout, http.StatusInternalServerError, "collaborator_timeout"},
	{directory.ErrCollaboratorTimeout, http.StatusInternalServerError, "collaborator_timeout"},
}

func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		if code == "internal" {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const maxBodyBytes = 1 << 20

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", service.ErrValidation, err)
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", service.ErrValidation, err)
	}
	return nil
}
