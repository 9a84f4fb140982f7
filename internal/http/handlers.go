package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/service"
	"github.com/example/ride-dispatch/internal/storage"
)

// Identity is asserted by the gateway in these headers.
const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

func userID(r *http.Request) (string, error) {
	id := r.Header.Get(headerUserID)
	if id == "" {
		return "", fmt.Errorf("%w: missing %s header", service.ErrValidation, headerUserID)
	}
	return id, nil
}

// role reads the role from ?role= or the role header, defaulting to rider.
func role(r *http.Request) (models.Role, error) {
	v := r.URL.Query().Get("role")
	if v == "" {
		v = r.Header.Get(headerUserRole)
	}
	if v == "" {
		return models.RoleRider, nil
	}
	rl := models.Role(v)
	if !rl.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", service.ErrValidation, v)
	}
	return rl, nil
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var cmd service.RequestRide
	if err := decode(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd.RiderID = uid
	out, err := s.svc.RequestRide(r.Context(), cmd)
	if errors.Is(err, dispatch.ErrNoDriversAvailable) && out != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": err.Error(),
			"code":  "no_drivers_available",
			"ride":  out.Ride,
		})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleRetryDispatch(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.RetryDispatch(r.Context(), mux.Vars(r)["id"], uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.svc.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rl, err := role(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.svc.ActiveRide(r.Context(), uid, rl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rl, err := role(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := storage.HistoryFilter{Status: models.RideStatus(q.Get("status"))}
	if f.Page, err = intParam(q.Get("page")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.svc.History(r.Context(), uid, rl, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDriverStats(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.svc.DriverStats(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.AcceptRide(r.Context(), mux.Vars(r)["id"], uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !res.Accepted {
		s.writeError(w, r, res.Reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": res.Ride})
}

func (s *Server) handleRejectRide(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.RejectRide(r.Context(), mux.Vars(r)["id"], uid); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Status models.RideStatus `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.svc.UpdateStatus(r.Context(), mux.Vars(r)["id"], uid, body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rl, err := role(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var cmd service.CancelRide
	if err := decodeOptional(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd.RideID = mux.Vars(r)["id"]
	cmd.ActorID = uid
	cmd.By = models.CancelledBy(rl)
	ride, err := s.svc.CancelRide(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleRateRide(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rl, err := role(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var cmd service.RateRide
	if err := decode(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd.RideID = mux.Vars(r)["id"]
	cmd.ActorID = uid
	cmd.Role = rl
	ride, err := s.svc.RateRide(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

type locationBody struct {
	DriverID  string    `json:"driver_id,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

func (b locationBody) location() models.Location {
	return models.Location{Lat: b.Lat, Lng: b.Lng, Timestamp: b.Timestamp}
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body locationBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.DriverOnline(r.Context(), uid, body.location())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.DriverOffline(r.Context(), uid); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDriverLocation ingests heartbeats from the driver app backend.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.DriverID == "" {
		s.writeError(w, r, fmt.Errorf("%w: driver_id is required", service.ErrValidation))
		return
	}
	_, applied, err := s.svc.DriverLocation(r.Context(), body.DriverID, body.location())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !applied {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pickup      models.Coord       `json:"pickup"`
		Dropoff     models.Coord       `json:"dropoff"`
		VehicleType models.VehicleType `json:"vehicle_type"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	est, err := s.svc.EstimateFares(r.Context(), body.Pickup, body.Dropoff, body.VehicleType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleGetSurge(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"multiplier": s.svc.SurgeMultiplier()})
}

func (s *Server) handleSetSurge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Multiplier float64 `json:"multiplier"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.SetSurgeMultiplier(body.Multiplier); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"multiplier": s.svc.SurgeMultiplier()})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", service.ErrValidation, v)
	}
	return i, nil
}
