package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Inbound websocket commands.
const (
	cmdGoOnline       = "go-online"
	cmdGoOffline      = "go-offline"
	cmdUpdateLocation = "update-location"
	cmdAcceptRide     = "accept-ride"
	cmdRejectRide     = "reject-ride"
	cmdUpdateStatus   = "update-status"
	cmdCancelRide     = "cancel-ride"
	cmdJoinRide       = "join-ride"
	cmdLeaveRide      = "leave-ride"
)

const commandTimeout = 5 * time.Second

type wsCommand struct {
	Type      string            `json:"type"`
	RideID    string            `json:"ride_id,omitempty"`
	Lat       float64           `json:"lat,omitempty"`
	Lng       float64           `json:"lng,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
	Status    models.RideStatus `json:"status,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

type commandResult struct {
	Command string       `json:"command"`
	RideID  string       `json:"ride_id,omitempty"`
	Ride    *models.Ride `json:"ride,omitempty"`
	Applied *bool        `json:"applied,omitempty"`
}

type wsSession struct {
	userID string
	role   models.Role
	conn   *realtime.WSConn
}

// handleWS upgrades to a websocket bound to one rider or driver. The
// connection joins the user's private channel and the room of the user's
// active ride, then serves typed commands until it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = r.Header.Get(headerUserID)
	}
	if id == "" {
		s.writeError(w, r, fmt.Errorf("%w: id is required", service.ErrValidation))
		return
	}
	rl, err := role(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := realtime.NewWSConn(ws, s.logger)
	sess := &wsSession{userID: id, role: rl, conn: conn}
	if rl == models.RoleDriver {
		s.hub.SubscribeDriver(id, conn)
	} else {
		s.hub.SubscribeRider(id, conn)
	}
	ctx := context.WithoutCancel(r.Context())
	if active, err := s.svc.ActiveRide(ctx, id, rl); err == nil {
		s.hub.SubscribeRide(active.ID, conn)
	}
	s.logger.Debug("websocket connected", "conn_id", conn.ID(), "user_id", id, "role", rl)

	conn.ReadLoop(func(msg []byte) { s.handleCommand(ctx, sess, msg) })
	s.hub.UnsubscribeAll(conn)
	s.logger.Debug("websocket disconnected", "conn_id", conn.ID(), "user_id", id)
}

func (s *Server) handleCommand(parent context.Context, sess *wsSession, msg []byte) {
	var cmd wsCommand
	if err := json.Unmarshal(msg, &cmd); err != nil {
		s.replyError(sess, "", fmt.Errorf("%w: %v", service.ErrValidation, err))
		return
	}
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	switch cmd.Type {
	case cmdGoOnline, cmdGoOffline, cmdUpdateLocation, cmdAcceptRide, cmdRejectRide, cmdUpdateStatus:
		if sess.role != models.RoleDriver {
			s.replyError(sess, cmd.Type, service.ErrForbidden)
			return
		}
	}

	res := commandResult{Command: cmd.Type, RideID: cmd.RideID}
	var err error
	switch cmd.Type {
	case cmdGoOnline:
		_, err = s.svc.DriverOnline(ctx, sess.userID, models.Location{Lat: cmd.Lat, Lng: cmd.Lng, Timestamp: cmd.Timestamp})
	case cmdGoOffline:
		err = s.svc.DriverOffline(ctx, sess.userID)
	case cmdUpdateLocation:
		var applied bool
		_, applied, err = s.svc.DriverLocation(ctx, sess.userID, models.Location{Lat: cmd.Lat, Lng: cmd.Lng, Timestamp: cmd.Timestamp})
		res.Applied = &applied
	case cmdAcceptRide:
		out, aerr := s.svc.AcceptRide(ctx, cmd.RideID, sess.userID)
		switch {
		case aerr != nil:
			err = aerr
		case !out.Accepted:
			err = out.Reason
		default:
			s.hub.SubscribeRide(cmd.RideID, sess.conn)
			res.Ride = out.Ride
		}
	case cmdRejectRide:
		err = s.svc.RejectRide(ctx, cmd.RideID, sess.userID)
	case cmdUpdateStatus:
		res.Ride, err = s.svc.UpdateStatus(ctx, cmd.RideID, sess.userID, cmd.Status)
	case cmdCancelRide:
		res.Ride, err = s.svc.CancelRide(ctx, service.CancelRide{
			RideID:  cmd.RideID,
			ActorID: sess.userID,
			By:      models.CancelledBy(sess.role),
			Reason:  cmd.Reason,
		})
	case cmdJoinRide:
		err = s.joinRide(ctx, sess, cmd.RideID)
	case cmdLeaveRide:
		s.hub.UnsubscribeRide(cmd.RideID, sess.conn)
	default:
		err = fmt.Errorf("%w: unknown command %q", service.ErrValidation, cmd.Type)
	}
	if err != nil {
		s.replyError(sess, cmd.Type, err)
		return
	}
	_ = sess.conn.Send(realtime.Event{Type: realtime.EventCommandResult, Data: res})
}

// joinRide subscribes a party of the ride to its room.
func (s *Server) joinRide(ctx context.Context, sess *wsSession, rideID string) error {
	r, err := s.svc.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	party := r.RiderID == sess.userID
	if sess.role == models.RoleDriver {
		party = r.DriverID == sess.userID
	}
	if !party {
		return service.ErrForbidden
	}
	s.hub.SubscribeRide(rideID, sess.conn)
	return nil
}

func (s *Server) replyError(sess *wsSession, command string, err error) {
	_, code := classify(err)
	_ = sess.conn.Send(realtime.Event{Type: realtime.EventError, Data: realtime.ErrorMessage{
		Command: command,
		Code:    code,
		Message: err.Error(),
	}})
}
