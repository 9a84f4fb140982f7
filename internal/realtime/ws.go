package realtime

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/logging"
)

var (
	ErrConnClosed  = errors.New("connection closed")
	ErrSendBacklog = errors.New("connection send buffer full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	sendBuffer     = 64
)

// WSConn adapts a websocket connection to Conn. Outbound events are queued
// and written by a single writer goroutine.
type WSConn struct {
	id     string
	ws     *websocket.Conn
	send   chan Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewWSConn wraps ws and starts its writer. Call ReadLoop to consume inbound frames.
func NewWSConn(ws *websocket.Conn, logger *slog.Logger) *WSConn {
	c := &WSConn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan Event, sendBuffer),
		done:   make(chan struct{}),
		logger: logging.OrDiscard(logger),
	}
	go c.writeLoop()
	return c
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(ev Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBacklog
	}
}

func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// ReadLoop calls handle for every text frame until the peer goes away or the
// connection is closed. It closes the connection before returning.
func (c *WSConn) ReadLoop(handle func(msg []byte)) {
	defer c.Close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		handle(msg)
	}
}

func (c *WSConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				c.logger.Debug("websocket write failed", "conn_id", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
