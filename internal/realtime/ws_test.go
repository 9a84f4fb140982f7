package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWSConnDeliversEventsAndInboundFrames(t *testing.T) {
	inbound := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := NewWSConn(ws, nil)
		if err := c.Send(Event{Type: EventRideAccepted, Data: map[string]string{"ride_id": "ride-1"}}); err != nil {
			t.Errorf("send: %v", err)
		}
		c.ReadLoop(func(msg []byte) { inbound <- string(msg) })
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	if err := client.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventRideAccepted || ev.Data["ride_id"] != "ride-1" {
		t.Fatalf("unexpected event %+v", ev)
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-inbound:
		if msg != `{"type":"ping"}` {
			t.Fatalf("unexpected inbound frame %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame not delivered")
	}
}

func TestWSConnSendAfterClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	result := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			result <- err
			return
		}
		c := NewWSConn(ws, nil)
		_ = c.Close()
		_ = c.Close()
		result <- c.Send(Event{Type: EventRideCancelled})
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case err := <-result:
		if err != ErrConnClosed {
			t.Fatalf("expected ErrConnClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}
}
