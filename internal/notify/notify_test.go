package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type recordingSink struct {
	mu    sync.Mutex
	got   []Notification
	err   error
	block chan struct{}
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Send(ctx context.Context, n Notification) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestAsyncDeliversAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsync(sink, AsyncConfig{Workers: 2, Queue: 16, Timeout: time.Second}, nil)
	for i := 0; i < 10; i++ {
		a.Notify(context.Background(), "ride_accepted", "rider-1", map[string]any{"ride_id": "ride-1"})
	}
	a.Close()
	if sink.count() != 10 {
		t.Fatalf("expected 10 deliveries, got %d", sink.count())
	}
	// no panic after close
	a.Notify(context.Background(), "ride_cancelled", "rider-1", nil)
}

func TestAsyncSwallowsFailures(t *testing.T) {
	sink := &recordingSink{err: errors.New("503 from provider")}
	a := NewAsync(sink, AsyncConfig{Workers: 1, Queue: 4}, nil)
	a.Notify(context.Background(), "ride_completed", "rider-1", map[string]any{"ride_id": "ride-1"})
	a.Close()
	if sink.count() != 1 {
		t.Fatalf("expected the failing send to be attempted once, got %d", sink.count())
	}
}

func TestAsyncNeverBlocksWhenQueueFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	a := NewAsync(sink, AsyncConfig{Workers: 1, Queue: 1, Timeout: time.Second}, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			a.Notify(context.Background(), "ride_requested", "rider-1", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow sink")
	}
	close(sink.block)
	a.Close()
	if n := sink.count(); n < 1 || n > 2 {
		t.Fatalf("expected at most worker+queue deliveries, got %d", n)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("down")}
	err := Multi{ok, bad}.Send(context.Background(), Notification{Type: "ride_accepted"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Fatal("every sink should be attempted")
	}
}

func TestHTTPSinkPostsExpectedBody(t *testing.T) {
	var body map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL + "/")
	err := s.Send(context.Background(), Notification{Type: "ride_requested", UserID: "rider-1", Data: map[string]any{"ride_id": "ride-1"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/notifications/send" {
		t.Fatalf("unexpected path %s", path)
	}
	if body["type"] != "ride_requested" || body["userId"] != "rider-1" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHTTPSinkReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	if err := NewHTTPSink(srv.URL).Send(context.Background(), Notification{Type: "x"}); err == nil {
		t.Fatal("expected error for 500")
	}
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestAMQPSinkRoutesByType(t *testing.T) {
	ch := &fakeChannel{}
	s := NewAMQPSink(ch, "notifications")
	if err := s.Send(context.Background(), Notification{Type: "ride_cancelled", UserID: "rider-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ch.exchange != "notifications" || ch.key != "notification.ride_cancelled" {
		t.Fatalf("unexpected routing %s/%s", ch.exchange, ch.key)
	}
	var n Notification
	if err := json.Unmarshal(ch.msg.Body, &n); err != nil || n.UserID != "rider-1" {
		t.Fatalf("bad body %s: %v", ch.msg.Body, err)
	}
	if s.Close() != nil {
		t.Fatal("close without connection should be a no-op")
	}
}
