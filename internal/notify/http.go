package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPSink posts notifications to the notification service.
type HTTPSink struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPSink(baseURL string) *HTTPSink {
	return &HTTPSink{Endpoint: strings.TrimRight(baseURL, "/") + "/notifications/send", Client: &http.Client{}}
}

func (h *HTTPSink) Name() string { return "notification_service" }

func (h *HTTPSink) Send(ctx context.Context, n Notification) error {
	body := map[string]any{
		"type":     n.Type,
		"userId":   n.UserID,
		"channels": []string{"push"},
		"data":     n.Data,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification service status %d", resp.StatusCode)
	}
	return nil
}
