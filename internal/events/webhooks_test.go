package events

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"sublarr/internal/config"
	"sublarr/internal/logging"
)

type webhookCapture struct {
	mu     sync.Mutex
	bodies [][]byte
	status int
}

func (c *webhookCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		status := c.status
		c.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
		}
	}
}

func (c *webhookCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestWebhookDispatcherPostsToAllURLs(t *testing.T) {
	first := &webhookCapture{}
	second := &webhookCapture{}
	srvA := httptest.NewServer(first.handler())
	defer srvA.Close()
	srvB := httptest.NewServer(second.handler())
	defer srvB.Close()

	d := NewWebhookDispatcher(config.Webhooks{
		URLs:           []string{srvA.URL, srvB.URL},
		TimeoutSeconds: 2,
	}, logging.NewNop())
	bus := NewBus(logging.NewNop())
	detach := d.Attach(bus)
	defer detach()

	bus.Publish(Event{Type: TypeSubtitleDownloaded, VideoPath: "/media/show/ep.mkv", Language: "de"})
	d.Close()

	if first.count() != 1 || second.count() != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", first.count(), second.count())
	}
	var event Event
	if err := json.Unmarshal(first.bodies[0], &event); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if event.Type != TypeSubtitleDownloaded || event.Language != "de" {
		t.Errorf("event = %+v", event)
	}
	if event.Timestamp.IsZero() {
		t.Error("published events carry a timestamp")
	}
}

func TestWebhookDispatcherDoesNotRetryClientErrors(t *testing.T) {
	capture := &webhookCapture{status: http.StatusForbidden}
	srv := httptest.NewServer(capture.handler())
	defer srv.Close()

	d := NewWebhookDispatcher(config.Webhooks{
		URLs:           []string{srv.URL},
		TimeoutSeconds: 2,
	}, logging.NewNop())
	bus := NewBus(logging.NewNop())
	detach := d.Attach(bus)
	defer detach()

	bus.Publish(Event{Type: TypeJobFailed})
	d.Close()
	// Close drains the delivery goroutine, so any retry would already show.
	time.Sleep(20 * time.Millisecond)

	if got := capture.count(); got != 1 {
		t.Fatalf("requests = %d, want exactly 1 for a 403", got)
	}
}
