// Package events carries the daemon's internal event stream: job and wanted
// transitions, subtitle acquisitions, provider and backend health changes.
// Subscribers include the WebSocket forwarder, outbound webhooks, the media
// server notifier, and the metrics collector.
package events

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sublarr/internal/logging"
)

// Type names one event category on the bus.
type Type string

const (
	TypeJobCreated         Type = "job.created"
	TypeJobStarted         Type = "job.started"
	TypeJobProgress        Type = "job.progress"
	TypeJobCompleted       Type = "job.completed"
	TypeJobFailed          Type = "job.failed"
	TypeJobCancelled       Type = "job.cancelled"
	TypeBatchProgress      Type = "batch.progress"
	TypeWantedScanned      Type = "wanted.scanned"
	TypeWantedSearchDone   Type = "wanted.search_completed"
	TypeProviderSearchDone Type = "provider.search_completed"
	TypeSubtitleDownloaded Type = "subtitle.downloaded"
	TypeSubtitleUpgraded   Type = "subtitle.upgraded"
	TypeTranslationDone    Type = "translation.completed"
	TypeTranscriptionDone  Type = "transcription.completed"
	TypeWebhookReceived    Type = "webhook.received"
	TypeProviderDisabled   Type = "provider.disabled"
	TypeProviderEnabled    Type = "provider.enabled"
	TypeBackendDisabled    Type = "backend.disabled"
	TypeBackendEnabled     Type = "backend.enabled"
	TypeConfigChanged      Type = "config.changed"
)

// Wildcard subscribes to every event type.
const Wildcard Type = "*"

// Event is one bus message. Payload must be JSON-serializable; the WebSocket
// forwarder ships it to clients verbatim.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	JobID     int64     `json:"job_id,omitempty"`
	VideoPath string    `json:"video_path,omitempty"`
	Language  string    `json:"language,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	// CatalogVersion increments on every event that changes queryable
	// state, letting clients detect missed updates after a reconnect.
	CatalogVersion uint64 `json:"catalog_version"`
}

// Handler consumes one event. Handlers run synchronously on the publisher's
// goroutine; anything slow must hand off internally.
type Handler func(Event)

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous in-process publish/subscribe hub. A panicking
// subscriber is logged and skipped; it never takes down the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Type][]subscriber
	nextID  uint64
	version atomic.Uint64
	logger  *slog.Logger
}

// NewBus builds an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Type][]subscriber),
		logger: logging.NewComponentLogger(logger, "events"),
	}
}

// Subscribe registers a handler for the given types (or Wildcard). The
// returned function removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...Type) (unsubscribe func()) {
	if len(types) == 0 {
		types = []Type{Wildcard}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	for _, t := range types {
		b.subs[t] = append(b.subs[t], subscriber{id: id, handler: handler})
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range types {
			list := b.subs[t]
			for i, sub := range list {
				if sub.id == id {
					b.subs[t] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
	}
}

// Publish stamps the event and delivers it to type and wildcard subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.CatalogVersion = b.version.Add(1)

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event.Type])+len(b.subs[Wildcard]))
	for _, sub := range b.subs[event.Type] {
		handlers = append(handlers, sub.handler)
	}
	for _, sub := range b.subs[Wildcard] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.deliver(handler, event)
	}
}

// CatalogVersion returns the version stamped on the most recent event.
func (b *Bus) CatalogVersion() uint64 {
	return b.version.Load()
}

func (b *Bus) deliver(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				logging.Args(
					logging.String(logging.FieldEventType, string(event.Type)),
					logging.Any("panic", r),
					logging.String("stack", string(debug.Stack())),
				)...)
		}
	}()
	handler(event)
}
