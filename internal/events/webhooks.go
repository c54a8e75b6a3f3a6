package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"sublarr/internal/config"
	"sublarr/internal/logging"
)

const webhookUserAgent = "Sublarr/1.0"

// WebhookDispatcher posts bus events to user-configured URLs. Deliveries run
// on a dedicated goroutine per event so publishers never block on the
// network; 5xx responses are retried with backoff, 4xx are not.
type WebhookDispatcher struct {
	urls    []string
	client  *http.Client
	logger  *slog.Logger
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewWebhookDispatcher builds a dispatcher from the webhook config. Returns
// nil when no URLs are configured; a nil dispatcher is safe to Attach.
func NewWebhookDispatcher(cfg config.Webhooks, logger *slog.Logger) *WebhookDispatcher {
	if len(cfg.URLs) == 0 {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebhookDispatcher{
		urls:    cfg.URLs,
		client:  &http.Client{Timeout: timeout},
		logger:  logging.NewComponentLogger(logger, "webhooks"),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Attach subscribes the dispatcher to every event on the bus.
func (d *WebhookDispatcher) Attach(bus *Bus) func() {
	if d == nil {
		return func() {}
	}
	return bus.Subscribe(func(event Event) {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.dispatch(event)
		}()
	})
}

// Close drains in-flight deliveries, then cancels the base context. Waiting
// first lets events published just before shutdown go out; retries are
// bounded, so the drain is too. Cancel stays as the hard stop for any
// request still on the wire afterwards.
func (d *WebhookDispatcher) Close() {
	if d == nil {
		return
	}
	d.wg.Wait()
	d.cancel()
}

func (d *WebhookDispatcher) dispatch(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("marshal webhook payload", logging.Args(logging.Error(err))...)
		return
	}
	for _, url := range d.urls {
		if err := d.post(url, body); err != nil {
			d.logger.Warn("webhook delivery failed",
				logging.Args(
					logging.Error(err),
					logging.String("url", url),
					logging.String(logging.FieldEventType, string(event.Type)),
				)...)
		}
	}
}

func (d *WebhookDispatcher) post(url string, body []byte) error {
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(d.baseCtx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("build webhook request: %w", err))
			}
			req.Header.Set("User-Agent", webhookUserAgent)
			req.Header.Set("Content-Type", "application/json")

			resp, err := d.client.Do(req)
			if err != nil {
				return fmt.Errorf("post webhook: %w", err)
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))

			switch {
			case resp.StatusCode < 300:
				return nil
			case resp.StatusCode >= 500:
				return fmt.Errorf("webhook returned %d", resp.StatusCode)
			default:
				// Client errors will not heal on retry.
				return retry.Unrecoverable(fmt.Errorf("webhook returned %d", resp.StatusCode))
			}
		},
		retry.Context(d.baseCtx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
