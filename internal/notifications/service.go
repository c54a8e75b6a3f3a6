package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"sublarr/internal/config"
	"sublarr/internal/events"
	"sublarr/internal/logging"
)

const userAgent = "Sublarr/1.0"

// Refresher posts library update notices to a Jellyfin-compatible media
// server whenever a subtitle lands next to a video file.
type Refresher struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds a refresher from the media server config. Returns nil when the
// integration is disabled or no URL is set.
func New(cfg config.MediaServer, logger *slog.Logger) *Refresher {
	url := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if !cfg.Enabled || url == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		baseURL: url,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  &http.Client{Timeout: timeout},
		logger:  logging.NewComponentLogger(logger, "mediaserver"),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Attach subscribes to the subtitle events that change library contents.
// Deliveries run off the publisher's goroutine.
func (r *Refresher) Attach(bus *events.Bus) func() {
	if r == nil {
		return func() {}
	}
	return bus.Subscribe(func(event events.Event) {
		if event.VideoPath == "" {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.Refresh(r.baseCtx, event.VideoPath); err != nil {
				r.logger.Warn("media server refresh failed",
					logging.Args(
						logging.Error(err),
						logging.String(logging.FieldPath, event.VideoPath),
						logging.String(logging.FieldEventType, string(event.Type)),
					)...)
				return
			}
			r.logger.Debug("media server refreshed",
				logging.Args(logging.String(logging.FieldPath, event.VideoPath))...)
		}()
	},
		events.TypeSubtitleDownloaded,
		events.TypeSubtitleUpgraded,
		events.TypeTranslationDone,
		events.TypeTranscriptionDone,
	)
}

// Close drains in-flight refreshes before cancelling, so notifications for
// events published just before shutdown still go out.
func (r *Refresher) Close() {
	if r == nil {
		return
	}
	r.wg.Wait()
	r.cancel()
}

type mediaUpdate struct {
	Path       string `json:"Path"`
	UpdateType string `json:"UpdateType"`
}

type mediaUpdatedRequest struct {
	Updates []mediaUpdate `json:"Updates"`
}

// Refresh notifies the server that the library entry containing path changed.
// Server errors are retried with backoff; auth and client errors are not.
func (r *Refresher) Refresh(ctx context.Context, path string) error {
	if r == nil {
		return nil
	}
	body, err := json.Marshal(mediaUpdatedRequest{
		Updates: []mediaUpdate{{Path: path, UpdateType: "Modified"}},
	})
	if err != nil {
		return fmt.Errorf("marshal media update: %w", err)
	}

	endpoint := r.baseURL + "/Library/Media/Updated"
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("build refresh request: %w", err))
			}
			req.Header.Set("User-Agent", userAgent)
			req.Header.Set("Content-Type", "application/json")
			if r.apiKey != "" {
				req.Header.Set("X-Emby-Token", r.apiKey)
			}

			resp, err := r.client.Do(req)
			if err != nil {
				return fmt.Errorf("post refresh: %w", err)
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))

			switch {
			case resp.StatusCode < 300:
				return nil
			case resp.StatusCode >= 500:
				return fmt.Errorf("media server returned %d", resp.StatusCode)
			default:
				return retry.Unrecoverable(fmt.Errorf("media server returned %d", resp.StatusCode))
			}
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
