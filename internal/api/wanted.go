package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"sublarr/internal/events"
	"sublarr/internal/logging"
	"sublarr/internal/queue"
	"sublarr/internal/store"
)

func (s *Server) handleListWanted(w http.ResponseWriter, r *http.Request) {
	var statuses []store.WantedStatus
	for _, value := range r.URL.Query()["status"] {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			statuses = append(statuses, store.WantedStatus(trimmed))
		}
	}
	items, err := s.store.ListWanted(r.Context(),
		queryInt(r, "limit", 100), queryInt(r, "offset", 0), statuses...)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if items == nil {
		items = []*store.WantedItem{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleWantedStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.WantedStats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleWantedScan kicks off a library reconcile in the background and
// returns immediately.
func (s *Server) handleWantedScan(w http.ResponseWriter, r *http.Request) {
	full := queryBool(r, "full")
	go func() {
		if _, err := s.scanner.Reconcile(context.Background(), full); err != nil {
			s.logger.Error("scan failed", logging.Args(logging.Error(err))...)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]any{"scanning": true, "full": full})
}

func (s *Server) handleWantedSearch(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid wanted id")
		return
	}
	item, err := s.store.GetWantedByID(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if item == nil {
		s.writeError(w, http.StatusNotFound, "wanted item not found")
		return
	}
	job, err := s.queue.Enqueue(r.Context(), store.JobWantedSearch,
		item.VideoPath, item.Language, item.Forced, queue.WantedSearchPayload{WantedID: item.ID})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleWantedReset(w http.ResponseWriter, r *http.Request) {
	s.wantedTransition(w, r, s.store.ResetWanted)
}

func (s *Server) handleWantedIgnore(w http.ResponseWriter, r *http.Request) {
	s.wantedTransition(w, r, s.store.MarkWantedIgnored)
}

func (s *Server) wantedTransition(w http.ResponseWriter, r *http.Request, apply func(context.Context, int64) error) {
	id, ok := idParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid wanted id")
		return
	}
	item, err := s.store.GetWantedByID(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if item == nil {
		s.writeError(w, http.StatusNotFound, "wanted item not found")
		return
	}
	if err := apply(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	updated, err := s.store.GetWantedByID(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

type webhookRequest struct {
	Path string `json:"path"`
}

// handleWebhook accepts import notifications from media managers. The file
// is scanned after a short delay so post-import tooling can finish moving
// it into place.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	source := chi.URLParam(r, "source")
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.TypeWebhookReceived,
			VideoPath: req.Path,
			Payload:   map[string]any{"source": source},
		})
	}

	delay := s.inboundDelay
	s.schedule(delay, func() { s.processInbound(req.Path) })
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":      true,
		"delay_seconds": int(delay / time.Second),
	})
}

// processInbound reconciles the announced file and queues searches for the
// targets the scan left actionable.
func (s *Server) processInbound(videoPath string) {
	ctx := context.Background()
	if _, err := s.scanner.ScanPath(ctx, videoPath); err != nil {
		s.logger.Error("webhook scan failed",
			logging.Args(logging.Error(err), logging.String(logging.FieldPath, videoPath))...)
		return
	}
	items, err := s.store.ListWanted(ctx, 0, 0, store.WantedPending, store.WantedUpgrade)
	if err != nil {
		s.logger.Error("webhook list wanted", logging.Args(logging.Error(err))...)
		return
	}
	for _, item := range items {
		if item.VideoPath != videoPath {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, store.JobWantedSearch,
			item.VideoPath, item.Language, item.Forced,
			queue.WantedSearchPayload{WantedID: item.ID}); err != nil {
			s.logger.Error("webhook enqueue search",
				logging.Args(logging.Error(err), logging.String(logging.FieldPath, videoPath))...)
		}
	}
}
