package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sublarr/internal/config"
	"sublarr/internal/events"
	"sublarr/internal/store"
)

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	list, err := s.providers.Providers(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"providers": list})
}

func (s *Server) handleResetProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.providers.ResetProvider(r.Context(), name); err != nil {
		s.respondError(w, err)
		return
	}
	s.publishComponent(events.TypeProviderEnabled, name)
	s.writeJSON(w, http.StatusOK, map[string]any{"reset": name})
}

func (s *Server) handleCheckProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.providers.CheckProvider(r.Context(), name); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"healthy": name})
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	list, err := s.backends.Backends(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"backends": list})
}

func (s *Server) handleCheckBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.backends.CheckBackend(r.Context(), name); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"healthy": name})
}

type disableRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) componentEnable(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.store.EnableComponent(r.Context(), kind, name); err != nil {
			s.respondError(w, err)
			return
		}
		if kind == store.HealthProvider {
			s.publishComponent(events.TypeProviderEnabled, name)
		} else {
			s.publishComponent(events.TypeBackendEnabled, name)
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"enabled": name})
	}
}

func (s *Server) componentDisable(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var req disableRequest
		if !s.decodeJSON(w, r, &req) {
			return
		}
		if req.Minutes <= 0 {
			s.writeError(w, http.StatusBadRequest, "minutes must be positive")
			return
		}
		until := time.Now().Add(time.Duration(req.Minutes) * time.Minute)
		if err := s.store.DisableComponent(r.Context(), kind, name, until); err != nil {
			s.respondError(w, err)
			return
		}
		if kind == store.HealthProvider {
			s.publishComponent(events.TypeProviderDisabled, name)
		} else {
			s.publishComponent(events.TypeBackendDisabled, name)
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"disabled": name, "until": until.UTC()})
	}
}

func (s *Server) publishComponent(eventType events.Type, name string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: eventType, Payload: name})
}

type configOverrideRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.AllConfigEntries()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"overrides":   config.MaskSecrets(entries),
		"fingerprint": s.manager.Fingerprint(),
	})
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req configOverrideRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		s.writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.manager.SetOverride(req.Key, req.Value); err != nil {
		s.respondError(w, err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:    events.TypeConfigChanged,
			Payload: map[string]any{"key": req.Key},
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"key":         req.Key,
		"fingerprint": s.manager.Fingerprint(),
	})
}

type extractRequest struct {
	VideoPath string `json:"video_path"`
	Language  string `json:"language"`
	Forced    bool   `json:"forced"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.VideoPath == "" || req.Language == "" {
		s.writeError(w, http.StatusBadRequest, "video_path and language are required")
		return
	}
	outcome, err := s.extractor.ExtractEmbedded(r.Context(), req.VideoPath, req.Language, req.Forced)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}
