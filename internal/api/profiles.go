package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"sublarr/internal/store"
)

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListLanguageProfiles(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	if profiles == nil {
		profiles = []*store.LanguageProfile{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var profile store.LanguageProfile
	if !s.decodeJSON(w, r, &profile) {
		return
	}
	if profile.Name == "" || len(profile.Languages) == 0 {
		s.writeError(w, http.StatusBadRequest, "name and languages are required")
		return
	}
	saved, err := s.store.SaveLanguageProfile(r.Context(), &profile)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid profile id")
		return
	}
	profile, err := s.store.GetLanguageProfile(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if profile == nil {
		s.writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid profile id")
		return
	}
	deleted, err := s.store.DeleteLanguageProfile(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type assignProfileRequest struct {
	ProfileID int64 `json:"profile_id"`
}

func (s *Server) handleAssignProfile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req assignProfileRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	profile, err := s.store.GetLanguageProfile(r.Context(), req.ProfileID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if profile == nil {
		s.writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	if err := s.store.AssignSeriesProfile(r.Context(), key, req.ProfileID); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"series": key, "profile": profile.Name})
}

func (s *Server) handleUnassignProfile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.store.UnassignSeriesProfile(r.Context(), key); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"series": key, "profile": nil})
}

type glossaryRequest struct {
	Terms map[string]string `json:"terms"`
}

func (s *Server) handleGetGlossary(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	terms, err := s.store.GetSeriesGlossary(r.Context(), key)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if terms == nil {
		terms = map[string]string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"series": key, "terms": terms})
}

func (s *Server) handlePutGlossary(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req glossaryRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.SetSeriesGlossary(r.Context(), key, req.Terms); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"series": key, "terms": len(req.Terms)})
}

func (s *Server) handleDeleteGlossary(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.store.DeleteSeriesGlossary(r.Context(), key); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"series": key, "deleted": true})
}
