package api

import (
	"net/http"
	"strings"

	"sublarr/internal/pipeline"
	"sublarr/internal/queue"
	"sublarr/internal/store"
)

type translateRequest struct {
	VideoPath  string            `json:"video_path"`
	Language   string            `json:"language"`
	Forced     bool              `json:"forced"`
	SourceLang string            `json:"source_lang,omitempty"`
	Glossary   map[string]string `json:"glossary,omitempty"`
	StyleHints string            `json:"style_hints,omitempty"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var states []store.JobState
	for _, value := range r.URL.Query()["state"] {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			states = append(states, store.JobState(trimmed))
		}
	}
	jobs, err := s.store.ListJobs(r.Context(), queryInt(r, "limit", 100), states...)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if job == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEnqueueTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.VideoPath == "" || req.Language == "" {
		s.writeError(w, http.StatusBadRequest, "video_path and language are required")
		return
	}
	job, err := s.queue.Enqueue(r.Context(), store.JobTranslate, req.VideoPath, req.Language, req.Forced,
		queue.TranslatePayload{
			SourceLang: req.SourceLang,
			Glossary:   req.Glossary,
			StyleHints: req.StyleHints,
		})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

// handleTranslateSync runs the acquisition pipeline on the request's
// goroutine and returns the outcome. The caller waits for the whole run, so
// the async /jobs/translate route is the better fit for long media.
func (s *Server) handleTranslateSync(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.VideoPath == "" || req.Language == "" {
		s.writeError(w, http.StatusBadRequest, "video_path and language are required")
		return
	}
	outcome, err := s.acquirer.Acquire(r.Context(), pipeline.Request{
		VideoPath:  req.VideoPath,
		TargetLang: req.Language,
		SourceLang: req.SourceLang,
		Forced:     req.Forced,
		Glossary:   req.Glossary,
		StyleHints: req.StyleHints,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Enqueue(r.Context(), store.JobBatch, "", "", false, nil)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	cancelled, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !cancelled {
		s.writeError(w, http.StatusConflict, "job is not queued or running")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}
