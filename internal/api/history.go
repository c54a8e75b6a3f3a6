package api

import (
	"net/http"

	"sublarr/internal/store"
)

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListHistory(r.Context(),
		r.URL.Query().Get("path"), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if records == nil {
		records = []*store.HistoryRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": records})
}
