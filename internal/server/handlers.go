package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/andresmejia3/rollcall/internal/store"
)

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Start(r.Context()); err != nil {
		s.logger.Error("failed to start session", "error", err)
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	s.session.Stop()
	respondJSON(w, http.StatusOK, s.session.Status())
}

type commitResponse struct {
	IDs     []string          `json:"ids"`
	Updated []string          `json:"updated"`
	Failed  []string          `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// commitSession waits for the commit unless ?async=true, in which case it
// answers 202 and the outcome is only logged.
func (s *Server) commitSession(w http.ResponseWriter, r *http.Request) {
	outcome := s.session.Commit(r.Context())

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "committing"})
		return
	}

	out := <-outcome
	if out.Err != nil {
		respondError(w, http.StatusBadGateway, out.Err.Error())
		return
	}

	resp := commitResponse{IDs: nonNil(out.IDs), Updated: []string{}, Failed: []string{}}
	if out.Result != nil {
		resp.Updated = nonNil(out.Result.Updated)
		resp.Failed = nonNil(out.Result.Failed)
		if len(out.Result.Errors) > 0 {
			resp.Errors = make(map[string]string, len(out.Result.Errors))
			for id, err := range out.Result.Errors {
				resp.Errors[id] = err.Error()
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getGallery(w http.ResponseWriter, r *http.Request) {
	g := s.session.Gallery()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":      g.Len(),
		"identities": g.IDs(),
	})
}

func (s *Server) listAttendance(w http.ResponseWriter, r *http.Request) {
	date := s.now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse(store.DateLayout, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}

	records, err := s.store.List(r.Context(), date)
	if err != nil {
		s.logger.Error("failed to list attendance", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"date":    store.Day(date).Format(store.DateLayout),
		"records": records,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
