package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the API response wrapper: { "data": ..., "error": ... }.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes data wrapped in the envelope with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	s.encode(w, status, envelope{Data: data})
}

// writeError writes an error envelope with the given status.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.encode(w, status, envelope{Error: msg})
}

func (s *Server) encode(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("failed to encode json response", "error", err, "status", status)
	}
}
