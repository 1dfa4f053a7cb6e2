package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnvelope(t *testing.T) {
	s := NewServer(Deps{}, nil)

	tests := []struct {
		name      string
		write     func(w http.ResponseWriter)
		wantCode  int
		wantError string
		wantData  bool
	}{
		{
			name:     "data",
			write:    func(w http.ResponseWriter) { s.writeJSON(w, http.StatusCreated, map[string]int{"id": 7}) },
			wantCode: http.StatusCreated,
			wantData: true,
		},
		{
			name:     "nil data",
			write:    func(w http.ResponseWriter) { s.writeJSON(w, http.StatusOK, nil) },
			wantCode: http.StatusOK,
		},
		{
			name:      "error",
			write:     func(w http.ResponseWriter) { s.writeError(w, http.StatusConflict, "already ended") },
			wantCode:  http.StatusConflict,
			wantError: "already ended",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.write(rr)

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content-type = %q", ct)
			}
			var env envelope
			if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
				t.Fatalf("decoding: %v", err)
			}
			if env.Error != tt.wantError {
				t.Errorf("error = %q, want %q", env.Error, tt.wantError)
			}
			if (env.Data != nil) != tt.wantData {
				t.Errorf("data = %v", env.Data)
			}
		})
	}
}

func TestEnvelopeOmitsEmptyError(t *testing.T) {
	s := NewServer(Deps{}, nil)
	rr := httptest.NewRecorder()
	s.writeJSON(rr, http.StatusOK, "x")
	if strings.Contains(rr.Body.String(), `"error"`) {
		t.Errorf("body %q has error field", rr.Body.String())
	}
}
