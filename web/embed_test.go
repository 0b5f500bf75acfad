package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSPAHandler(t *testing.T) {
	h := SPAHandler()

	tests := []struct {
		name      string
		path      string
		code      int
		wantShell bool
	}{
		{"root", "/", http.StatusOK, true},
		{"client route", "/history", http.StatusOK, true},
		{"unknown api path", "/api/nope", http.StatusNotFound, false},
		{"unknown socket path", "/ws/nope", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.code {
				t.Fatalf("Expected status %d, got %d", tt.code, rec.Code)
			}
			isShell := strings.Contains(rec.Body.String(), "<html")
			if isShell != tt.wantShell {
				t.Errorf("Expected chat page=%v, got body %q", tt.wantShell, rec.Body.String())
			}
			if tt.wantShell && rec.Header().Get("Cache-Control") != "no-cache" {
				t.Errorf("Expected no-cache on the chat page, got %q", rec.Header().Get("Cache-Control"))
			}
		})
	}
}
