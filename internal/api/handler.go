// Package api provides HTTP handlers for the traitlab API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/traitlab/internal/assessment"
	"github.com/ashureev/traitlab/internal/chat"
	"github.com/ashureev/traitlab/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 16 << 10

// Handler provides common handler utilities.
type Handler struct {
	repo   store.Repository
	engine *assessment.Engine
	router *chat.Router
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, engine *assessment.Engine, router *chat.Router) *Handler {
	return &Handler{
		repo:   repo,
		engine: engine,
		router: router,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
