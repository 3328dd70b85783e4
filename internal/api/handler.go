// Package api provides HTTP handlers for the EasySSH gateway's REST
// surface: health, and the vault-backed AI config/usage CRUD the AI
// Pipeline's WebSocket path consumes (spec §6 "Persistent state").
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-labs/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	frontendRedirectURL string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(frontendURL string) *Handler {
	return &Handler{frontendRedirectURL: frontendURL}
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

// isDevelopment returns true if running in development mode.
func (h *Handler) isDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return h.frontendRedirectURL == "" ||
		h.frontendRedirectURL == "/dashboard" ||
		strings.Contains(h.frontendRedirectURL, "localhost") ||
		strings.Contains(h.frontendRedirectURL, "127.0.0.1")
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	settings store.SettingsStore
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(settings store.SettingsStore) *HealthHandler {
	return &HealthHandler{settings: settings}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.settings.Ping(ctx); err != nil {
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
