package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-labs/internal/aipipeline"
	"github.com/ashureev/shsh-labs/internal/apiconfig"
	"github.com/ashureev/shsh-labs/internal/identity"
	"github.com/ashureev/shsh-labs/internal/vault"
)

// AIHandler exposes the AI Request Pipeline's CRUD and connection-test
// surface (spec §6): GET/PUT /api/ai/config, GET /api/ai/usage,
// POST /api/ai/test-connection. The /ai WebSocket path itself is served by
// internal/wsrouter; this handler only covers the config/usage side channel.
type AIHandler struct {
	configs  *vault.ConfigStore
	usage    *aipipeline.UsageStore
	pipeline *aipipeline.Pipeline
}

// NewAIHandler creates an AIHandler.
func NewAIHandler(configs *vault.ConfigStore, usage *aipipeline.UsageStore, pipeline *aipipeline.Pipeline) *AIHandler {
	return &AIHandler{configs: configs, usage: usage, pipeline: pipeline}
}

// RegisterRoutes registers the AI config/usage/test-connection routes.
func (h *AIHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/ai", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Put("/config", h.PutConfig)
		r.Get("/usage", h.GetUsage)
		r.Post("/test-connection", h.TestConnection)
	})
}

type putConfigRequest struct {
	Provider    string  `json:"provider"`
	BaseURL     string  `json:"baseUrl"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	Timeout     int     `json:"timeout"`
	APIKey      string  `json:"apiKey"`
	Durable     bool    `json:"durable"`
}

// GetConfig returns the caller's ApiConfig with the API key masked.
func (h *AIHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cfg, ok, err := h.configs.Get(r.Context(), userID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load ai config")
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "no ai config configured")
		return
	}
	JSON(w, http.StatusOK, cfg.Masked(vault.Mask))
}

// PutConfig upserts the caller's ApiConfig, either session-only or durable.
func (h *AIHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req putConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.BaseURL == "" || req.APIKey == "" {
		Error(w, http.StatusBadRequest, "baseUrl and apiKey are required")
		return
	}

	defaults := apiconfig.Defaults()
	cfg := apiconfig.Config{
		Provider:    req.Provider,
		BaseURL:     req.BaseURL,
		Model:       req.Model,
		Temperature: defaults.Temperature,
		MaxTokens:   defaults.MaxTokens,
		Timeout:     defaults.Timeout,
		APIKey:      req.APIKey,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if req.Temperature != 0 {
		cfg.Temperature = req.Temperature
	}
	if req.MaxTokens != 0 {
		cfg.MaxTokens = req.MaxTokens
	}
	if req.Timeout != 0 {
		cfg.Timeout = req.Timeout
	}

	if req.Durable {
		if err := h.configs.PutDurable(r.Context(), userID, cfg); err != nil {
			Error(w, http.StatusInternalServerError, "failed to persist ai config")
			return
		}
	} else {
		h.configs.PutSession(userID, cfg)
	}

	JSON(w, http.StatusOK, cfg.Masked(vault.Mask))
}

// GetUsage returns the caller's accumulated UsageStats.
func (h *AIHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	stats, err := h.usage.Get(r.Context(), userID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load usage stats")
		return
	}
	JSON(w, http.StatusOK, stats)
}

type testConnectionRequest struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
	Model   string `json:"model"`
}

// TestConnection probes a candidate provider without persisting anything.
func (h *AIHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.BaseURL == "" || req.APIKey == "" {
		Error(w, http.StatusBadRequest, "baseUrl and apiKey are required")
		return
	}

	result := h.pipeline.TestConnection(r.Context(), req.BaseURL, req.APIKey, req.Model)
	JSON(w, http.StatusOK, result)
}
