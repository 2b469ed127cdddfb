// Package api provides HTTP handlers for the honeypot API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/adjoshi/scamnet/internal/honeypot"
	"github.com/adjoshi/scamnet/internal/store"
)

// TurnHandler processes one inbound scammer turn and returns the reply.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req honeypot.TurnRequest) (string, error)
}

// Handler provides common handler utilities.
type Handler struct {
	turns            TurnHandler
	repo             store.Repository
	turnTimeout      time.Duration
	responseDelayMax time.Duration
}

// HandlerConfig tunes the HTTP surface.
type HandlerConfig struct {
	// TurnTimeout caps how long a turn may run before the canned reply is
	// served instead.
	TurnTimeout time.Duration

	// ResponseDelayMax, when positive, adds a random human-like pause of up
	// to this duration before each reply.
	ResponseDelayMax time.Duration
}

const defaultTurnTimeout = 15 * time.Second

// NewHandler creates a new Handler with common dependencies.
func NewHandler(turns TurnHandler, repo store.Repository, cfg HandlerConfig) *Handler {
	timeout := cfg.TurnTimeout
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	return &Handler{
		turns:            turns,
		repo:             repo,
		turnTimeout:      timeout,
		responseDelayMax: cfg.ResponseDelayMax,
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
