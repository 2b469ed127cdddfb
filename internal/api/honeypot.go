package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adjoshi/scamnet/internal/honeypot"
	"github.com/adjoshi/scamnet/internal/report"
)

// CannedReply is served whenever a turn fails or times out. The caller must
// always get a usable reply with a 200 so the upstream channel keeps the
// scammer engaged.
const CannedReply = "I didn't understand that, sorry."

// flexTime decodes either an RFC3339 string or unix epoch
// seconds/milliseconds. Upstream channels are not consistent about this.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			// Tolerate unparsable timestamps; the orchestrator substitutes now.
			return nil
		}
		t.Time = parsed
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	if n > 1e12 { // millisecond epochs
		t.Time = time.UnixMilli(n)
	} else if n > 0 {
		t.Time = time.Unix(n, 0)
	}
	return nil
}

type turnMessage struct {
	Sender    string   `json:"sender"`
	Text      string   `json:"text"`
	Timestamp flexTime `json:"timestamp"`
}

type historyEntry struct {
	Sender    string   `json:"sender"`
	Role      string   `json:"role"`
	Text      string   `json:"text"`
	Timestamp flexTime `json:"timestamp"`
}

type turnPayload struct {
	SessionID           string         `json:"sessionId"`
	Message             turnMessage    `json:"message"`
	ConversationHistory []historyEntry `json:"conversationHistory"`
	Metadata            struct {
		Channel string `json:"channel"`
	} `json:"metadata"`
}

type turnResponse struct {
	Status string `json:"status"`
	Reply  string `json:"reply"`
}

// RegisterRoutes registers the honeypot routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/honeypot", h.HandleTurn)
		r.Get("/callback-preview/{sessionID}", h.CallbackPreview)
	})
	r.Get("/ready", h.Ready)
}

// HandleTurn accepts one inbound scammer message and replies in persona.
// Internal failures and timeouts still answer 200 with the canned reply;
// only malformed payloads get a 400.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	var payload turnPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.SessionID = strings.TrimSpace(payload.SessionID)
	if payload.SessionID == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if strings.TrimSpace(payload.Message.Text) == "" {
		Error(w, http.StatusBadRequest, "message.text is required")
		return
	}

	req := honeypot.TurnRequest{
		SessionID: payload.SessionID,
		Text:      payload.Message.Text,
		Timestamp: payload.Message.Timestamp.Time,
		Channel:   payload.Metadata.Channel,
	}
	for _, entry := range payload.ConversationHistory {
		origin := entry.Sender
		if origin == "" {
			origin = entry.Role
		}
		req.Backlog = append(req.Backlog, honeypot.BacklogMessage{
			Origin:    origin,
			Text:      entry.Text,
			Timestamp: entry.Timestamp.Time,
		})
	}

	started := time.Now()
	reply := h.runTurn(r.Context(), req)
	h.applyResponseDelay(r.Context(), time.Since(started))

	JSON(w, http.StatusOK, turnResponse{Status: "success", Reply: reply})
}

// runTurn races the orchestrator against the turn deadline. The inner call
// keeps running on timeout so the session state still lands; only the HTTP
// reply falls back.
func (h *Handler) runTurn(ctx context.Context, req honeypot.TurnRequest) string {
	done := make(chan string, 1)
	go func() {
		reply, err := h.turns.HandleTurn(context.WithoutCancel(ctx), req)
		if err != nil {
			slog.Error("Turn failed", "session_id", req.SessionID, "error", err)
			done <- CannedReply
			return
		}
		done <- reply
	}()

	timer := time.NewTimer(h.turnTimeout)
	defer timer.Stop()

	select {
	case reply := <-done:
		return reply
	case <-timer.C:
		slog.Warn("Turn timed out, serving canned reply",
			"session_id", req.SessionID, "timeout", h.turnTimeout)
		return CannedReply
	}
}

// applyResponseDelay pads the reply with a random pause, minus time already
// spent on the turn.
func (h *Handler) applyResponseDelay(ctx context.Context, elapsed time.Duration) {
	if h.responseDelayMax <= 0 {
		return
	}
	delay := rand.N(h.responseDelayMax) - elapsed
	if delay <= 0 {
		return
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// CallbackPreview renders the report payload that would be delivered for a
// session. Debugging aid for the callback consumer.
func (h *Handler) CallbackPreview(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session for preview", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	JSON(w, http.StatusOK, report.BuildPayload(sess))
}

// Ready reports storage connectivity. Distinct from the liveness heartbeat.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
