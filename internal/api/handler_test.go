package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adjoshi/scamnet/internal/domain"
	"github.com/adjoshi/scamnet/internal/honeypot"
)

type stubTurns struct {
	handleFunc func(ctx context.Context, req honeypot.TurnRequest) (string, error)
	last       honeypot.TurnRequest
}

func (s *stubTurns) HandleTurn(ctx context.Context, req honeypot.TurnRequest) (string, error) {
	s.last = req
	if s.handleFunc == nil {
		return "namaste beta", nil
	}
	return s.handleFunc(ctx, req)
}

type stubRepo struct {
	sessions map[string]*domain.Session
	pingErr  error
}

func (r *stubRepo) GetSession(_ context.Context, id string) (*domain.Session, error) {
	return r.sessions[id], nil
}
func (r *stubRepo) UpsertSession(context.Context, *domain.Session) error { return nil }
func (r *stubRepo) MarkReportSent(context.Context, string) (bool, error) { return false, nil }
func (r *stubRepo) MarkReportFailed(context.Context, string) error       { return nil }
func (r *stubRepo) CleanupExpiredSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
func (r *stubRepo) Ping(context.Context) error { return r.pingErr }
func (r *stubRepo) Close() error               { return nil }

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func postTurn(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/honeypot", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleTurnSuccess(t *testing.T) {
	turns := &stubTurns{}
	h := NewHandler(turns, &stubRepo{}, HandlerConfig{TurnTimeout: time.Second})
	router := newRouter(h)

	rec := postTurn(t, router, `{
		"sessionId": "sess-1",
		"message": {"sender": "scammer", "text": "pay now", "timestamp": "2026-08-29T10:00:00Z"},
		"conversationHistory": [
			{"sender": "scammer", "text": "hello madam", "timestamp": 1756375200},
			{"role": "assistant", "text": "hello beta", "timestamp": 1756375260000}
		],
		"metadata": {"channel": "SMS"}
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp turnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "success" || resp.Reply != "namaste beta" {
		t.Errorf("response = %+v", resp)
	}

	if turns.last.SessionID != "sess-1" || turns.last.Text != "pay now" {
		t.Errorf("turn request = %+v", turns.last)
	}
	if turns.last.Channel != "SMS" {
		t.Errorf("Channel = %q", turns.last.Channel)
	}
	if len(turns.last.Backlog) != 2 {
		t.Fatalf("backlog length = %d", len(turns.last.Backlog))
	}
	if turns.last.Backlog[0].Origin != "scammer" || turns.last.Backlog[1].Origin != "assistant" {
		t.Errorf("backlog origins = %+v", turns.last.Backlog)
	}
	if turns.last.Backlog[0].Timestamp.IsZero() || turns.last.Backlog[1].Timestamp.IsZero() {
		t.Error("epoch timestamps not decoded")
	}
}

func TestHandleTurnValidation(t *testing.T) {
	h := NewHandler(&stubTurns{}, &stubRepo{}, HandlerConfig{})
	router := newRouter(h)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"sessionId": `},
		{"missing session id", `{"message": {"text": "hi"}}`},
		{"missing text", `{"sessionId": "s", "message": {"text": "  "}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postTurn(t, router, tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleTurnErrorServesCannedReply(t *testing.T) {
	turns := &stubTurns{
		handleFunc: func(context.Context, honeypot.TurnRequest) (string, error) {
			return "", errors.New("store down")
		},
	}
	h := NewHandler(turns, &stubRepo{}, HandlerConfig{TurnTimeout: time.Second})

	rec := postTurn(t, newRouter(h), `{"sessionId": "s", "message": {"text": "hi"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even on failure", rec.Code)
	}
	var resp turnResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Reply != CannedReply || resp.Status != "success" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleTurnTimeoutServesCannedReply(t *testing.T) {
	turns := &stubTurns{
		handleFunc: func(ctx context.Context, _ honeypot.TurnRequest) (string, error) {
			time.Sleep(200 * time.Millisecond)
			return "too late", nil
		},
	}
	h := NewHandler(turns, &stubRepo{}, HandlerConfig{TurnTimeout: 20 * time.Millisecond})

	rec := postTurn(t, newRouter(h), `{"sessionId": "s", "message": {"text": "hi"}}`)
	var resp turnResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Reply != CannedReply {
		t.Errorf("reply = %q, want canned on timeout", resp.Reply)
	}
}

func TestCallbackPreview(t *testing.T) {
	sess := domain.NewSession("sess-42", time.Now())
	sess.ScamDetected = true
	sess.Intelligence.UpiIDs = []string{"fraud@ybl"}
	repo := &stubRepo{sessions: map[string]*domain.Session{"sess-42": sess}}
	h := NewHandler(&stubTurns{}, repo, HandlerConfig{})
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/callback-preview/sess-42", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["sessionId"] != "sess-42" {
		t.Errorf("payload sessionId = %v", payload["sessionId"])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/callback-preview/unknown", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestReady(t *testing.T) {
	repo := &stubRepo{}
	h := NewHandler(&stubTurns{}, repo, HandlerConfig{})
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	repo.pingErr = errors.New("locked")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
