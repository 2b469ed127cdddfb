package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/adjoshi/scamnet/internal/keypool"
)

const (
	// maxResponseSize caps response body reads so a misbehaving provider
	// cannot exhaust memory.
	maxResponseSize = 1 << 20 // 1MB

	defaultTimeout       = 10 * time.Second
	defaultHistoryWindow = 3
)

// Shared transport with connection pooling, reused by every client so
// concurrent turns recycle TCP connections.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:   true,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
}

const personaPrompt = `SYSTEM ROLE:
You are Mrs. Sharma, a 72-year-old Indian grandmother living alone. You believe the caller when they say something is wrong with your bank account, and you are worried.

PERSONALITY:
1. Simple, slightly broken English. Extremely polite.
2. Technologically illiterate: you confuse "OTP" with "UPS" and "install" with "insult".
3. Poor eyesight, shaky hands, everything must be repeated slowly.

GOAL (intelligent stalling):
- Keep the caller engaged as long as possible.
- Pretend to follow instructions but keep failing with plausible mistakes.
- Ask them to repeat critical details (UPI id, phone number, account number, link) so you can "write it in your diary".

CONSTRAINTS:
- Replies under 20 words. Never admit you are an AI. Never refuse; always try and fail.
- Output strict JSON only.

OUTPUT FORMAT:
{"reply": "...", "isScam": true/false, "scamType": "...", "agentNotes": "...", "confidence": 0.0-1.0}`

// ClientConfig configures one OpenAI-compatible chat-completions backend.
type ClientConfig struct {
	BaseURL string
	Model   string

	// APIKey, when set, overrides the session credential on every call. The
	// fallback backend uses this: sessions carry primary-pool keys that the
	// fallback provider would reject.
	APIKey string

	Timeout       time.Duration
	HistoryWindow int // how many trailing history messages to forward
}

// Client talks to an OpenAI-compatible chat-completions endpoint. The same
// type serves both the primary (FastRouter) and fallback (OpenAI) backends;
// only base URL and model differ.
type Client struct {
	http          *http.Client
	baseURL       string
	model         string
	apiKey        string
	historyWindow int
}

// NewClient creates a generator client for the given backend.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	window := cfg.HistoryWindow
	if window <= 0 {
		window = defaultHistoryWindow
	}
	return &Client{
		http:          &http.Client{Timeout: timeout, Transport: sharedTransport},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		model:         cfg.Model,
		apiKey:        cfg.APIKey,
		historyWindow: window,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends the conversation to the backend and parses the structured
// verdict out of the model response.
func (c *Client) Generate(ctx context.Context, cred keypool.Assignment, req Request) (*Result, error) {
	key := cred.Key
	if c.apiKey != "" {
		key = c.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("no API key for %s", c.baseURL)
	}

	msgs := []chatMessage{{Role: "system", Content: personaPrompt}}
	if note := intelNote(req); note != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: note})
	}
	history := req.History
	if len(history) > c.historyWindow {
		history = history[len(history)-c.historyWindow:]
	}
	for _, m := range history {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.IncomingText})

	body, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       msgs,
		Temperature:    0.7,
		MaxTokens:      200,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", c.baseURL, err)
	}
	defer drainAndClose(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat completions returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	var result Result
	content := extractJSON(parsed.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("parse model verdict: %w", err)
	}
	if strings.TrimSpace(result.Reply) == "" {
		return nil, fmt.Errorf("model verdict has empty reply")
	}
	return &result, nil
}

// intelNote summarizes what is still missing so the model keeps steering the
// conversation toward uncollected identifiers.
func intelNote(req Request) string {
	var missing []string
	if len(req.Intelligence.PhoneNumbers) == 0 {
		missing = append(missing, "phone number")
	}
	if len(req.Intelligence.BankAccounts) == 0 {
		missing = append(missing, "bank account")
	}
	if len(req.Intelligence.UpiIDs) == 0 {
		missing = append(missing, "UPI id")
	}
	if len(missing) == 0 {
		return ""
	}
	return "Details not yet written in the diary: " + strings.Join(missing, ", ") + ". Gently ask for one of these."
}

// extractJSON strips markdown code fences some models wrap around JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSpace(s)
	}
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxResponseSize))
	_ = body.Close()
}
