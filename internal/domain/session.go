// Package domain contains core domain types for the honeypot service.
package domain

import (
	"strings"
	"time"
)

// Message roles in the conversation transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Risk levels for a session.
const (
	RiskLow  = "LOW"
	RiskHigh = "HIGH"
)

// Callback delivery states.
const (
	CallbackPending = "PENDING"
	CallbackSuccess = "SUCCESS"
	CallbackFailed  = "FAILED"
)

// Message is a single entry in the dialogue transcript.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the aggregate root for one scammer engagement, keyed by an
// opaque session ID. History is append-only; intelligence buckets only grow.
type Session struct {
	SessionID string `json:"session_id"`

	// Sticky credential, never reassigned after first set.
	AssignedKey      string `json:"assigned_key,omitempty"`
	AssignedProvider string `json:"assigned_provider,omitempty"`

	// Classification state.
	ScamDetected bool    `json:"scam_detected"`
	RiskScore    string  `json:"risk_score"`
	ScamType     string  `json:"scam_type"`
	AgentNotes   string  `json:"agent_notes"`
	Confidence   float64 `json:"confidence"`

	// TurnCount counts model-visible turns (inbound scammer messages,
	// including hydrated backlog). TotalMessages counts every wire message
	// in either direction.
	TurnCount     int `json:"turn_count"`
	TotalMessages int `json:"total_messages"`

	// ReportSent is a one-way latch: once true, no further report delivery
	// is attempted for this session.
	ReportSent     bool   `json:"report_sent"`
	CallbackStatus string `json:"callback_status"`

	Intelligence Intelligence `json:"intelligence"`
	History      []Message    `json:"history"`

	StartTime       time.Time `json:"start_time"`
	LastMessageTime time.Time `json:"last_message_time"`
	LastActive      time.Time `json:"last_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates an empty session starting now.
func NewSession(sessionID string, now time.Time) *Session {
	return &Session{
		SessionID:       sessionID,
		RiskScore:       RiskLow,
		ScamType:        "unknown",
		CallbackStatus:  CallbackPending,
		StartTime:       now,
		LastMessageTime: now,
		LastActive:      now,
		CreatedAt:       now,
	}
}

// AppendUser records an inbound scammer message as a model-visible turn.
func (s *Session) AppendUser(text string, ts time.Time) {
	s.History = append(s.History, Message{Role: RoleUser, Content: text, Timestamp: ts})
	s.TurnCount++
	s.TotalMessages++
	s.LastMessageTime = ts
	s.LastActive = ts
}

// AppendAssistant records a generated reply. Replies count toward total
// traffic but not toward the turn count.
func (s *Session) AppendAssistant(text string, ts time.Time) {
	s.History = append(s.History, Message{Role: RoleAssistant, Content: text, Timestamp: ts})
	s.TotalMessages++
	s.LastActive = ts
}

// Hydrate replays a backlog entry supplied on first contact. Every hydrated
// message counts as a turn regardless of role, and StartTime is back-dated
// to the earliest timestamp seen so duration metrics cover the real
// engagement window.
func (s *Session) Hydrate(role, text string, ts time.Time) {
	s.History = append(s.History, Message{Role: role, Content: text, Timestamp: ts})
	s.TurnCount++
	s.TotalMessages++
	if !ts.IsZero() {
		if ts.Before(s.StartTime) {
			s.StartTime = ts
		}
		if ts.After(s.LastMessageTime) {
			s.LastMessageTime = ts
		}
	}
}

// ApplyClassification folds a generator verdict into the session. Fields are
// last-write-wins but never regress: empty or "unknown" values do not
// overwrite a known classification, and ScamDetected latches true.
func (s *Session) ApplyClassification(isScam bool, scamType, agentNotes string, confidence float64) {
	if isScam {
		s.ScamDetected = true
		s.RiskScore = RiskHigh
	}
	if t := strings.TrimSpace(scamType); t != "" && !strings.EqualFold(t, "unknown") {
		s.ScamType = t
	}
	if n := strings.TrimSpace(agentNotes); n != "" {
		s.AgentNotes = n
	}
	if confidence > 0 {
		s.Confidence = confidence
	}
}

// EngagementDuration returns the span between the first and last message.
func (s *Session) EngagementDuration() time.Duration {
	d := s.LastMessageTime.Sub(s.StartTime)
	if d < 0 {
		return 0
	}
	return d
}
