// Package generate implements the dialogue generator that produces
// in-character honeypot replies and a scam classification.
package generate

import (
	"context"

	"github.com/adjoshi/scamnet/internal/domain"
	"github.com/adjoshi/scamnet/internal/keypool"
)

// Request carries everything the generator needs for one turn.
type Request struct {
	History      []domain.Message
	IncomingText string
	Intelligence domain.Intelligence
	Channel      string
}

// Result is the structured generator verdict. The reply is what goes back to
// the scammer; the rest is classification state folded into the session.
type Result struct {
	Reply      string  `json:"reply"`
	IsScam     bool    `json:"isScam"`
	ScamType   string  `json:"scamType"`
	AgentNotes string  `json:"agentNotes"`
	Confidence float64 `json:"confidence"`
}

// Generator produces a reply and classification for an inbound turn.
// Implementations may fail; the orchestrator owns the fallback chain.
type Generator interface {
	Generate(ctx context.Context, cred keypool.Assignment, req Request) (*Result, error)
}
