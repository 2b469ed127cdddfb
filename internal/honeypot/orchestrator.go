// Package honeypot implements the session orchestrator: the per-turn entry
// point that maintains session state, merges extracted intelligence, drives
// reply generation and decides when a report should be scheduled.
package honeypot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adjoshi/scamnet/internal/domain"
	"github.com/adjoshi/scamnet/internal/generate"
	"github.com/adjoshi/scamnet/internal/keypool"
	"github.com/adjoshi/scamnet/internal/store"
)

// FallbackReply is served when both generators fail. The caller must always
// receive some in-character reply; generation failure never escapes.
const FallbackReply = "I am sorry beta, I am confused. Can you explain once more?"

const defaultMatureTurns = 3

// Extractor scans raw scammer text for structured intelligence. Total
// function: never fails, empty result for empty input.
type Extractor interface {
	Extract(text string) domain.Intelligence
}

// ReportScheduler arms the debounced delivery timer for a session.
type ReportScheduler interface {
	Schedule(sessionID string)
}

// BacklogMessage is one prior message supplied by the caller on first
// contact with an unseen session.
type BacklogMessage struct {
	Origin    string // "scammer"/"user" for inbound, anything else is our side
	Text      string
	Timestamp time.Time
}

// TurnRequest is one inbound scammer turn.
type TurnRequest struct {
	SessionID string
	Text      string
	Backlog   []BacklogMessage
	Timestamp time.Time
	Channel   string
}

// Config tunes the orchestrator's report eligibility policy.
type Config struct {
	// MatureTurns is the turn count at which a detected scam becomes
	// report-eligible even without hard intelligence.
	MatureTurns int
}

// Orchestrator coordinates one turn end to end.
type Orchestrator struct {
	repo        store.Repository
	keys        *keypool.Registry
	primary     generate.Generator
	fallback    generate.Generator
	extractor   Extractor
	scheduler   ReportScheduler
	matureTurns int
	locks       *sessionLocks
}

// New creates an orchestrator.
func New(repo store.Repository, keys *keypool.Registry, primary, fallback generate.Generator, extractor Extractor, scheduler ReportScheduler, cfg Config) *Orchestrator {
	matureTurns := cfg.MatureTurns
	if matureTurns <= 0 {
		matureTurns = defaultMatureTurns
	}
	return &Orchestrator{
		repo:        repo,
		keys:        keys,
		primary:     primary,
		fallback:    fallback,
		extractor:   extractor,
		scheduler:   scheduler,
		matureTurns: matureTurns,
		locks:       newSessionLocks(),
	}
}

// HandleTurn processes one inbound message and returns the reply to send
// back. Storage and credential failures are returned as errors (the caller
// maps them to a generic reply); generation failures are absorbed here.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (string, error) {
	unlock := o.locks.lock(req.SessionID)
	defer unlock()

	now := req.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	// 1. Load or create.
	sess, err := o.repo.GetSession(ctx, req.SessionID)
	if err != nil {
		return "", fmt.Errorf("load session %s: %w", req.SessionID, err)
	}

	foundNewIntel := false
	if sess == nil {
		slog.Info("Creating new session", "session_id", req.SessionID, "backlog", len(req.Backlog))
		sess = domain.NewSession(req.SessionID, now)
		if o.hydrateBacklog(sess, req.Backlog, now) {
			foundNewIntel = true
		}
	} else {
		slog.Info("Updating session", "session_id", req.SessionID, "turn_count", sess.TurnCount)
	}

	// 2. Sticky credential. Persist a fresh assignment immediately so
	// concurrent first turns converge on the same key.
	cred, err := o.keys.Assign(sess.SessionID, sess.AssignedProvider, sess.AssignedKey)
	if err != nil {
		return "", fmt.Errorf("assign credential for %s: %w", sess.SessionID, err)
	}
	if sess.AssignedKey == "" {
		sess.AssignedKey = cred.Key
		sess.AssignedProvider = cred.Provider
		if err := o.repo.UpsertSession(ctx, sess); err != nil {
			slog.Warn("Failed to persist credential assignment early",
				"session_id", sess.SessionID, "error", err)
		}
	}

	// 3. Extraction pass over the incoming text.
	if sess.Intelligence.Merge(o.extractor.Extract(req.Text)) {
		foundNewIntel = true
	}

	// 4. Append the user turn before generation so the generator sees it
	// as context exactly once.
	sess.AppendUser(req.Text, now)

	// 5-6. Generate reply and fold the classification in.
	result := o.generateReply(ctx, cred, generate.Request{
		History:      sess.History[:len(sess.History)-1],
		IncomingText: req.Text,
		Intelligence: sess.Intelligence,
		Channel:      req.Channel,
	})
	sess.AppendAssistant(result.Reply, time.Now())
	sess.ApplyClassification(result.IsScam, result.ScamType, result.AgentNotes, result.Confidence)

	// 7-8. Evidence policy: schedule, never send inline.
	if o.reportEligible(sess) && !sess.ReportSent {
		slog.Info("Session report-eligible, arming scheduler",
			"session_id", sess.SessionID,
			"turn_count", sess.TurnCount,
			"hard_intel", sess.Intelligence.HasHard(),
			"found_new_intel", foundNewIntel)
		o.scheduler.Schedule(sess.SessionID)
	}

	// 9. Single logical write for the turn.
	if err := o.repo.UpsertSession(ctx, sess); err != nil {
		return "", fmt.Errorf("save session %s: %w", sess.SessionID, err)
	}

	return result.Reply, nil
}

// hydrateBacklog replays caller-supplied history into a fresh session and
// scans the scammer-side entries. Assistant-side text is never extracted.
func (o *Orchestrator) hydrateBacklog(sess *domain.Session, backlog []BacklogMessage, now time.Time) bool {
	grew := false
	for _, msg := range backlog {
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = now
		}
		role := roleForOrigin(msg.Origin)
		sess.Hydrate(role, msg.Text, ts)
		if role == domain.RoleUser {
			if sess.Intelligence.Merge(o.extractor.Extract(msg.Text)) {
				grew = true
			}
		}
	}
	return grew
}

func roleForOrigin(origin string) string {
	switch strings.ToLower(origin) {
	case "scammer", "user", "":
		return domain.RoleUser
	default:
		return domain.RoleAssistant
	}
}

// reportEligible is monotone in turn count and evidence: more turns or more
// intelligence never makes an eligible session ineligible.
func (o *Orchestrator) reportEligible(sess *domain.Session) bool {
	if !sess.ScamDetected {
		return false
	}
	return sess.Intelligence.HasHard() || sess.TurnCount >= o.matureTurns
}

// generateReply runs the primary/fallback chain. It always produces a
// result; when both backends fail the canned reply is served with a
// conservative classification.
func (o *Orchestrator) generateReply(ctx context.Context, cred keypool.Assignment, req generate.Request) *generate.Result {
	result, err := o.primary.Generate(ctx, cred, req)
	if err == nil {
		return result
	}
	slog.Warn("Primary generator failed, trying fallback", "error", err)

	result, err = o.fallback.Generate(ctx, cred, req)
	if err == nil {
		return result
	}
	slog.Error("Both generators failed, serving canned reply", "error", err)

	return &generate.Result{
		Reply:      FallbackReply,
		IsScam:     false,
		AgentNotes: "",
	}
}
