package report

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adjoshi/scamnet/internal/store"
)

const fireTimeout = 30 * time.Second

// Scheduler debounces report delivery per session. Schedule arms (or
// re-arms) a delay timer; the report fires only after a full quiet period
// with no further qualifying turns. On fire the session is reloaded fresh so
// the report carries the latest accumulated evidence, not a snapshot from
// schedule time.
type Scheduler struct {
	repo  store.Repository
	sink  Sink
	delay time.Duration

	// OnDelivered, when set, runs after a successful delivery claims the
	// report latch. Used for best-effort credential release.
	OnDelivered func(sessionID string)

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inFlight map[string]struct{}
}

// NewScheduler creates a scheduler with the given quiet period.
func NewScheduler(repo store.Repository, sink Sink, delay time.Duration) *Scheduler {
	return &Scheduler{
		repo:     repo,
		sink:     sink,
		delay:    delay,
		timers:   make(map[string]*time.Timer),
		inFlight: make(map[string]struct{}),
	}
}

// Schedule arms the delivery timer for a session, resetting it if one is
// already pending. Safe for concurrent use across sessions; resetting one
// session's timer never touches another's.
func (s *Scheduler) Schedule(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[sessionID]; ok {
		t.Reset(s.delay)
		slog.Info("Report timer reset", "session_id", sessionID, "delay", s.delay)
		return
	}

	s.timers[sessionID] = time.AfterFunc(s.delay, func() {
		s.fire(sessionID)
	})
	slog.Info("Report scheduled", "session_id", sessionID, "delay", s.delay)
}

// Armed reports whether a timer is pending for the session.
func (s *Scheduler) Armed(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[sessionID]
	return ok
}

// Stop cancels every pending timer. Reports not yet fired are abandoned;
// a qualifying turn after restart re-arms them naturally.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) fire(sessionID string) {
	s.mu.Lock()
	delete(s.timers, sessionID)
	if _, busy := s.inFlight[sessionID]; busy {
		// A re-armed timer fired while a delivery is still running. The
		// running delivery reports the latest loaded state; dropping this
		// fire keeps Delivered absorbing.
		s.mu.Unlock()
		return
	}
	s.inFlight[sessionID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, sessionID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("Report fire failed to load session", "session_id", sessionID, "error", err)
		return
	}
	if sess == nil {
		slog.Error("Session not found during report fire", "session_id", sessionID)
		return
	}
	if !sess.ScamDetected {
		slog.Info("Skipping report, no scam detected", "session_id", sessionID)
		return
	}
	if sess.ReportSent {
		slog.Info("Skipping report, already delivered", "session_id", sessionID)
		return
	}

	payload := BuildPayload(sess)
	if err := s.sink.Deliver(ctx, payload); err != nil {
		slog.Warn("Report delivery failed, next qualifying turn will retry",
			"session_id", sessionID, "error", err)
		if err := s.repo.MarkReportFailed(ctx, sessionID); err != nil {
			slog.Error("Failed to record delivery failure", "session_id", sessionID, "error", err)
		}
		return
	}

	claimed, err := s.repo.MarkReportSent(ctx, sessionID)
	if err != nil {
		slog.Error("Failed to latch report_sent after delivery", "session_id", sessionID, "error", err)
		return
	}
	if !claimed {
		slog.Warn("Report latch already claimed by concurrent delivery", "session_id", sessionID)
		return
	}

	slog.Info("Report delivered",
		"session_id", sessionID,
		"report_id", payload.ReportID,
		"intel_items", sess.Intelligence.Total())

	if s.OnDelivered != nil {
		s.OnDelivered(sessionID)
	}
}
