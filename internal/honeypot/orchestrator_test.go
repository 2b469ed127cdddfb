package honeypot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adjoshi/scamnet/internal/domain"
	"github.com/adjoshi/scamnet/internal/extract"
	"github.com/adjoshi/scamnet/internal/generate"
	"github.com/adjoshi/scamnet/internal/keypool"
)

type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	getErr   error
	putErr   error
	puts     int
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]*domain.Session)}
}

func cloneSession(s *domain.Session) *domain.Session {
	c := *s
	c.History = append([]domain.Message(nil), s.History...)
	c.Intelligence = domain.Intelligence{
		PhoneNumbers:       append([]string(nil), s.Intelligence.PhoneNumbers...),
		BankAccounts:       append([]string(nil), s.Intelligence.BankAccounts...),
		UpiIDs:             append([]string(nil), s.Intelligence.UpiIDs...),
		PhishingLinks:      append([]string(nil), s.Intelligence.PhishingLinks...),
		EmailAddresses:     append([]string(nil), s.Intelligence.EmailAddresses...),
		SuspiciousKeywords: append([]string(nil), s.Intelligence.SuspiciousKeywords...),
	}
	return &c
}

func (r *memRepo) GetSession(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (r *memRepo) UpsertSession(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putErr != nil {
		return r.putErr
	}
	r.puts++
	r.sessions[s.SessionID] = cloneSession(s)
	return nil
}

func (r *memRepo) MarkReportSent(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.ReportSent {
		return false, nil
	}
	s.ReportSent = true
	s.CallbackStatus = domain.CallbackSuccess
	return true, nil
}

func (r *memRepo) MarkReportFailed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && !s.ReportSent {
		s.CallbackStatus = domain.CallbackFailed
	}
	return nil
}

func (r *memRepo) CleanupExpiredSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (r *memRepo) Ping(context.Context) error { return nil }
func (r *memRepo) Close() error               { return nil }

func (r *memRepo) stored(id string) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

type stubGenerator struct {
	generateFunc func(ctx context.Context, cred keypool.Assignment, req generate.Request) (*generate.Result, error)
	calls        int
}

func (g *stubGenerator) Generate(ctx context.Context, cred keypool.Assignment, req generate.Request) (*generate.Result, error) {
	g.calls++
	if g.generateFunc == nil {
		return &generate.Result{Reply: "ok"}, nil
	}
	return g.generateFunc(ctx, cred, req)
}

type recordingScheduler struct {
	mu       sync.Mutex
	sessions []string
}

func (s *recordingScheduler) Schedule(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sessionID)
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func scamVerdict(reply string) *stubGenerator {
	return &stubGenerator{
		generateFunc: func(context.Context, keypool.Assignment, generate.Request) (*generate.Result, error) {
			return &generate.Result{
				Reply:      reply,
				IsScam:     true,
				ScamType:   "upi_fraud",
				AgentNotes: "asked for account details",
				Confidence: 0.9,
			}, nil
		},
	}
}

func newTestOrchestrator(repo *memRepo, primary, fallback *stubGenerator, sched *recordingScheduler) *Orchestrator {
	keys := keypool.NewRegistry([]string{"fr-key-1", "fr-key-2"}, []string{"oa-key-1"})
	return New(repo, keys, primary, fallback, extract.New(), sched, Config{MatureTurns: 3})
}

func TestHandleTurnHappyPath(t *testing.T) {
	repo := newMemRepo()
	primary := scamVerdict("Oh my, which bank did you say beta?")
	sched := &recordingScheduler{}
	orch := newTestOrchestrator(repo, primary, &stubGenerator{}, sched)

	reply, err := orch.HandleTurn(context.Background(), TurnRequest{
		SessionID: "sess-1",
		Text:      "Your account is blocked. Pay to scammer@ybl or call 9876543210 now",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if reply != "Oh my, which bank did you say beta?" {
		t.Errorf("reply = %q", reply)
	}

	sess := repo.stored("sess-1")
	if sess == nil {
		t.Fatal("session not persisted")
	}
	if !sess.ScamDetected || sess.RiskScore != domain.RiskHigh {
		t.Errorf("classification not applied: detected=%v risk=%s", sess.ScamDetected, sess.RiskScore)
	}
	if sess.ScamType != "upi_fraud" {
		t.Errorf("ScamType = %q", sess.ScamType)
	}
	if sess.TurnCount != 1 || sess.TotalMessages != 2 {
		t.Errorf("counters = %d/%d, want 1/2", sess.TurnCount, sess.TotalMessages)
	}
	if len(sess.Intelligence.UpiIDs) != 1 || len(sess.Intelligence.PhoneNumbers) != 1 {
		t.Errorf("intelligence not extracted: %+v", sess.Intelligence)
	}
	if sess.AssignedKey == "" || sess.AssignedProvider != keypool.ProviderFastRouter {
		t.Errorf("credential not assigned: %q/%q", sess.AssignedKey, sess.AssignedProvider)
	}
	// Hard intelligence present, so the report should be armed on turn one.
	if sched.count() != 1 {
		t.Errorf("Schedule called %d times, want 1", sched.count())
	}
}

func TestHandleTurnBacklogHydration(t *testing.T) {
	repo := newMemRepo()
	sched := &recordingScheduler{}
	orch := newTestOrchestrator(repo, scamVerdict("Which lottery is this?"), &stubGenerator{}, sched)

	base := time.Now().Add(-time.Hour)
	_, err := orch.HandleTurn(context.Background(), TurnRequest{
		SessionID: "sess-backlog",
		Text:      "Send the fee to 9812345678",
		Timestamp: time.Now(),
		Backlog: []BacklogMessage{
			{Origin: "scammer", Text: "You won a lottery! Visit http://lucky-win.example", Timestamp: base},
			{Origin: "bot", Text: "A lottery? My account is 9556677889", Timestamp: base.Add(time.Minute)},
			{Origin: "scammer", Text: "Yes, pay processing fee", Timestamp: base.Add(2 * time.Minute)},
		},
	})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	sess := repo.stored("sess-backlog")
	if sess.TurnCount != 4 {
		t.Errorf("TurnCount = %d, want 4 (3 backlog + 1 live)", sess.TurnCount)
	}
	if len(sess.History) != 5 {
		t.Errorf("history length = %d, want 5", len(sess.History))
	}
	if !sess.StartTime.Equal(base) {
		t.Errorf("StartTime = %v, want back-dated to %v", sess.StartTime, base)
	}
	if len(sess.Intelligence.PhishingLinks) != 1 {
		t.Errorf("backlog scammer text not scanned: %+v", sess.Intelligence)
	}
	// The assistant-side backlog entry mentions a phone-shaped number that
	// must not be harvested as our own intelligence.
	if len(sess.Intelligence.PhoneNumbers) != 1 || sess.Intelligence.PhoneNumbers[0] != "9812345678" {
		t.Errorf("assistant backlog text was scanned: %+v", sess.Intelligence.PhoneNumbers)
	}
}

func TestHandleTurnCredentialSticky(t *testing.T) {
	repo := newMemRepo()
	orch := newTestOrchestrator(repo, &stubGenerator{}, &stubGenerator{}, &recordingScheduler{})

	for i := 0; i < 3; i++ {
		if _, err := orch.HandleTurn(context.Background(), TurnRequest{
			SessionID: "sticky",
			Text:      fmt.Sprintf("hello %d", i),
		}); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	sess := repo.stored("sticky")
	first := sess.AssignedKey
	if first == "" {
		t.Fatal("no credential assigned")
	}

	// Restart the registry: the persisted pair must win over a fresh pick.
	orch2 := New(repo, keypool.NewRegistry([]string{"other-key"}, nil),
		&stubGenerator{}, &stubGenerator{}, extract.New(), &recordingScheduler{}, Config{})
	if _, err := orch2.HandleTurn(context.Background(), TurnRequest{SessionID: "sticky", Text: "hi again"}); err != nil {
		t.Fatalf("post-restart turn: %v", err)
	}
	if got := repo.stored("sticky").AssignedKey; got != first {
		t.Errorf("credential changed after restart: %q -> %q", first, got)
	}
}

func TestHandleTurnFallbackGenerator(t *testing.T) {
	repo := newMemRepo()
	primary := &stubGenerator{
		generateFunc: func(context.Context, keypool.Assignment, generate.Request) (*generate.Result, error) {
			return nil, errors.New("502 from upstream")
		},
	}
	fallback := scamVerdict("Tell me more about this offer")
	orch := newTestOrchestrator(repo, primary, fallback, &recordingScheduler{})

	reply, err := orch.HandleTurn(context.Background(), TurnRequest{SessionID: "fb", Text: "urgent KYC update"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if reply != "Tell me more about this offer" {
		t.Errorf("reply = %q", reply)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, fallback.calls)
	}
	if !repo.stored("fb").ScamDetected {
		t.Error("fallback classification not applied")
	}
}

func TestHandleTurnBothGeneratorsFail(t *testing.T) {
	repo := newMemRepo()
	failing := func(context.Context, keypool.Assignment, generate.Request) (*generate.Result, error) {
		return nil, errors.New("unreachable")
	}
	sched := &recordingScheduler{}
	orch := newTestOrchestrator(repo, &stubGenerator{generateFunc: failing}, &stubGenerator{generateFunc: failing}, sched)

	reply, err := orch.HandleTurn(context.Background(), TurnRequest{SessionID: "down", Text: "hello"})
	if err != nil {
		t.Fatalf("generation failure must not surface: %v", err)
	}
	if reply != FallbackReply {
		t.Errorf("reply = %q, want canned fallback", reply)
	}
	sess := repo.stored("down")
	if sess == nil || sess.TurnCount != 1 {
		t.Fatal("turn not persisted despite generation failure")
	}
	if sess.ScamDetected {
		t.Error("canned result must not flip classification")
	}
	if sched.count() != 0 {
		t.Error("no report should be armed")
	}
}

func TestHandleTurnGeneratorSeesIncomingOnce(t *testing.T) {
	repo := newMemRepo()
	var captured generate.Request
	primary := &stubGenerator{
		generateFunc: func(_ context.Context, _ keypool.Assignment, req generate.Request) (*generate.Result, error) {
			captured = req
			return &generate.Result{Reply: "noted"}, nil
		},
	}
	orch := newTestOrchestrator(repo, primary, &stubGenerator{}, &recordingScheduler{})

	if _, err := orch.HandleTurn(context.Background(), TurnRequest{SessionID: "once", Text: "first"}); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.HandleTurn(context.Background(), TurnRequest{SessionID: "once", Text: "second"}); err != nil {
		t.Fatal(err)
	}

	if captured.IncomingText != "second" {
		t.Errorf("IncomingText = %q", captured.IncomingText)
	}
	for _, m := range captured.History {
		if m.Role == domain.RoleUser && m.Content == "second" {
			t.Error("incoming text duplicated into history")
		}
	}
	if len(captured.History) != 2 {
		t.Errorf("history length = %d, want 2 (first turn + reply)", len(captured.History))
	}
}

func TestHandleTurnRepeatedIntelIdempotent(t *testing.T) {
	repo := newMemRepo()
	orch := newTestOrchestrator(repo, scamVerdict("ok"), &stubGenerator{}, &recordingScheduler{})

	text := "Pay to fraud@paytm immediately"
	for i := 0; i < 3; i++ {
		if _, err := orch.HandleTurn(context.Background(), TurnRequest{SessionID: "dup", Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	if got := repo.stored("dup").Intelligence.UpiIDs; len(got) != 1 {
		t.Errorf("UpiIDs = %v, want single entry", got)
	}
}

func TestHandleTurnScheduleOnMaturity(t *testing.T) {
	repo := newMemRepo()
	// Scam verdict but no hard intelligence in any message.
	sched := &recordingScheduler{}
	orch := newTestOrchestrator(repo, scamVerdict("go on"), &stubGenerator{}, sched)

	for i := 0; i < 2; i++ {
		if _, err := orch.HandleTurn(context.Background(), TurnRequest{SessionID: "mature", Text: "you won a prize, trust me"}); err != nil {
			t.Fatal(err)
		}
	}
	if sched.count() != 0 {
		t.Fatalf("scheduled before maturity: %d", sched.count())
	}

	if _, err := orch.HandleTurn(context.Background(), TurnRequest{SessionID: "mature", Text: "just say yes"}); err != nil {
		t.Fatal(err)
	}
	if sched.count() != 1 {
		t.Errorf("Schedule calls = %d, want 1 at turn 3", sched.count())
	}
}

func TestHandleTurnNoScheduleAfterReportSent(t *testing.T) {
	repo := newMemRepo()
	sched := &recordingScheduler{}
	orch := newTestOrchestrator(repo, scamVerdict("ok"), &stubGenerator{}, sched)

	if _, err := orch.HandleTurn(context.Background(), TurnRequest{SessionID: "latched", Text: "call 9876543210"}); err != nil {
		t.Fatal(err)
	}
	if sched.count() != 1 {
		t.Fatalf("Schedule calls = %d, want 1", sched.count())
	}

	if claimed, _ := repo.MarkReportSent(context.Background(), "latched"); !claimed {
		t.Fatal("could not latch report for test setup")
	}

	if _, err := orch.HandleTurn(context.Background(), TurnRequest{SessionID: "latched", Text: "also 9123456780"}); err != nil {
		t.Fatal(err)
	}
	if sched.count() != 1 {
		t.Errorf("Schedule called again after report sent: %d", sched.count())
	}
}

func TestHandleTurnLoadErrorIsFatal(t *testing.T) {
	repo := newMemRepo()
	repo.getErr = errors.New("disk gone")
	orch := newTestOrchestrator(repo, &stubGenerator{}, &stubGenerator{}, &recordingScheduler{})

	_, err := orch.HandleTurn(context.Background(), TurnRequest{SessionID: "x", Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "load session") {
		t.Errorf("err = %v, want load session error", err)
	}
}

func TestHandleTurnNoKeysIsFatal(t *testing.T) {
	repo := newMemRepo()
	orch := New(repo, keypool.NewRegistry(nil, nil), &stubGenerator{}, &stubGenerator{},
		extract.New(), &recordingScheduler{}, Config{})

	_, err := orch.HandleTurn(context.Background(), TurnRequest{SessionID: "nokeys", Text: "hi"})
	if !errors.Is(err, keypool.ErrNoKeys) {
		t.Errorf("err = %v, want ErrNoKeys", err)
	}
}

func TestHandleTurnConcurrentSameSession(t *testing.T) {
	repo := newMemRepo()
	orch := newTestOrchestrator(repo, &stubGenerator{}, &stubGenerator{}, &recordingScheduler{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := orch.HandleTurn(context.Background(), TurnRequest{
				SessionID: "race",
				Text:      fmt.Sprintf("message %d", i),
			}); err != nil {
				t.Errorf("turn %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	sess := repo.stored("race")
	if sess.TurnCount != 8 {
		t.Errorf("TurnCount = %d, want 8", sess.TurnCount)
	}
	if sess.TotalMessages != 16 {
		t.Errorf("TotalMessages = %d, want 16", sess.TotalMessages)
	}
}
