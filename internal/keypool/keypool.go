// Package keypool manages sticky API credential assignment for sessions.
package keypool

import (
	"errors"
	"log/slog"
	"sync"
)

// Provider identifiers for the two generation backends.
const (
	ProviderFastRouter = "fastrouter"
	ProviderOpenAI     = "openai"
)

// ErrNoKeys indicates that every credential pool is empty. Without a
// credential no generation is possible, so callers treat this as fatal.
var ErrNoKeys = errors.New("no API keys available")

// Assignment is a leased credential for one session.
type Assignment struct {
	Key      string
	Provider string
}

// Registry hands out sticky credentials keyed by session ID. A session keeps
// its first assignment for its entire lifetime; assignment is deterministic
// over the pool so concurrent first turns converge on the same key.
type Registry struct {
	mu          sync.Mutex
	assignments map[string]Assignment
	fastKeys    []string
	openaiKeys  []string
}

// NewRegistry creates a registry over the configured key pools.
func NewRegistry(fastKeys, openaiKeys []string) *Registry {
	return &Registry{
		assignments: make(map[string]Assignment),
		fastKeys:    fastKeys,
		openaiKeys:  openaiKeys,
	}
}

// Assign returns the credential for sessionID. Priority order: the in-memory
// assignment, then a previously persisted (provider, key) pair supplied by
// the caller, then a fresh deterministic pick from the primary pool with
// failover to the secondary pool.
func (r *Registry) Assign(sessionID, currentProvider, currentKey string) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.assignments[sessionID]; ok {
		return a, nil
	}

	if currentKey != "" {
		a := Assignment{Key: currentKey, Provider: currentProvider}
		if a.Provider == "" {
			a.Provider = ProviderFastRouter
		}
		r.assignments[sessionID] = a
		return a, nil
	}

	pool := r.fastKeys
	provider := ProviderFastRouter
	if len(pool) == 0 {
		pool = r.openaiKeys
		provider = ProviderOpenAI
	}
	if len(pool) == 0 {
		slog.Error("Credential pools exhausted", "session_id", sessionID)
		return Assignment{}, ErrNoKeys
	}

	a := Assignment{Key: pool[hash(sessionID)%len(pool)], Provider: provider}
	r.assignments[sessionID] = a
	return a, nil
}

// Release drops the in-memory assignment for a session. Best-effort cleanup:
// a later Assign with the persisted pair restores the same credential.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assignments, sessionID)
}

// Active returns the number of live assignments.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assignments)
}

func hash(s string) int {
	sum := 0
	for _, b := range []byte(s) {
		sum += int(b)
	}
	return sum
}
