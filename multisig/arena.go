package multisig

import (
	"sync"
	"time"
)

// Arena indexes multi-sig sessions by txId and hands out exclusive leases.
// Sessions are created lazily on first reference; a stale message for a
// swept session simply recreates it, so slow peers never cause errors here.
type Arena struct {
	mu       sync.Mutex
	sessions map[string]*arenaEntry
	now      func() time.Time
}

type arenaEntry struct {
	mu      sync.Mutex
	session *Session
}

// NewArena creates an empty session arena.
func NewArena() *Arena {
	return &Arena{
		sessions: make(map[string]*arenaEntry),
		now:      time.Now,
	}
}

// WithSession runs fn while holding the exclusive lease for txId's session,
// creating the session lazily. The lease is released on every exit path, so
// a failing fn cannot leave a session permanently locked. Sessions for
// different txIds are mutated fully in parallel.
func (a *Arena) WithSession(txID string, requiredSigners int, fn func(*Session) error) error {
	a.mu.Lock()
	entry, ok := a.sessions[txID]
	if !ok {
		entry = &arenaEntry{session: newSession(txID, requiredSigners, a.now())}
		a.sessions[txID] = entry
	}
	a.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.session)
}

// Peek runs fn on the session for txId if one exists, under its lease.
// Returns false when there is no session.
func (a *Arena) Peek(txID string, fn func(*Session) error) (bool, error) {
	a.mu.Lock()
	entry, ok := a.sessions[txID]
	a.mu.Unlock()
	if !ok {
		return false, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return true, fn(entry.session)
}

// Drop removes the session for txId, if any.
func (a *Arena) Drop(txID string) {
	a.mu.Lock()
	delete(a.sessions, txID)
	a.mu.Unlock()
}

// Len returns the number of live sessions.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Sweep discards every session older than timeout, regardless of completion
// state, and returns how many were removed. Lease holders keep a valid
// pointer to a swept session; their mutations are simply lost, which is the
// intended "re-initiate from scratch" semantics.
func (a *Arena) Sweep(timeout time.Duration) int {
	deadline := a.now().Add(-timeout)

	a.mu.Lock()
	defer a.mu.Unlock()
	var removed int
	for txID, entry := range a.sessions {
		if !entry.session.CreateTime.After(deadline) {
			delete(a.sessions, txID)
			removed++
		}
	}
	return removed
}
