// Package connstate holds the process-wide backend reachability state.
// A single State instance is created by the orchestrating component and
// injected into the channel client and the connectivity probe, which are
// its only writers.
package connstate

import (
	"sync"
	"time"
)

// Snapshot is an immutable copy of the connection state, also the shape
// persisted for warm resume after a process restart.
type Snapshot struct {
	IsOnline            bool      `json:"is_online"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// State tracks whether the backend is reachable. Persistence is
// opportunistic: the persist hook is invoked on every transition and must
// never block for long.
type State struct {
	mu      sync.Mutex
	snap    Snapshot
	persist func(Snapshot)

	now func() time.Time
}

// New creates a State. persist may be nil.
func New(persist func(Snapshot)) *State {
	return &State{persist: persist, now: time.Now}
}

// MarkOnline records a successful contact with the backend.
func (s *State) MarkOnline() {
	s.mu.Lock()
	s.snap.IsOnline = true
	s.snap.LastCheckedAt = s.now()
	s.snap.ConsecutiveFailures = 0
	snap := s.snap
	persist := s.persist
	s.mu.Unlock()

	if persist != nil {
		persist(snap)
	}
}

// MarkOffline records a failed contact with the backend.
func (s *State) MarkOffline() {
	s.mu.Lock()
	s.snap.IsOnline = false
	s.snap.LastCheckedAt = s.now()
	s.snap.ConsecutiveFailures++
	snap := s.snap
	persist := s.persist
	s.mu.Unlock()

	if persist != nil {
		persist(snap)
	}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Restore rehydrates state persisted by a previous process. A snapshot
// older than freshness keeps only the online flag and zeroes the check
// time, so the next probe runs immediately instead of trusting stale data.
func (s *State) Restore(snap Snapshot, freshness time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	if freshness > 0 && s.now().Sub(snap.LastCheckedAt) > freshness {
		s.snap.LastCheckedAt = time.Time{}
	}
}

// CheckDue reports whether the last check is older than interval, meaning
// a fresh probe is warranted.
func (s *State) CheckDue(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.snap.LastCheckedAt) > interval
}
