package tws

import (
	"sync"
	"time"

	"github.com/Schmoll86/sumppump-mcp-server/tws/strategy"
)

// StateTTL is how long a working strategy survives between trade_calculate
// and the follow-up call that uses it. Stale state is worse than no state:
// quotes more than a few minutes old should force a recalculation.
const StateTTL = 5 * time.Minute

// WorkingState is the per-session scratchpad the agent builds up across
// calls: the last priced strategy, its analysis, and the open ticket id.
type WorkingState struct {
	Strategy       strategy.Strategy `json:"strategy"`
	Analysis       strategy.Analysis `json:"analysis"`
	ConfirmationID string            `json:"confirmation_id"`
	LastOrderID    string            `json:"last_order_id,omitempty"`
	StoredAt       time.Time         `json:"stored_at"`
}

type stateEntry struct {
	state    *WorkingState
	storedAt time.Time
}

// StateStore holds per-session working state with a TTL. All accessors copy:
// callers never share a pointer with the store.
type StateStore struct {
	mu      sync.RWMutex
	entries map[string]*stateEntry
	now     func() time.Time

	onChange []func(sessionID string)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStateStore creates an empty store.
func NewStateStore() *StateStore {
	return &StateStore{
		entries: make(map[string]*stateEntry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// SetClock overrides the time source, for TTL tests.
func (s *StateStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// OnChange registers a callback fired (outside the lock) after every Set
// and Clear.
func (s *StateStore) OnChange(fn func(sessionID string)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Get returns a copy of the working state, or false when absent or expired.
// Expired entries are evicted on read.
func (s *StateStore) Get(sessionID string) (*WorkingState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return nil, false
	}
	if s.now().Sub(e.storedAt) > StateTTL {
		delete(s.entries, sessionID)
		return nil, false
	}
	cp := *e.state
	return &cp, true
}

// Set stores a copy of the working state for the session.
func (s *StateStore) Set(sessionID string, st *WorkingState) {
	cp := *st

	s.mu.Lock()
	cp.StoredAt = s.now()
	s.entries[sessionID] = &stateEntry{state: &cp, storedAt: cp.StoredAt}
	callbacks := append([]func(string){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(sessionID)
	}
}

// Clear removes the session's state.
func (s *StateStore) Clear(sessionID string) {
	s.mu.Lock()
	_, existed := s.entries[sessionID]
	delete(s.entries, sessionID)
	callbacks := append([]func(string){}, s.onChange...)
	s.mu.Unlock()

	if existed {
		for _, fn := range callbacks {
			fn(sessionID)
		}
	}
}

// Count returns the number of live entries, evicting expired ones.
func (s *StateStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, e := range s.entries {
		if now.Sub(e.storedAt) > StateTTL {
			delete(s.entries, id)
		}
	}
	return len(s.entries)
}

// StartCleanup sweeps expired entries on the interval until Stop.
func (s *StateStore) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Count()
			}
		}
	}()
}

// Stop terminates the cleanup goroutine. Idempotent.
func (s *StateStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
