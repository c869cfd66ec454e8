package tws

import (
	"testing"
	"time"

	"github.com/Schmoll86/sumppump-mcp-server/tws/strategy"
)

func TestStateStoreSetGet(t *testing.T) {
	s := NewStateStore()
	s.Set("default", &WorkingState{ConfirmationID: "CONFIRM_A"})

	got, ok := s.Get("default")
	if !ok {
		t.Fatal("state missing")
	}
	if got.ConfirmationID != "CONFIRM_A" {
		t.Errorf("confirmation id = %q", got.ConfirmationID)
	}
	if got.StoredAt.IsZero() {
		t.Error("StoredAt not stamped")
	}
	if _, ok := s.Get("other"); ok {
		t.Error("unknown session returned state")
	}
}

func TestStateStoreCopies(t *testing.T) {
	s := NewStateStore()
	in := &WorkingState{Strategy: strategy.Strategy{Symbol: "SPY"}}
	s.Set("default", in)

	// Mutating either side must not leak into the store.
	in.Strategy.Symbol = "QQQ"
	first, _ := s.Get("default")
	first.Strategy.Symbol = "IWM"

	second, _ := s.Get("default")
	if second.Strategy.Symbol != "SPY" {
		t.Errorf("stored symbol = %q, want SPY", second.Strategy.Symbol)
	}
}

func TestStateStoreTTL(t *testing.T) {
	s := NewStateStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.Set("default", &WorkingState{ConfirmationID: "CONFIRM_A"})

	now = now.Add(StateTTL)
	if _, ok := s.Get("default"); !ok {
		t.Error("state evicted at exactly the TTL")
	}

	now = now.Add(time.Second)
	if _, ok := s.Get("default"); ok {
		t.Error("expired state returned")
	}
	if s.Count() != 0 {
		t.Errorf("count = %d after expiry", s.Count())
	}
}

func TestStateStoreCountEvictsExpired(t *testing.T) {
	s := NewStateStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	s.Set("old", &WorkingState{})
	now = now.Add(StateTTL / 2)
	s.Set("fresh", &WorkingState{})

	now = now.Add(StateTTL/2 + time.Second)
	if got := s.Count(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
}

func TestStateStoreClear(t *testing.T) {
	s := NewStateStore()
	s.Set("default", &WorkingState{})
	s.Clear("default")
	if _, ok := s.Get("default"); ok {
		t.Error("cleared state returned")
	}
}

func TestStateStoreOnChange(t *testing.T) {
	s := NewStateStore()
	var events []string
	s.OnChange(func(sessionID string) { events = append(events, sessionID) })

	s.Set("a", &WorkingState{})
	s.Clear("a")
	s.Clear("a") // absent: no callback

	if len(events) != 2 || events[0] != "a" || events[1] != "a" {
		t.Errorf("events = %v, want [a a]", events)
	}
}
