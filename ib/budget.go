package ib

import (
	"fmt"
	"sync"
)

// DefaultDataLineCeiling is how many concurrent market-data lines we allow
// ourselves out of the gateway's ~100. The margin keeps a couple of lines
// free for out-of-band requests so we never hit the hard gateway limit.
const DefaultDataLineCeiling = 95

// BudgetExceededError is returned when a reservation would push usage past
// the ceiling. It names the numbers so the caller can report them.
type BudgetExceededError struct {
	Requested int
	InUse     int
	Ceiling   int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("market data budget exceeded: requested %d with %d/%d lines in use; release subscriptions or narrow the scan",
		e.Requested, e.InUse, e.Ceiling)
}

// Budget tracks concurrent market-data line usage against a hard ceiling.
// All methods are safe for concurrent use.
type Budget struct {
	mu      sync.Mutex
	inUse   int
	ceiling int
}

// NewBudget creates a tracker with the given ceiling. Non-positive ceilings
// fall back to DefaultDataLineCeiling.
func NewBudget(ceiling int) *Budget {
	if ceiling <= 0 {
		ceiling = DefaultDataLineCeiling
	}
	return &Budget{ceiling: ceiling}
}

// Reserve claims n data lines. Returns *BudgetExceededError when the claim
// would exceed the ceiling; usage is unchanged on failure.
func (b *Budget) Reserve(n int) error {
	if n <= 0 {
		return fmt.Errorf("reserve: n must be positive, got %d", n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inUse+n > b.ceiling {
		return &BudgetExceededError{Requested: n, InUse: b.inUse, Ceiling: b.ceiling}
	}
	b.inUse += n
	return nil
}

// Release returns n data lines to the pool. Releasing more than is in use
// clamps to zero; usage can never go negative.
func (b *Budget) Release(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inUse -= n
	if b.inUse < 0 {
		b.inUse = 0
	}
}

// InUse returns the number of lines currently reserved.
func (b *Budget) InUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// Remaining returns how many lines can still be reserved.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ceiling - b.inUse
}

// Ceiling returns the configured ceiling.
func (b *Budget) Ceiling() int {
	return b.ceiling
}

// With reserves n lines, runs fn, and releases the lines on every exit path
// including panic. fn's error is returned unchanged.
func (b *Budget) With(n int, fn func() error) error {
	if err := b.Reserve(n); err != nil {
		return err
	}
	defer b.Release(n)
	return fn()
}
