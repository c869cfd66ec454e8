// Package confirm issues and validates execution confirmation tickets. A
// ticket freezes the priced strategy and its risk numbers; the user approves
// by returning the exact token before the ticket expires, and a ticket can
// be consumed exactly once.
package confirm

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Schmoll86/sumppump-mcp-server/tws/safety"
	"github.com/Schmoll86/sumppump-mcp-server/tws/strategy"
)

// TicketTTL is how long a confirmation stays valid.
const TicketTTL = 10 * time.Minute

// Sentinel errors for Validate.
var (
	ErrTicketNotFound = errors.New("confirmation not found: it may have been consumed already; run trade_calculate again for a fresh ticket")
	ErrTicketExpired  = errors.New("confirmation expired: prices are stale; run trade_calculate again for a fresh ticket")
	ErrInvalidToken   = errors.New("invalid confirmation token: the user must approve with the exact literal " + safety.ConfirmToken)
)

// Risk tiers by max loss as a fraction of account value.
const (
	riskMediumPct = 2.0
	riskHighPct   = 5.0
)

// Ticket is a pending execution confirmation.
type Ticket struct {
	ID            string            `json:"confirmation_id"`
	Strategy      strategy.Strategy `json:"strategy"`
	Analysis      strategy.Analysis `json:"analysis"`
	MaxLoss       float64           `json:"max_loss"`
	MaxLossPct    float64           `json:"max_loss_pct_of_account"`
	RiskLevel     string            `json:"risk_level"`
	Summary       string            `json:"summary"`
	RequiredToken string            `json:"required_token"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// Manager stores pending tickets. Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Ticket
	now     func() time.Time
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a ticket manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pending: make(map[string]*Ticket),
		now:     time.Now,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// SetClock overrides the time source, for expiry tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Request creates a ticket for a priced, compliant strategy. accountValue
// contextualizes the max loss; zero is tolerated and skips the percentage.
func (m *Manager) Request(s strategy.Strategy, a strategy.Analysis, accountValue float64) *Ticket {
	m.mu.Lock()
	now := m.now()
	m.mu.Unlock()

	maxLoss := a.MaxLoss
	var pct float64
	if accountValue > 0 {
		pct = maxLoss / accountValue * 100
	}

	t := &Ticket{
		ID:            fmt.Sprintf("CONFIRM_%s_%s", now.Format("20060102_150405"), uuid.New().String()[:8]),
		Strategy:      s,
		Analysis:      a,
		MaxLoss:       maxLoss,
		MaxLossPct:    pct,
		RiskLevel:     riskLevel(pct),
		RequiredToken: safety.ConfirmToken,
		CreatedAt:     now,
		ExpiresAt:     now.Add(TicketTTL),
	}
	t.Summary = summarize(t)

	m.mu.Lock()
	m.pending[t.ID] = t
	m.mu.Unlock()

	m.logger.Info("Confirmation requested",
		"confirmation_id", t.ID, "strategy", s.Type, "symbol", s.Symbol,
		"max_loss", maxLoss, "risk_level", t.RiskLevel, "expires_at", t.ExpiresAt)
	return t
}

// Validate consumes the ticket when id is known, unexpired, and the token is
// the exact literal. On success the ticket is removed, so a second Validate
// of the same id fails with ErrTicketNotFound.
func (m *Manager) Validate(id, token string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.pending[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrTicketNotFound)
	}
	if m.now().After(t.ExpiresAt) {
		delete(m.pending, id)
		return nil, fmt.Errorf("%q (expired %s): %w", id, t.ExpiresAt.Format(time.RFC3339), ErrTicketExpired)
	}
	if token != safety.ConfirmToken {
		// Deliberately not consumed: the user can still approve correctly.
		return nil, ErrInvalidToken
	}

	delete(m.pending, id)
	m.logger.Info("Confirmation validated", "confirmation_id", id, "strategy", t.Strategy.Type)
	return t, nil
}

// Pending returns the number of live tickets.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// CleanupExpired evicts expired tickets and returns how many were removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int
	for id, t := range m.pending {
		if now.After(t.ExpiresAt) {
			delete(m.pending, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("Evicted expired confirmations", "count", n)
	}
	return n
}

// StartCleanup runs CleanupExpired on the given interval until Stop.
func (m *Manager) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.CleanupExpired()
			}
		}
	}()
}

// Stop terminates the cleanup goroutine. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func riskLevel(pct float64) string {
	switch {
	case pct > riskHighPct:
		return "HIGH"
	case pct >= riskMediumPct:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// summarize builds the human confirmation text with the max loss stated
// prominently.
func summarize(t *Ticket) string {
	var b strings.Builder
	s := &t.Strategy
	a := &t.Analysis

	fmt.Fprintf(&b, "TRADE CONFIRMATION REQUIRED — %s on %s\n\n", strings.ReplaceAll(string(s.Type), "_", " "), s.Symbol)
	for i, l := range s.Legs {
		c := l.Contract
		fmt.Fprintf(&b, "  leg %d: %s %d x %s %s %.2f %s @ bid %.2f / ask %.2f\n",
			i+1, l.Action, l.Quantity, c.Symbol, c.Expiry, c.Strike, c.Right, c.Bid, c.Ask)
	}
	fmt.Fprintf(&b, "\n  net debit:   $%.2f\n", -a.NetDebitCredit)
	fmt.Fprintf(&b, "  max profit:  %s\n", a.MaxProfitString())

	if t.MaxLossPct > 0 {
		fmt.Fprintf(&b, "\n  *** MAX LOSS: $%.2f (%.1f%% of account) — risk level %s ***\n", t.MaxLoss, t.MaxLossPct, t.RiskLevel)
	} else {
		fmt.Fprintf(&b, "\n  *** MAX LOSS: $%.2f ***\n", t.MaxLoss)
	}
	if len(a.Breakevens) > 0 {
		b.WriteString("  breakeven:   ")
		for i, be := range a.Breakevens {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%.2f", be)
		}
		b.WriteString("\n")
	}
	for _, w := range a.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}

	fmt.Fprintf(&b, "\nTo execute:\n")
	fmt.Fprintf(&b, "  1. Show this summary to the user.\n")
	fmt.Fprintf(&b, "  2. Get their explicit approval.\n")
	fmt.Fprintf(&b, "  3. Call trade_execute with confirmation_id=%q and confirm_token=%q.\n", t.ID, safety.ConfirmToken)
	fmt.Fprintf(&b, "This confirmation expires at %s.\n", t.ExpiresAt.Format(time.RFC3339))
	return b.String()
}

// StopLossSuggestion is one exit suggestion attached to the mandatory
// post-execution prompt.
type StopLossSuggestion struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	TriggerLoss float64 `json:"trigger_loss,omitempty"`
}

// StopLossPrompt builds the mandatory next-action prompt issued after every
// verified execution. The agent must surface it; executions without a
// follow-up protective order are the failure mode this exists to prevent.
func StopLossPrompt(s *strategy.Strategy, a *strategy.Analysis) (string, []StopLossSuggestion) {
	maxLoss := a.MaxLoss
	suggestions := []StopLossSuggestion{
		{
			Name:        "conservative",
			Description: fmt.Sprintf("exit at 50%% of max loss (-$%.2f)", maxLoss*0.50),
			TriggerLoss: round2(maxLoss * 0.50),
		},
		{
			Name:        "moderate",
			Description: fmt.Sprintf("exit at 75%% of max loss (-$%.2f)", maxLoss*0.75),
			TriggerLoss: round2(maxLoss * 0.75),
		},
		{
			Name:        "time_based",
			Description: "exit at 50% of max profit, or 21 days to expiry, whichever comes first",
		},
	}

	var b strings.Builder
	fmt.Fprintf(&b, "POSITION OPENED — a protective exit is now required.\n")
	fmt.Fprintf(&b, "Ask the user which stop-loss to place for the %s on %s (max loss $%.2f):\n",
		strings.ReplaceAll(string(s.Type), "_", " "), s.Symbol, maxLoss)
	for _, sug := range suggestions {
		fmt.Fprintf(&b, "  - %s: %s\n", sug.Name, sug.Description)
	}
	b.WriteString("Then call trade_set_stop_loss with the chosen trigger.\n")
	return b.String(), suggestions
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
