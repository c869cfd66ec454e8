package tws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/Schmoll86/sumppump-mcp-server/ib"
	"github.com/Schmoll86/sumppump-mcp-server/ib/paper"
	"github.com/Schmoll86/sumppump-mcp-server/tws/confirm"
	"github.com/Schmoll86/sumppump-mcp-server/tws/safety"
	"github.com/Schmoll86/sumppump-mcp-server/tws/strategy"
	"github.com/Schmoll86/sumppump-mcp-server/tws/verify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func optContract(strike float64) ib.ContractSpec {
	return ib.ContractSpec{Symbol: "SPY", SecType: "OPT", Expiry: "20261218", Strike: strike, Right: "C"}
}

func bullCallSpecs() []strategy.LegSpec {
	return []strategy.LegSpec{
		{Symbol: "SPY", Expiry: "20261218", Strike: 630, Right: strategy.Call, Action: strategy.Buy, Quantity: 1},
		{Symbol: "SPY", Expiry: "20261218", Strike: 635, Right: strategy.Call, Action: strategy.Sell, Quantity: 1},
	}
}

func newManager(t *testing.T) (*Manager, *paper.Gateway) {
	t.Helper()
	gw := paper.New()
	gw.SeedQuote(optContract(630), ib.Quote{Bid: 4.90, Ask: 5.00, Volume: 500, OpenInterest: 1000})
	gw.SeedQuote(optContract(635), ib.Quote{Bid: 3.00, Ask: 3.10, Volume: 500, OpenInterest: 1000})

	m, err := New(Config{
		Host:     "127.0.0.1",
		Port:     7497,
		ClientID: 5,
		Gateway:  gw,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Shutdown)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return m, gw
}

func TestCalculateIssuesTicket(t *testing.T) {
	m, _ := newManager(t)

	ticket, err := m.Calculate(context.Background(), DefaultSessionID, strategy.BullCallSpread, "SPY", bullCallSpecs())
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if ticket.MaxLoss != 200 {
		t.Errorf("max loss = %v, want 200", ticket.MaxLoss)
	}
	if ticket.RiskLevel != "LOW" {
		t.Errorf("risk level = %q, want LOW on a 100k account", ticket.RiskLevel)
	}
	if m.Confirmations().Pending() != 1 {
		t.Errorf("pending = %d, want 1", m.Confirmations().Pending())
	}

	st, ok := m.State().Get(DefaultSessionID)
	if !ok {
		t.Fatal("working state not stored")
	}
	if st.ConfirmationID != ticket.ID {
		t.Errorf("state confirmation id = %q, want %q", st.ConfirmationID, ticket.ID)
	}
	if st.Strategy.NetDebitCredit() != -200 {
		t.Errorf("stored net = %v, want -200", st.Strategy.NetDebitCredit())
	}
}

func TestCalculateRefusesCredit(t *testing.T) {
	m, _ := newManager(t)

	specs := bullCallSpecs()
	specs[0].Action, specs[1].Action = strategy.Sell, strategy.Buy

	_, err := m.Calculate(context.Background(), DefaultSessionID, strategy.BullCallSpread, "SPY", specs)
	var ce *strategy.ComplianceError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want a compliance error", err)
	}
	if ce.Rule != strategy.RuleNetCredit {
		t.Errorf("rule = %q, want %q", ce.Rule, strategy.RuleNetCredit)
	}
	if m.Confirmations().Pending() != 0 {
		t.Error("refused strategy must not leave a pending ticket")
	}
}

func TestCalculateUnknownContract(t *testing.T) {
	m, _ := newManager(t)

	specs := bullCallSpecs()
	specs[1].Strike = 999

	_, err := m.Calculate(context.Background(), DefaultSessionID, strategy.BullCallSpread, "SPY", specs)
	if !errors.Is(err, ib.ErrUnknownContract) {
		t.Fatalf("err = %v, want ErrUnknownContract", err)
	}
}

func TestExecuteHappyPath(t *testing.T) {
	m, gw := newManager(t)
	ctx := context.Background()

	ticket, err := m.Calculate(ctx, DefaultSessionID, strategy.BullCallSpread, "SPY", bullCallSpecs())
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}

	res, prompt, err := m.Execute(ctx, DefaultSessionID, ticket.ID, safety.ConfirmToken)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != verify.Verified {
		t.Fatalf("outcome = %q, want %q (%s)", res.Outcome, verify.Verified, res.Detail)
	}
	if !strings.Contains(prompt, "trade_set_stop_loss") {
		t.Errorf("stop-loss prompt missing: %q", prompt)
	}
	if len(res.Deltas) != 2 {
		t.Errorf("deltas = %+v, want both legs", res.Deltas)
	}

	st, ok := m.State().Get(DefaultSessionID)
	if !ok || st.LastOrderID != res.OrderID {
		t.Errorf("state last order id = %q, want %q", st.LastOrderID, res.OrderID)
	}

	positions, err := gw.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 2 {
		t.Errorf("got %d positions, want 2", len(positions))
	}

	// The ticket is consumed.
	if _, _, err := m.Execute(ctx, DefaultSessionID, ticket.ID, safety.ConfirmToken); !errors.Is(err, confirm.ErrTicketNotFound) {
		t.Errorf("replay err = %v, want ErrTicketNotFound", err)
	}
}

func TestExecuteInvalidTokenKeepsTicket(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	ticket, err := m.Calculate(ctx, DefaultSessionID, strategy.BullCallSpread, "SPY", bullCallSpecs())
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}

	_, _, err = m.Execute(ctx, DefaultSessionID, ticket.ID, "yes")
	if !errors.Is(err, confirm.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	if m.Confirmations().Pending() != 1 {
		t.Error("bad token must not consume the ticket")
	}
}

func TestExecuteUnknownTicket(t *testing.T) {
	m, _ := newManager(t)
	_, _, err := m.Execute(context.Background(), DefaultSessionID, "CONFIRM_20260101_000000_deadbeef", safety.ConfirmToken)
	if !errors.Is(err, confirm.ErrTicketNotFound) {
		t.Errorf("err = %v, want ErrTicketNotFound", err)
	}
}

func TestQuoteStock(t *testing.T) {
	m, gw := newManager(t)
	gw.SeedQuote(ib.ContractSpec{Symbol: "SPY", SecType: "STK"}, ib.Quote{Bid: 629.90, Ask: 630.10, Last: 630})

	q, err := m.Quote(context.Background(), "SPY")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Bid != 629.90 || q.Ask != 630.10 {
		t.Errorf("quote = %+v", q)
	}
}

func TestConditionalOrder(t *testing.T) {
	m, gw := newManager(t)
	ctx := context.Background()

	leg := strategy.LegSpec{Symbol: "SPY", Expiry: "20261218", Strike: 630, Right: strategy.Call, Action: strategy.Buy, Quantity: 1}

	if _, err := m.ConditionalOrder(ctx, leg, 0, ""); err == nil {
		t.Error("expected error for non-positive trigger price")
	}

	gw.HoldFills(true)
	orderID, err := m.ConditionalOrder(ctx, leg, 4.50, "")
	if err != nil {
		t.Fatalf("ConditionalOrder: %v", err)
	}
	st, err := m.OrderStatus(ctx, orderID)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if st.Status != "Submitted" {
		t.Errorf("status = %q, want Submitted while resting", st.Status)
	}
}

func TestStopLoss(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	leg := strategy.LegSpec{Symbol: "SPY", Expiry: "20261218", Strike: 630, Right: strategy.Call, Action: strategy.Sell, Quantity: 1}

	if _, err := m.StopLoss(ctx, leg, -1); err == nil {
		t.Error("expected error for non-positive stop price")
	}
	orderID, err := m.StopLoss(ctx, leg, 2.50)
	if err != nil {
		t.Fatalf("StopLoss: %v", err)
	}
	if orderID == "" {
		t.Error("empty order id")
	}
}

func TestClosePosition(t *testing.T) {
	m, gw := newManager(t)
	ctx := context.Background()

	gw.SeedPosition(ib.Position{Symbol: "SPY", SecType: "OPT", Expiry: "20261218", Strike: 630, Right: "C", Quantity: 2, AvgCost: 495})

	res, err := m.ClosePosition(ctx, ib.Position{Symbol: "SPY", SecType: "OPT", Expiry: "20261218", Strike: 630, Right: "C", Quantity: 2})
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if !res.Success() {
		t.Fatalf("outcome = %q (%s)", res.Outcome, res.Detail)
	}

	positions, err := gw.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("positions after close = %+v, want none", positions)
	}
}

func TestCloseAll(t *testing.T) {
	m, gw := newManager(t)
	ctx := context.Background()

	gw.SeedQuote(ib.ContractSpec{Symbol: "QQQ", SecType: "OPT", Expiry: "20261218", Strike: 500, Right: "P"}, ib.Quote{Bid: 2.00, Ask: 2.10})
	gw.SeedPosition(ib.Position{Symbol: "SPY", SecType: "OPT", Expiry: "20261218", Strike: 630, Right: "C", Quantity: 1})
	gw.SeedPosition(ib.Position{Symbol: "QQQ", SecType: "OPT", Expiry: "20261218", Strike: 500, Right: "P", Quantity: -1})

	results, err := m.CloseAll(ctx)
	if err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, res := range results {
		if !res.Success() {
			t.Errorf("result %d: outcome = %q (%s)", i, res.Outcome, res.Detail)
		}
	}

	positions, err := gw.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("positions after close-all = %+v, want none", positions)
	}
}
