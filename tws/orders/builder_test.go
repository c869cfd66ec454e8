package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/Schmoll86/sumppump-mcp-server/ib"
	"github.com/Schmoll86/sumppump-mcp-server/ib/paper"
	"github.com/Schmoll86/sumppump-mcp-server/tws/strategy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func optLeg(action strategy.Action, strike, bid, ask float64, qty int) strategy.Leg {
	return strategy.Leg{
		Action:   action,
		Quantity: qty,
		Contract: strategy.Contract{
			Symbol: "SPY", Expiry: "20261218", Strike: strike, Right: strategy.Call,
			Bid: bid, Ask: ask,
		},
	}
}

func seededGateway(t *testing.T, legs []strategy.Leg) *paper.Gateway {
	t.Helper()
	gw := paper.New()
	if err := gw.Connect(context.Background(), "127.0.0.1", 7497, 5); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, l := range legs {
		gw.SeedQuote(ib.ContractSpec{
			Symbol:  l.Contract.Symbol,
			SecType: "OPT",
			Expiry:  l.Contract.Expiry,
			Strike:  l.Contract.Strike,
			Right:   string(l.Contract.Right),
		}, ib.Quote{Bid: l.Contract.Bid, Ask: l.Contract.Ask})
	}
	return gw
}

func newBuilder(t *testing.T, gw ib.Gateway) *Builder {
	t.Helper()
	b, err := New(Config{Gateway: gw, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNewConfigValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing gateway")
	}
	if _, err := New(Config{Gateway: paper.New(), PriceFraction: 1.5}); err == nil {
		t.Error("expected error for fraction out of range")
	}
	if _, err := New(Config{Gateway: paper.New(), TIF: "IOC"}); err == nil {
		t.Error("expected error for unsupported TIF")
	}
	b, err := New(Config{Gateway: paper.New()})
	if err != nil {
		t.Fatalf("New with defaults: %v", err)
	}
	if b.fraction != DefaultPriceFraction || b.tif != "GTC" {
		t.Errorf("defaults: fraction=%v tif=%q", b.fraction, b.tif)
	}
}

func TestBuildRejectsNakedSell(t *testing.T) {
	s := &strategy.Strategy{
		Type:   strategy.LongCall,
		Symbol: "SPY",
		Legs:   []strategy.Leg{optLeg(strategy.Sell, 630, 4.90, 5.00, 1)},
	}
	b := newBuilder(t, seededGateway(t, s.Legs))
	if _, err := b.Build(context.Background(), s); !errors.Is(err, ErrNakedSell) {
		t.Errorf("err = %v, want ErrNakedSell", err)
	}
}

func TestBuildSingleLeg(t *testing.T) {
	s := &strategy.Strategy{
		Type:   strategy.LongCall,
		Symbol: "SPY",
		Legs:   []strategy.Leg{optLeg(strategy.Buy, 630, 4.90, 5.00, 2)},
	}
	b := newBuilder(t, seededGateway(t, s.Legs))

	spec, err := b.Build(context.Background(), s)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if spec.Contract == nil || spec.Contract.ConID == 0 {
		t.Fatal("single-leg order must carry a qualified contract")
	}
	if spec.Action != "BUY" || spec.Quantity != 2 || spec.OrderType != "LMT" || spec.TIF != "GTC" {
		t.Errorf("spec = %+v", spec)
	}
	// Midpoint of 4.90/5.00.
	if spec.LimitPrice != 4.95 {
		t.Errorf("limit = %v, want 4.95", spec.LimitPrice)
	}
	if len(spec.ComboLegs) != 0 {
		t.Errorf("single-leg order must not carry combo legs")
	}
}

func TestBuildComboSpread(t *testing.T) {
	s := &strategy.Strategy{
		Type:   strategy.BullCallSpread,
		Symbol: "SPY",
		Legs: []strategy.Leg{
			optLeg(strategy.Buy, 630, 4.90, 5.00, 2),
			optLeg(strategy.Sell, 635, 3.00, 3.10, 2),
		},
	}
	b := newBuilder(t, seededGateway(t, s.Legs))

	spec, err := b.Build(context.Background(), s)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if spec.Contract != nil {
		t.Error("combo order must not carry a single contract")
	}
	if spec.Action != "BUY" || spec.Quantity != 2 {
		t.Errorf("action=%q quantity=%d", spec.Action, spec.Quantity)
	}
	if len(spec.ComboLegs) != 2 {
		t.Fatalf("got %d combo legs, want 2", len(spec.ComboLegs))
	}
	for i, want := range []string{"BUY", "SELL"} {
		cl := spec.ComboLegs[i]
		if cl.Action != want || cl.Ratio != 1 || cl.ConID == 0 {
			t.Errorf("combo leg %d = %+v, want action %s ratio 1", i+1, cl, want)
		}
	}
	// Natural debit is 5.00-3.00=2.00, passive is 4.90-3.10=1.80; the
	// midpoint fraction lands at 1.90.
	if spec.LimitPrice != 1.90 {
		t.Errorf("limit = %v, want 1.90", spec.LimitPrice)
	}
}

func TestBuildLimitPriceFraction(t *testing.T) {
	s := &strategy.Strategy{
		Type:   strategy.LongCall,
		Symbol: "SPY",
		Legs:   []strategy.Leg{optLeg(strategy.Buy, 630, 4.00, 5.00, 1)},
	}
	gw := seededGateway(t, s.Legs)

	b, err := New(Config{Gateway: gw, Logger: testLogger(), PriceFraction: 0.75})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	spec, err := b.Build(context.Background(), s)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if spec.LimitPrice != 4.75 {
		t.Errorf("limit = %v, want 4.75", spec.LimitPrice)
	}
}

func TestBuildAbortsOnQualifyFailure(t *testing.T) {
	s := &strategy.Strategy{
		Type:   strategy.BullCallSpread,
		Symbol: "SPY",
		Legs: []strategy.Leg{
			optLeg(strategy.Buy, 630, 4.90, 5.00, 1),
			optLeg(strategy.Sell, 635, 3.00, 3.10, 1),
		},
	}
	// Only the first leg's contract exists.
	gw := seededGateway(t, s.Legs[:1])
	b := newBuilder(t, gw)

	_, err := b.Build(context.Background(), s)
	if !errors.Is(err, ib.ErrUnknownContract) {
		t.Fatalf("err = %v, want ErrUnknownContract", err)
	}
	if !strings.Contains(err.Error(), "leg 2") {
		t.Errorf("error should name the failing leg: %v", err)
	}
}

func TestSubmit(t *testing.T) {
	s := &strategy.Strategy{
		Type:   strategy.LongCall,
		Symbol: "SPY",
		Legs:   []strategy.Leg{optLeg(strategy.Buy, 630, 4.90, 5.00, 1)},
	}
	gw := seededGateway(t, s.Legs)
	b := newBuilder(t, gw)

	spec, err := b.Build(context.Background(), s)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	orderID, err := b.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if orderID == "" {
		t.Fatal("empty order id")
	}
	state, err := gw.OrderStatus(context.Background(), orderID)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if state.Status != "Filled" {
		t.Errorf("status = %q, want Filled", state.Status)
	}
}

func TestEstimateMargin(t *testing.T) {
	a := &strategy.Analysis{MaxLoss: 200}
	if got := EstimateMargin(a); got != 210 {
		t.Errorf("margin = %v, want 210", got)
	}
}
