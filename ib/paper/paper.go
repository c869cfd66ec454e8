// Package paper is an in-memory Gateway used for dry runs and tests. Orders
// fill against a seeded quote book and positions update accordingly; nothing
// touches a real brokerage.
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Schmoll86/sumppump-mcp-server/ib"
)

// Gateway simulates an IBKR-style gateway. The zero value is not usable;
// call New.
type Gateway struct {
	mu sync.Mutex

	connected bool
	clientID  int
	claimed   map[int]bool // ids held by "other sessions"
	dataMode  int

	nextConID  int64
	nextTicker int
	quotes     map[string]ib.Quote       // keyed by contract key
	conids     map[int64]ib.ContractSpec // qualified contracts by conid
	subs       map[int]string            // tickerID -> contract key
	orders     map[string]*paperOrder
	positions  map[string]*ib.Position
	account    ib.AccountSummary
	fillDelay  time.Duration
	failPing   bool
	rejectAll  bool
	holdFills  bool
	commission float64
}

type paperOrder struct {
	state  ib.OrderState
	spec   ib.OrderSpec
	placed time.Time
}

// New returns a connected-ready paper gateway with a default account.
func New() *Gateway {
	return &Gateway{
		claimed:    make(map[int]bool),
		nextConID:  1000,
		quotes:     make(map[string]ib.Quote),
		conids:     make(map[int64]ib.ContractSpec),
		subs:       make(map[int]string),
		orders:     make(map[string]*paperOrder),
		positions:  make(map[string]*ib.Position),
		commission: 0.65,
		account: ib.AccountSummary{
			Account:        "PAPER0001",
			NetLiquidation: 100000,
			BuyingPower:    200000,
			AvailableFunds: 100000,
		},
	}
}

func contractKey(spec ib.ContractSpec) string {
	if spec.SecType == "STK" {
		return spec.Symbol
	}
	return fmt.Sprintf("%s|%s|%.2f|%s", spec.Symbol, spec.Expiry, spec.Strike, spec.Right)
}

// SeedQuote installs or replaces the quote for a contract.
func (g *Gateway) SeedQuote(spec ib.ContractSpec, q ib.Quote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q.Symbol = spec.Symbol
	q.Time = time.Now()
	g.quotes[contractKey(spec)] = q
}

// SeedPosition installs a starting position.
func (g *Gateway) SeedPosition(p ib.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[positionKey(p)] = &p
}

// SetAccount replaces the account summary.
func (g *Gateway) SetAccount(a ib.AccountSummary) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.account = a
}

// ClaimClientID marks an id as held by another session, so Connect with that
// id fails with ErrClientIDInUse.
func (g *Gateway) ClaimClientID(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.claimed[id] = true
}

// SetFillDelay delays fills by d after placement; zero fills immediately.
func (g *Gateway) SetFillDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fillDelay = d
}

// HoldFills leaves orders in Submitted until ReleaseFills is called.
func (g *Gateway) HoldFills(hold bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holdFills = hold
}

// FailPing makes subsequent Ping calls fail, simulating a dead peer.
func (g *Gateway) FailPing(fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failPing = fail
}

// RejectOrders makes PlaceOrder reject with Inactive status.
func (g *Gateway) RejectOrders(reject bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectAll = reject
}

// Connect claims the client id. Ids previously claimed via ClaimClientID are
// refused with ib.ErrClientIDInUse.
func (g *Gateway) Connect(ctx context.Context, host string, port int, clientID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claimed[clientID] {
		return fmt.Errorf("client id %d: %w", clientID, ib.ErrClientIDInUse)
	}
	g.connected = true
	g.clientID = clientID
	return nil
}

// Disconnect drops the simulated socket.
func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return nil
}

// IsConnected reports connection state.
func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Ping succeeds while connected unless FailPing is set.
func (g *Gateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ib.ErrNotConnected
	}
	if g.failPing {
		return fmt.Errorf("simulated ping failure")
	}
	return nil
}

// SetMarketDataType records the data mode; delayed mode flags every quote.
func (g *Gateway) SetMarketDataType(mode int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dataMode = mode
	return nil
}

// Qualify resolves a contract to a conid. Contracts without a seeded quote
// are unknown.
func (g *Gateway) Qualify(ctx context.Context, spec ib.ContractSpec) (ib.ContractSpec, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ib.ContractSpec{}, ib.ErrNotConnected
	}
	if _, ok := g.quotes[contractKey(spec)]; !ok {
		return ib.ContractSpec{}, fmt.Errorf("%s: %w", contractKey(spec), ib.ErrUnknownContract)
	}
	if spec.ConID == 0 {
		g.nextConID++
		spec.ConID = g.nextConID
	}
	if spec.Exchange == "" {
		spec.Exchange = "SMART"
	}
	g.conids[spec.ConID] = spec
	return spec, nil
}

// Subscribe opens a simulated data line.
func (g *Gateway) Subscribe(ctx context.Context, spec ib.ContractSpec) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return 0, ib.ErrNotConnected
	}
	g.nextTicker++
	g.subs[g.nextTicker] = contractKey(spec)
	return g.nextTicker, nil
}

// Unsubscribe closes a data line.
func (g *Gateway) Unsubscribe(tickerID int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs, tickerID)
	return nil
}

// Snapshot returns the current quote for a subscribed line.
func (g *Gateway) Snapshot(tickerID int) (ib.Quote, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.subs[tickerID]
	if !ok {
		return ib.Quote{}, false
	}
	q, ok := g.quotes[key]
	if !ok {
		return ib.Quote{}, false
	}
	if g.dataMode == ib.DataModeDelayed {
		q.Delayed = true
	}
	return q, true
}

// PlaceOrder accepts the order and, unless fills are held or delayed,
// fills it at the limit price and applies the position deltas.
func (g *Gateway) PlaceOrder(ctx context.Context, spec ib.OrderSpec) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return "", ib.ErrNotConnected
	}

	orderID := uuid.New().String()[:8]
	po := &paperOrder{
		spec:   spec,
		placed: time.Now(),
		state: ib.OrderState{
			OrderID:   orderID,
			Status:    "Submitted",
			Remaining: spec.Quantity,
		},
	}
	if g.rejectAll {
		po.state.Status = "Inactive"
	}
	g.orders[orderID] = po
	return orderID, nil
}

// CancelOrder cancels a working order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	po, ok := g.orders[orderID]
	if !ok {
		return ib.ErrUnknownOrder
	}
	if po.state.Status == "Submitted" {
		po.state.Status = "Cancelled"
		po.state.Remaining = po.spec.Quantity
	}
	return nil
}

// OrderStatus returns the order's state, maturing Submitted orders into
// fills once the fill delay has elapsed.
func (g *Gateway) OrderStatus(ctx context.Context, orderID string) (ib.OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	po, ok := g.orders[orderID]
	if !ok {
		return ib.OrderState{}, ib.ErrUnknownOrder
	}
	if po.state.Status == "Submitted" && !g.holdFills && time.Since(po.placed) >= g.fillDelay {
		g.fill(po)
	}
	return po.state, nil
}

// fill marks the order filled and applies position deltas. Caller holds mu.
func (g *Gateway) fill(po *paperOrder) {
	po.state.Status = "Filled"
	po.state.Filled = po.spec.Quantity
	po.state.Remaining = 0
	po.state.AvgFillPrice = po.spec.LimitPrice
	po.state.Commission = g.commission * float64(max(len(po.spec.ComboLegs), 1)) * float64(po.spec.Quantity)

	if len(po.spec.ComboLegs) > 0 {
		for _, leg := range po.spec.ComboLegs {
			qty := float64(leg.Ratio * po.spec.Quantity)
			if strings.EqualFold(leg.Action, "SELL") {
				qty = -qty
			}
			base := ib.Position{Symbol: po.spec.Symbol, SecType: "OPT"}
			if c, ok := g.conids[leg.ConID]; ok {
				base = ib.Position{
					Symbol: c.Symbol, SecType: c.SecType,
					Expiry: c.Expiry, Strike: c.Strike, Right: c.Right,
				}
			}
			g.applyDelta(base, qty)
		}
		return
	}

	qty := float64(po.spec.Quantity)
	if strings.EqualFold(po.spec.Action, "SELL") {
		qty = -qty
	}
	c := po.spec.Contract
	g.applyDelta(ib.Position{
		Symbol: po.spec.Symbol, SecType: c.SecType,
		Expiry: c.Expiry, Strike: c.Strike, Right: c.Right,
	}, qty)
}

func (g *Gateway) applyDelta(base ib.Position, qty float64) {
	key := positionKey(base)
	pos, ok := g.positions[key]
	if !ok {
		base.Quantity = qty
		g.positions[key] = &base
		return
	}
	pos.Quantity += qty
	if pos.Quantity == 0 {
		delete(g.positions, key)
	}
}

func positionKey(p ib.Position) string {
	if p.SecType == "STK" {
		return p.Symbol
	}
	return fmt.Sprintf("%s|%s|%.2f|%s", p.Symbol, p.Expiry, p.Strike, p.Right)
}

// Positions returns a copy of all open positions.
func (g *Gateway) Positions(ctx context.Context) ([]ib.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return nil, ib.ErrNotConnected
	}
	out := make([]ib.Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	return out, nil
}

// AccountSummary returns the simulated account values.
func (g *Gateway) AccountSummary(ctx context.Context) (ib.AccountSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ib.AccountSummary{}, ib.ErrNotConnected
	}
	return g.account, nil
}
