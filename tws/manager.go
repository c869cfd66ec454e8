// Package tws wires the trading subsystems into a single Manager the MCP
// tool layer talks to: gateway session, leg pricing, compliance, the
// confirmation workflow, order building, and execution verification.
package tws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Schmoll86/sumppump-mcp-server/app/metrics"
	"github.com/Schmoll86/sumppump-mcp-server/ib"
	"github.com/Schmoll86/sumppump-mcp-server/tws/confirm"
	"github.com/Schmoll86/sumppump-mcp-server/tws/orders"
	"github.com/Schmoll86/sumppump-mcp-server/tws/strategy"
	"github.com/Schmoll86/sumppump-mcp-server/tws/verify"
)

// DefaultSessionID keys working state when the transport provides no MCP
// session id (stdio mode).
const DefaultSessionID = "default"

// cleanupInterval drives the ticket and state sweeps.
const cleanupInterval = time.Minute

// Config holds everything the Manager needs.
type Config struct {
	Host       string
	Port       int
	ClientID   int
	Account    string
	UseDelayed bool
	DataLines  int

	// PriceFraction and TIF tune the order builder; zero values take the
	// builder defaults (midpoint, GTC).
	PriceFraction float64
	TIF           string

	Gateway ib.Gateway
	Logger  *slog.Logger
	Metrics *metrics.Manager
}

// Manager owns the subsystems and their lifecycles.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Manager

	session  *ib.Session
	pricer   *ib.Pricer
	builder  *orders.Builder
	confirms *confirm.Manager
	verifier *verify.Verifier
	state    *StateStore
}

// New validates the config, builds the subsystems, and starts the
// background sweeps. The gateway is not dialed yet; Connect does that.
func New(cfg Config) (*Manager, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("tws: Config.Gateway is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	session, err := ib.NewSession(ib.SessionConfig{
		Host:       cfg.Host,
		Port:       cfg.Port,
		ClientID:   cfg.ClientID,
		UseDelayed: cfg.UseDelayed,
		DataLines:  cfg.DataLines,
		Gateway:    cfg.Gateway,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	builder, err := orders.New(orders.Config{
		Gateway:       cfg.Gateway,
		Logger:        cfg.Logger,
		PriceFraction: cfg.PriceFraction,
		TIF:           cfg.TIF,
	})
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		session:  session,
		pricer:   ib.NewPricer(session, cfg.Logger),
		builder:  builder,
		confirms: confirm.New(cfg.Logger),
		verifier: verify.New(cfg.Gateway, cfg.Logger),
		state:    NewStateStore(),
	}

	m.confirms.StartCleanup(cleanupInterval)
	m.state.StartCleanup(cleanupInterval)
	return m, nil
}

// Session exposes the gateway session.
func (m *Manager) Session() *ib.Session { return m.session }

// Metrics exposes the instrumentation manager; may be nil, which is safe to
// call through.
func (m *Manager) Metrics() *metrics.Manager { return m.metrics }

// Confirmations exposes the ticket manager.
func (m *Manager) Confirmations() *confirm.Manager { return m.confirms }

// State exposes the per-session working state store.
func (m *Manager) State() *StateStore { return m.state }

// Connect dials the gateway and starts the heartbeat monitor.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.session.Connect(ctx); err != nil {
		return err
	}
	m.session.StartMonitor(ctx)
	m.metrics.SetSessionState(m.session.State().String())
	return nil
}

// EnsureConnected reconnects if needed; every tool that touches the gateway
// goes through here first.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	err := m.session.EnsureConnected(ctx)
	m.metrics.SetSessionState(m.session.State().String())
	m.metrics.SetDataLines(m.session.Budget().InUse())
	return err
}

// Shutdown stops sweeps and the monitor and disconnects the gateway.
// Cascades in dependency order; safe to call once at process exit.
func (m *Manager) Shutdown() {
	m.confirms.Stop()
	m.state.Stop()
	m.session.Shutdown()
	m.logger.Info("Trading manager shut down")
}

// Quote prices a stock contract.
func (m *Manager) Quote(ctx context.Context, symbol string) (ib.Quote, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return ib.Quote{}, err
	}
	_, q, err := m.pricer.PriceLeg(ctx, ib.ContractSpec{
		Symbol:   symbol,
		SecType:  "STK",
		Exchange: "SMART",
	})
	return q, err
}

// Positions returns current account positions.
func (m *Manager) Positions(ctx context.Context) ([]ib.Position, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	return m.cfg.Gateway.Positions(ctx)
}

// Account returns the account summary.
func (m *Manager) Account(ctx context.Context) (ib.AccountSummary, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return ib.AccountSummary{}, err
	}
	return m.cfg.Gateway.AccountSummary(ctx)
}

// PriceStrategy prices the leg specs and assembles a typed Strategy.
func (m *Manager) PriceStrategy(ctx context.Context, typ strategy.Type, symbol string, specs []strategy.LegSpec) (*strategy.Strategy, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	contracts := make([]ib.ContractSpec, len(specs))
	for i, ls := range specs {
		contracts[i] = ib.ContractSpec{
			Symbol:   ls.Symbol,
			SecType:  "OPT",
			Expiry:   ls.Expiry,
			Strike:   ls.Strike,
			Right:    string(ls.Right),
			Exchange: "SMART",
		}
	}
	qualified, quotes, err := m.pricer.PriceLegs(ctx, contracts)
	if err != nil {
		return nil, err
	}

	s := &strategy.Strategy{Type: typ, Symbol: symbol}
	for i, ls := range specs {
		s.Legs = append(s.Legs, strategy.Leg{
			Action:   ls.Action,
			Quantity: ls.Quantity,
			Contract: strategy.Contract{
				Symbol:       ls.Symbol,
				Expiry:       ls.Expiry,
				Strike:       ls.Strike,
				Right:        ls.Right,
				Bid:          quotes[i].Bid,
				Ask:          quotes[i].Ask,
				Last:         quotes[i].Last,
				Volume:       quotes[i].Volume,
				OpenInterest: quotes[i].OpenInterest,
				Delayed:      quotes[i].Delayed,
				ConID:        qualified[i].ConID,
				Greeks: strategy.Greeks{
					Delta: quotes[i].Delta,
					Gamma: quotes[i].Gamma,
					Theta: quotes[i].Theta,
					Vega:  quotes[i].Vega,
					IV:    quotes[i].IV,
				},
			},
		})
	}
	return s, nil
}

// Calculate runs the full pre-trade pipeline: price, comply, analyze, and
// issue a confirmation ticket. The priced strategy is parked in the session
// state so trade_execute can pick it up by ticket id.
func (m *Manager) Calculate(ctx context.Context, sessionID string, typ strategy.Type, symbol string, specs []strategy.LegSpec) (*confirm.Ticket, error) {
	s, err := m.PriceStrategy(ctx, typ, symbol, specs)
	if err != nil {
		return nil, err
	}
	if err := strategy.Validate(s); err != nil {
		return nil, err
	}
	a := strategy.Analyze(s)

	var accountValue float64
	if acct, aerr := m.cfg.Gateway.AccountSummary(ctx); aerr == nil {
		accountValue = acct.NetLiquidation
	} else {
		m.logger.Warn("Account summary unavailable; ticket omits percent-of-account", "error", aerr)
	}

	ticket := m.confirms.Request(*s, a, accountValue)
	m.metrics.Confirmation("issued")

	m.state.Set(sessionID, &WorkingState{
		Strategy:       *s,
		Analysis:       a,
		ConfirmationID: ticket.ID,
	})
	return ticket, nil
}

// Execute consumes a validated ticket and runs the place-and-verify loop.
// On success the mandatory stop-loss prompt is returned with the result.
func (m *Manager) Execute(ctx context.Context, sessionID, confirmationID, token string) (verify.Result, string, error) {
	ticket, err := m.confirms.Validate(confirmationID, token)
	if err != nil {
		switch {
		case errors.Is(err, confirm.ErrTicketExpired):
			m.metrics.Confirmation("expired")
		case errors.Is(err, confirm.ErrInvalidToken):
			m.metrics.Confirmation("rejected")
		}
		return verify.Result{}, "", err
	}
	m.metrics.Confirmation("validated")

	if err := m.EnsureConnected(ctx); err != nil {
		return verify.Result{}, "", err
	}

	s := ticket.Strategy
	spec, err := m.builder.Build(ctx, &s)
	if err != nil {
		return verify.Result{}, "", err
	}

	opts := verify.Options{Timeout: verify.DefaultTimeout}
	if len(spec.ComboLegs) > 1 {
		opts.Timeout = verify.ComboTimeout
	}

	res, err := m.verifier.ExecuteVerified(ctx, s.Symbol, func(ctx context.Context) (string, error) {
		id, perr := m.builder.Submit(ctx, spec)
		if perr == nil {
			m.metrics.OrderPlaced(string(s.Type))
		}
		return id, perr
	}, opts)
	if err != nil {
		return verify.Result{}, "", err
	}
	m.metrics.Verification(string(res.Outcome))

	if st, ok := m.state.Get(sessionID); ok {
		st.LastOrderID = res.OrderID
		m.state.Set(sessionID, st)
	}

	if !res.Success() {
		return res, "", nil
	}
	prompt, _ := confirm.StopLossPrompt(&s, &ticket.Analysis)
	return res, prompt, nil
}

// OrderStatus reports the gateway's view of an order.
func (m *Manager) OrderStatus(ctx context.Context, orderID string) (ib.OrderState, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return ib.OrderState{}, err
	}
	return m.cfg.Gateway.OrderStatus(ctx, orderID)
}

// ConditionalOrder places a future-contingent limit order for a single
// contract. The trigger makes it safe without a confirmation token: nothing
// executes until the market reaches the price the user named.
func (m *Manager) ConditionalOrder(ctx context.Context, leg strategy.LegSpec, triggerPrice float64, tif string) (string, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return "", err
	}
	if triggerPrice <= 0 {
		return "", fmt.Errorf("trigger_price must be positive, got %v", triggerPrice)
	}
	if tif == "" {
		tif = "GTC"
	}

	qualified, err := m.cfg.Gateway.Qualify(ctx, ib.ContractSpec{
		Symbol:   leg.Symbol,
		SecType:  "OPT",
		Expiry:   leg.Expiry,
		Strike:   leg.Strike,
		Right:    string(leg.Right),
		Exchange: "SMART",
	})
	if err != nil {
		return "", err
	}

	return m.cfg.Gateway.PlaceOrder(ctx, ib.OrderSpec{
		Contract:   &qualified,
		Symbol:     leg.Symbol,
		Action:     string(leg.Action),
		Quantity:   leg.Quantity,
		OrderType:  "LMT",
		LimitPrice: triggerPrice,
		TIF:        tif,
	})
}

// StopLoss places a protective stop order against an existing position.
func (m *Manager) StopLoss(ctx context.Context, leg strategy.LegSpec, stopPrice float64) (string, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return "", err
	}
	if stopPrice <= 0 {
		return "", fmt.Errorf("stop price must be positive, got %v", stopPrice)
	}

	qualified, err := m.cfg.Gateway.Qualify(ctx, ib.ContractSpec{
		Symbol:   leg.Symbol,
		SecType:  "OPT",
		Expiry:   leg.Expiry,
		Strike:   leg.Strike,
		Right:    string(leg.Right),
		Exchange: "SMART",
	})
	if err != nil {
		return "", err
	}

	return m.cfg.Gateway.PlaceOrder(ctx, ib.OrderSpec{
		Contract:   &qualified,
		Symbol:     leg.Symbol,
		Action:     string(leg.Action),
		Quantity:   leg.Quantity,
		OrderType:  "STP",
		LimitPrice: stopPrice,
		TIF:        "GTC",
	})
}

// ClosePosition closes one option position with a verified limit order at
// the current market. The safety gate has already demanded the token by the
// time this runs.
func (m *Manager) ClosePosition(ctx context.Context, pos ib.Position) (verify.Result, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return verify.Result{}, err
	}

	spec := ib.ContractSpec{
		Symbol:   pos.Symbol,
		SecType:  pos.SecType,
		Expiry:   pos.Expiry,
		Strike:   pos.Strike,
		Right:    pos.Right,
		Exchange: "SMART",
	}
	qualified, quote, err := m.pricer.PriceLeg(ctx, spec)
	if err != nil {
		return verify.Result{}, fmt.Errorf("pricing close for %s: %w", pos.Symbol, err)
	}

	action := "SELL"
	qty := int(pos.Quantity)
	limit := quote.Bid
	if pos.Quantity < 0 {
		action = "BUY"
		qty = int(-pos.Quantity)
		limit = quote.Ask
	}

	order := ib.OrderSpec{
		Contract:   &qualified,
		Symbol:     pos.Symbol,
		Action:     action,
		Quantity:   qty,
		OrderType:  "LMT",
		LimitPrice: limit,
		TIF:        "DAY",
	}

	res, err := m.verifier.ExecuteVerified(ctx, pos.Symbol, func(ctx context.Context) (string, error) {
		return m.builder.Submit(ctx, order)
	}, verify.Options{})
	if err == nil {
		m.metrics.Verification(string(res.Outcome))
	}
	return res, err
}

// CloseAll closes every open position, one verified order at a time.
// Failures don't stop the sweep; each position's outcome is reported.
func (m *Manager) CloseAll(ctx context.Context) ([]verify.Result, error) {
	positions, err := m.Positions(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]verify.Result, 0, len(positions))
	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}
		res, cerr := m.ClosePosition(ctx, pos)
		if cerr != nil {
			m.logger.Error("Close failed", "symbol", pos.Symbol, "error", cerr)
			res = verify.Result{Outcome: verify.Failed, Detail: cerr.Error()}
		}
		results = append(results, res)
	}
	return results, nil
}
