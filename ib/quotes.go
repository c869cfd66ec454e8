package ib

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	// snapshotWait bounds how long a single leg waits for a complete
	// two-sided quote before giving up on the line.
	snapshotWait = 3 * time.Second
	snapshotPoll = 100 * time.Millisecond

	// gatewayRequestRate paces subscribe/qualify traffic below the
	// gateway's ~45 req/s message limit.
	gatewayRequestRate  = 40
	gatewayRequestBurst = 10
)

// Pricer fetches priced contract snapshots through the session, one budget
// line per in-flight leg. Legs of a strategy are priced sequentially so a
// partial failure can release everything it reserved.
type Pricer struct {
	session *Session
	gateway Gateway
	logger  *slog.Logger
	limiter *rate.Limiter
	poll    time.Duration
	wait    time.Duration
}

// NewPricer creates a Pricer bound to a session.
func NewPricer(session *Session, logger *slog.Logger) *Pricer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pricer{
		session: session,
		gateway: session.gateway,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(gatewayRequestRate), gatewayRequestBurst),
		poll:    snapshotPoll,
		wait:    snapshotWait,
	}
}

// PriceLeg qualifies the contract, opens one market-data line, waits for a
// usable snapshot, and closes the line. The budget line is held only for the
// duration of the call.
func (p *Pricer) PriceLeg(ctx context.Context, spec ContractSpec) (ContractSpec, Quote, error) {
	var (
		qualified ContractSpec
		quote     Quote
	)
	err := p.session.Budget().With(1, func() error {
		var err error
		qualified, quote, err = p.fetch(ctx, spec)
		return err
	})
	return qualified, quote, err
}

// PriceLegs prices each contract in order. The first failure aborts the
// batch; snapshots already taken are discarded and every line is released.
func (p *Pricer) PriceLegs(ctx context.Context, specs []ContractSpec) ([]ContractSpec, []Quote, error) {
	qualified := make([]ContractSpec, 0, len(specs))
	quotes := make([]Quote, 0, len(specs))
	for i, spec := range specs {
		q, snap, err := p.PriceLeg(ctx, spec)
		if err != nil {
			return nil, nil, fmt.Errorf("pricing leg %d (%s %s %.2f %s): %w",
				i+1, spec.Symbol, spec.Expiry, spec.Strike, spec.Right, err)
		}
		qualified = append(qualified, q)
		quotes = append(quotes, snap)
	}
	return qualified, quotes, nil
}

func (p *Pricer) fetch(ctx context.Context, spec ContractSpec) (ContractSpec, Quote, error) {
	if err := p.session.EnsureConnected(ctx); err != nil {
		return ContractSpec{}, Quote{}, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return ContractSpec{}, Quote{}, err
	}
	qualified, err := p.gateway.Qualify(ctx, spec)
	if err != nil {
		return ContractSpec{}, Quote{}, fmt.Errorf("qualify %s: %w", spec.Symbol, err)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return ContractSpec{}, Quote{}, err
	}
	tickerID, err := p.gateway.Subscribe(ctx, qualified)
	if err != nil {
		return ContractSpec{}, Quote{}, fmt.Errorf("subscribe %s: %w", spec.Symbol, err)
	}
	p.session.TrackSubscription(tickerID, qualified)
	defer func() {
		if uerr := p.gateway.Unsubscribe(tickerID); uerr != nil {
			p.logger.Debug("Unsubscribe failed", "ticker_id", tickerID, "error", uerr)
		}
		p.session.UntrackSubscription(tickerID)
	}()

	quote, err := p.awaitSnapshot(ctx, tickerID)
	if err != nil {
		return ContractSpec{}, Quote{}, fmt.Errorf("snapshot %s: %w", spec.Symbol, err)
	}
	quote.Symbol = qualified.Symbol
	quote.Delayed = quote.Delayed || p.session.Delayed()
	return qualified, quote, nil
}

// awaitSnapshot polls the subscription until the quote is complete or the
// bounded wait elapses. A partial quote at the deadline is still returned
// when it has at least a last price; a fully empty line is an error.
func (p *Pricer) awaitSnapshot(ctx context.Context, tickerID int) (Quote, error) {
	deadline := time.Now().Add(p.wait)
	var last Quote
	var seen bool

	for time.Now().Before(deadline) {
		if q, ok := p.gateway.Snapshot(tickerID); ok {
			last, seen = q, true
			if q.Complete() {
				return q, nil
			}
		}
		if err := p.session.sleep(ctx, p.poll); err != nil {
			return Quote{}, err
		}
	}

	if seen && last.Last > 0 {
		p.logger.Warn("Quote incomplete at deadline, using partial snapshot",
			"ticker_id", tickerID, "bid", last.Bid, "ask", last.Ask, "last", last.Last)
		return last, nil
	}
	return Quote{}, fmt.Errorf("no market data received within %s", p.wait)
}
