// Package orders turns a confirmed strategy into a gateway order. Multi-leg
// strategies are always submitted as one atomic combo: either every leg is
// accepted together or nothing is, so a connection drop can never leave the
// account half-hedged.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/Schmoll86/sumppump-mcp-server/ib"
	"github.com/Schmoll86/sumppump-mcp-server/tws/strategy"
)

// DefaultPriceFraction places the limit at the bid/ask midpoint.
const DefaultPriceFraction = 0.5

// ErrNakedSell is returned when a single-leg sell reaches the builder.
var ErrNakedSell = errors.New("single-leg sell orders are not permitted: selling options requires a covering long leg in the same order")

// Config configures a Builder.
type Config struct {
	Gateway ib.Gateway
	Logger  *slog.Logger

	// PriceFraction positions the limit between bid (0.0) and ask (1.0)
	// for debit orders. Zero means DefaultPriceFraction.
	PriceFraction float64

	// TIF is the default time-in-force. Empty means GTC.
	TIF string
}

// Builder assembles and submits orders through the gateway.
type Builder struct {
	gateway  ib.Gateway
	logger   *slog.Logger
	fraction float64
	tif      string
}

// New validates the config and returns a Builder.
func New(cfg Config) (*Builder, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("orders: Gateway is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PriceFraction == 0 {
		cfg.PriceFraction = DefaultPriceFraction
	}
	if cfg.PriceFraction < 0 || cfg.PriceFraction > 1 {
		return nil, fmt.Errorf("orders: PriceFraction must be in [0,1], got %v", cfg.PriceFraction)
	}
	if cfg.TIF == "" {
		cfg.TIF = "GTC"
	}
	if cfg.TIF != "GTC" && cfg.TIF != "DAY" {
		return nil, fmt.Errorf("orders: unsupported TIF %q", cfg.TIF)
	}
	return &Builder{
		gateway:  cfg.Gateway,
		logger:   cfg.Logger,
		fraction: cfg.PriceFraction,
		tif:      cfg.TIF,
	}, nil
}

// Build qualifies every leg and assembles the order spec. Any qualification
// failure aborts the whole build; no partial combos.
func (b *Builder) Build(ctx context.Context, s *strategy.Strategy) (ib.OrderSpec, error) {
	if len(s.Legs) == 0 {
		return ib.OrderSpec{}, errors.New("strategy has no legs")
	}
	if len(s.Legs) == 1 && s.Legs[0].Action == strategy.Sell {
		return ib.OrderSpec{}, ErrNakedSell
	}

	qualified := make([]ib.ContractSpec, len(s.Legs))
	for i, l := range s.Legs {
		spec := ib.ContractSpec{
			Symbol:   l.Contract.Symbol,
			SecType:  "OPT",
			Expiry:   l.Contract.Expiry,
			Strike:   l.Contract.Strike,
			Right:    string(l.Contract.Right),
			Exchange: "SMART",
			ConID:    l.Contract.ConID,
		}
		q, err := b.gateway.Qualify(ctx, spec)
		if err != nil {
			return ib.OrderSpec{}, fmt.Errorf("qualify leg %d (%s %s %.2f %s): %w",
				i+1, spec.Symbol, spec.Expiry, spec.Strike, spec.Right, err)
		}
		qualified[i] = q
	}

	spec := ib.OrderSpec{
		Symbol:     s.Symbol,
		Quantity:   s.Quantity(),
		OrderType:  "LMT",
		LimitPrice: b.limitPrice(s),
		TIF:        b.tif,
	}

	if len(s.Legs) == 1 {
		c := qualified[0]
		spec.Contract = &c
		spec.Action = string(s.Legs[0].Action)
		return spec, nil
	}

	// Multi-leg: one BAG-style combo, quantity carried by the order, leg
	// ratios normalized by the strategy quantity.
	qty := s.Quantity()
	spec.Action = "BUY" // combo direction; leg actions carry the real sides
	spec.ComboLegs = make([]ib.ComboLeg, len(s.Legs))
	for i, l := range s.Legs {
		ratio := l.Quantity
		if qty > 0 && l.Quantity%qty == 0 {
			ratio = l.Quantity / qty
		}
		spec.ComboLegs[i] = ib.ComboLeg{
			ConID:  qualified[i].ConID,
			Ratio:  ratio,
			Action: string(l.Action),
		}
	}
	return spec, nil
}

// limitPrice derives the combo limit from the strategy's quoted market. The
// natural price pays the full spread; the fraction walks the limit from the
// aggregate bid (0.0) toward the aggregate ask (1.0) per contract.
func (b *Builder) limitPrice(s *strategy.Strategy) float64 {
	qty := float64(s.Quantity())
	if qty == 0 {
		return 0
	}

	// Aggregate per-contract cost at both sides of the book.
	var atAsk, atBid float64
	for _, l := range s.Legs {
		legQty := float64(l.Quantity) / qty
		if l.Action == strategy.Buy {
			atAsk += l.Contract.Ask * legQty
			atBid += l.Contract.Bid * legQty
		} else {
			atAsk -= l.Contract.Bid * legQty
			atBid -= l.Contract.Ask * legQty
		}
	}
	price := atBid + (atAsk-atBid)*b.fraction
	return math.Round(math.Abs(price)*100) / 100
}

// Submit places the order and returns the gateway order id. One call, one
// order: retries are the verifier's business, not the builder's.
func (b *Builder) Submit(ctx context.Context, spec ib.OrderSpec) (string, error) {
	orderID, err := b.gateway.PlaceOrder(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	b.logger.Info("Order submitted",
		"order_id", orderID, "symbol", spec.Symbol, "legs", len(spec.ComboLegs),
		"limit", spec.LimitPrice, "tif", spec.TIF)
	return orderID, nil
}

// EstimateMargin returns the buying-power impact of a debit strategy: the
// debit plus a small buffer for fees and price movement.
func EstimateMargin(a *strategy.Analysis) float64 {
	return a.MaxLoss * 1.05
}
