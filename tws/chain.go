package tws

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Schmoll86/sumppump-mcp-server/ib"
	"github.com/Schmoll86/sumppump-mcp-server/tws/strategy"
)

// ChainRow pairs the call and put priced at one strike. A side the gateway
// cannot qualify is left nil rather than failing the whole chain.
type ChainRow struct {
	Strike float64            `json:"strike"`
	Call   *strategy.Contract `json:"call,omitempty"`
	Put    *strategy.Contract `json:"put,omitempty"`
}

// Chain prices the call and put at each caller-requested strike for one
// expiry. Strikes are returned in ascending order. Contracts the gateway
// does not know are skipped; the chain fails only when nothing could be
// priced at all.
func (m *Manager) Chain(ctx context.Context, symbol, expiry string, strikes []float64) ([]ChainRow, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	if len(strikes) == 0 {
		return nil, errors.New("at least one strike is required")
	}

	sorted := append([]float64(nil), strikes...)
	sort.Float64s(sorted)

	rows := make([]ChainRow, 0, len(sorted))
	priced := 0
	for _, strike := range sorted {
		row := ChainRow{Strike: strike}
		for _, right := range []strategy.Right{strategy.Call, strategy.Put} {
			c, err := m.priceChainSide(ctx, symbol, expiry, strike, right)
			if err != nil {
				if errors.Is(err, ib.ErrUnknownContract) {
					m.logger.Debug("Chain strike not listed, skipping",
						"symbol", symbol, "expiry", expiry, "strike", strike, "right", string(right))
					continue
				}
				return nil, fmt.Errorf("chain %s %s %.2f %s: %w", symbol, expiry, strike, right, err)
			}
			if right == strategy.Call {
				row.Call = c
			} else {
				row.Put = c
			}
			priced++
		}
		if row.Call != nil || row.Put != nil {
			rows = append(rows, row)
		}
	}
	if priced == 0 {
		return nil, fmt.Errorf("no listed contracts for %s %s at the requested strikes", symbol, expiry)
	}
	return rows, nil
}

func (m *Manager) priceChainSide(ctx context.Context, symbol, expiry string, strike float64, right strategy.Right) (*strategy.Contract, error) {
	qualified, quote, err := m.pricer.PriceLeg(ctx, ib.ContractSpec{
		Symbol:   symbol,
		SecType:  "OPT",
		Expiry:   expiry,
		Strike:   strike,
		Right:    string(right),
		Exchange: "SMART",
	})
	if err != nil {
		return nil, err
	}
	return &strategy.Contract{
		Symbol:       symbol,
		Expiry:       expiry,
		Strike:       strike,
		Right:        right,
		Bid:          quote.Bid,
		Ask:          quote.Ask,
		Last:         quote.Last,
		Volume:       quote.Volume,
		OpenInterest: quote.OpenInterest,
		Delayed:      quote.Delayed,
		ConID:        qualified.ConID,
		Greeks: strategy.Greeks{
			Delta: quote.Delta,
			Gamma: quote.Gamma,
			Theta: quote.Theta,
			Vega:  quote.Vega,
			IV:    quote.IV,
		},
	}, nil
}
