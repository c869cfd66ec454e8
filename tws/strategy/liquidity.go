package strategy

import "fmt"

// Liquidity thresholds. Breaches warn, never block: a thin market is the
// user's call, not ours.
const (
	MinVolume       = 10
	MinOpenInterest = 50
	MaxSpreadPct    = 15.0 // of the bid/ask mid
)

// LiquidityWarnings inspects each leg's market quality and returns
// human-readable warnings for thin volume, low open interest, and wide
// spreads.
func LiquidityWarnings(s *Strategy) []string {
	var out []string
	for _, l := range s.Legs {
		c := l.Contract
		name := fmt.Sprintf("%s %s %.2f%s", c.Symbol, c.Expiry, c.Strike, c.Right)

		if c.Volume < MinVolume {
			out = append(out, fmt.Sprintf("%s: volume %d is below %d; fills may be slow or partial", name, c.Volume, MinVolume))
		}
		if c.OpenInterest < MinOpenInterest {
			out = append(out, fmt.Sprintf("%s: open interest %d is below %d; exiting the position may be difficult", name, c.OpenInterest, MinOpenInterest))
		}
		if mid := c.Mid(); mid > 0 && c.Bid > 0 && c.Ask > 0 {
			spreadPct := (c.Ask - c.Bid) / mid * 100
			if spreadPct > MaxSpreadPct {
				out = append(out, fmt.Sprintf("%s: bid/ask spread is %.1f%% of mid (%.2f/%.2f); expect slippage", name, spreadPct, c.Bid, c.Ask))
			}
		}
	}
	return out
}
