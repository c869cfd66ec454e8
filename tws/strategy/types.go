// Package strategy models multi-leg options strategies: typed legs, Level-2
// compliance rules, and risk/reward analytics. It is pure computation — no
// gateway traffic — so pricing math and compliance rules are testable from
// static quote snapshots.
package strategy

import (
	"fmt"
	"math"
	"strings"
)

// Multiplier is the standard equity-option contract multiplier.
const Multiplier = 100

// Unlimited marks a profit bound that has no ceiling.
var Unlimited = math.Inf(1)

// Right is an option right.
type Right string

const (
	Call Right = "C"
	Put  Right = "P"
)

// ParseRight accepts the usual spellings for an option right.
func ParseRight(s string) (Right, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CALL":
		return Call, nil
	case "P", "PUT":
		return Put, nil
	}
	return "", fmt.Errorf("invalid option right %q: want CALL or PUT", s)
}

// Action is an order side.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// ParseAction accepts the usual spellings for an order side.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B":
		return Buy, nil
	case "SELL", "S":
		return Sell, nil
	}
	return "", fmt.Errorf("invalid action %q: want BUY or SELL", s)
}

// Type identifies a strategy shape.
type Type string

// Level-2 strategies. Credit spreads and naked writes are Level 3+ and are
// deliberately absent.
const (
	LongCall       Type = "long_call"
	LongPut        Type = "long_put"
	BullCallSpread Type = "bull_call_spread"
	BearPutSpread  Type = "bear_put_spread"
	CoveredCall    Type = "covered_call"
	ProtectivePut  Type = "protective_put"
	Collar         Type = "collar"
	LongStraddle   Type = "long_straddle"
	LongStrangle   Type = "long_strangle"
	IronCondor     Type = "iron_condor"
)

// ParseType validates a strategy type string.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case LongCall, LongPut, BullCallSpread, BearPutSpread, CoveredCall,
		ProtectivePut, Collar, LongStraddle, LongStrangle, IronCondor:
		return t, nil
	}
	return "", fmt.Errorf("unknown strategy type %q", s)
}

// Greeks holds per-contract option greeks.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

// Contract is a priced option contract at the moment of analysis.
type Contract struct {
	Symbol       string  `json:"symbol"`
	Expiry       string  `json:"expiry"` // YYYYMMDD
	Strike       float64 `json:"strike"`
	Right        Right   `json:"right"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Last         float64 `json:"last"`
	Volume       int64   `json:"volume"`
	OpenInterest int64   `json:"open_interest"`
	Greeks       Greeks  `json:"greeks"`
	Delayed      bool    `json:"delayed"`
	ConID        int64   `json:"con_id,omitempty"`
}

// Mid returns the bid/ask midpoint, falling back to last when one side is
// missing.
func (c Contract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	return c.Last
}

// Leg is one leg of a strategy.
type Leg struct {
	Contract Contract `json:"contract"`
	Action   Action   `json:"action"`
	Quantity int      `json:"quantity"`
}

// Cost returns the leg's signed cash impact per the quoted market: buys pay
// the ask (negative, a debit), sells receive the bid (positive, a credit).
func (l Leg) Cost() float64 {
	if l.Action == Buy {
		return -l.Contract.Ask * float64(l.Quantity) * Multiplier
	}
	return l.Contract.Bid * float64(l.Quantity) * Multiplier
}

// Strategy is a typed, validated multi-leg position to be opened.
type Strategy struct {
	Type       Type    `json:"type"`
	Symbol     string  `json:"symbol"`
	Legs       []Leg   `json:"legs"`
	Underlying float64 `json:"underlying_price,omitempty"`
}

// NetDebitCredit sums leg costs: negative means money leaves the account
// (a debit), positive means a credit.
func (s *Strategy) NetDebitCredit() float64 {
	var net float64
	for _, l := range s.Legs {
		net += l.Cost()
	}
	return net
}

// Delayed reports whether any leg was priced from delayed data.
func (s *Strategy) Delayed() bool {
	for _, l := range s.Legs {
		if l.Contract.Delayed {
			return true
		}
	}
	return false
}

// Quantity returns the strategy quantity, taken from the first leg.
func (s *Strategy) Quantity() int {
	if len(s.Legs) == 0 {
		return 0
	}
	return s.Legs[0].Quantity
}

// legs filtered by action.
func (s *Strategy) buys() []Leg {
	var out []Leg
	for _, l := range s.Legs {
		if l.Action == Buy {
			out = append(out, l)
		}
	}
	return out
}

func (s *Strategy) sells() []Leg {
	var out []Leg
	for _, l := range s.Legs {
		if l.Action == Sell {
			out = append(out, l)
		}
	}
	return out
}

// Analysis is the computed risk/reward profile of a strategy.
type Analysis struct {
	NetDebitCredit  float64   `json:"net_debit_credit"`
	MaxProfit       float64   `json:"max_profit"` // Unlimited when uncapped
	MaxLoss         float64   `json:"max_loss"`
	Breakevens      []float64 `json:"breakevens"`
	NetGreeks       Greeks    `json:"net_greeks"`
	EstimatedMargin float64   `json:"estimated_margin"`
	Warnings        []string  `json:"warnings,omitempty"`
	Delayed         bool      `json:"delayed"`
}

// MaxProfitString renders the profit bound for humans.
func (a Analysis) MaxProfitString() string {
	if math.IsInf(a.MaxProfit, 1) {
		return "unlimited"
	}
	return fmt.Sprintf("$%.2f", a.MaxProfit)
}
