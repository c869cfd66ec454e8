package strategy

import (
	"fmt"
	"math"
	"sort"
)

// marginBuffer pads the debit when estimating margin impact.
const marginBuffer = 1.05

// Analyze computes the risk/reward profile of a compliant strategy. Call
// Validate first: Analyze assumes the leg shape for the type is correct.
//
// Debits are quoted as positive dollars in the result; NetDebitCredit keeps
// its sign (negative = debit).
func Analyze(s *Strategy) Analysis {
	net := s.NetDebitCredit()
	debit := -net // positive dollars paid
	qty := float64(s.Quantity())
	perShare := 0.0
	if qty > 0 {
		perShare = debit / (Multiplier * qty)
	}

	a := Analysis{
		NetDebitCredit:  net,
		MaxLoss:         debit,
		EstimatedMargin: debit * marginBuffer,
		NetGreeks:       netGreeks(s),
		Delayed:         s.Delayed(),
	}

	switch s.Type {
	case LongCall:
		k := s.Legs[0].Contract.Strike
		a.MaxProfit = Unlimited
		a.Breakevens = []float64{k + perShare}

	case LongPut:
		k := s.Legs[0].Contract.Strike
		a.MaxProfit = k*Multiplier*qty - debit
		a.Breakevens = []float64{k - perShare}

	case BullCallSpread:
		long, short, _ := splitVertical(s)
		width := short.Contract.Strike - long.Contract.Strike
		a.MaxProfit = width*Multiplier*qty - debit
		a.Breakevens = []float64{long.Contract.Strike + perShare}

	case BearPutSpread:
		long, short, _ := splitVertical(s)
		width := long.Contract.Strike - short.Contract.Strike
		a.MaxProfit = width*Multiplier*qty - debit
		a.Breakevens = []float64{long.Contract.Strike - perShare}

	case LongStraddle:
		k := s.Legs[0].Contract.Strike
		a.MaxProfit = Unlimited
		a.Breakevens = []float64{k - perShare, k + perShare}

	case LongStrangle:
		callK, putK := strangleStrikes(s)
		a.MaxProfit = Unlimited
		a.Breakevens = []float64{putK - perShare, callK + perShare}

	case IronCondor:
		putHigh, callLow, width := condorShape(s)
		a.MaxProfit = width*Multiplier*qty - debit
		a.Breakevens = []float64{putHigh - perShare, callLow + perShare}

	case CoveredCall, ProtectivePut, Collar:
		// Stock-plus-option shapes: the option-side cash flow is what we can
		// state without the share cost basis.
		a.MaxProfit = Unlimited
		a.Warnings = append(a.Warnings,
			fmt.Sprintf("%s profit and loss depend on the share cost basis, which is not part of this order", s.Type))
	}

	if a.Delayed {
		a.Warnings = append(a.Warnings, "priced from delayed market data; quotes may be 15+ minutes old")
	}
	a.Warnings = append(a.Warnings, LiquidityWarnings(s)...)
	return a
}

// netGreeks aggregates per-leg greeks at position scale: greek x signed
// quantity x contract multiplier.
func netGreeks(s *Strategy) Greeks {
	var g Greeks
	for _, l := range s.Legs {
		scale := float64(l.Quantity) * Multiplier
		if l.Action == Sell {
			scale = -scale
		}
		g.Delta += l.Contract.Greeks.Delta * scale
		g.Gamma += l.Contract.Greeks.Gamma * scale
		g.Theta += l.Contract.Greeks.Theta * scale
		g.Vega += l.Contract.Greeks.Vega * scale
	}
	// IV is not additive; report the quantity-weighted average.
	var totalQty float64
	for _, l := range s.Legs {
		g.IV += l.Contract.Greeks.IV * float64(l.Quantity)
		totalQty += float64(l.Quantity)
	}
	if totalQty > 0 {
		g.IV /= totalQty
	}
	return g
}

func strangleStrikes(s *Strategy) (callK, putK float64) {
	for _, l := range s.Legs {
		if l.Contract.Right == Call {
			callK = l.Contract.Strike
		} else {
			putK = l.Contract.Strike
		}
	}
	return callK, putK
}

// condorShape returns the inner strikes and the narrower wing width.
func condorShape(s *Strategy) (putHigh, callLow, width float64) {
	var calls, puts []float64
	for _, l := range s.Legs {
		if l.Contract.Right == Call {
			calls = append(calls, l.Contract.Strike)
		} else {
			puts = append(puts, l.Contract.Strike)
		}
	}
	sort.Float64s(calls)
	sort.Float64s(puts)
	putHigh = puts[len(puts)-1]
	callLow = calls[0]
	width = math.Min(puts[1]-puts[0], calls[1]-calls[0])
	return putHigh, callLow, width
}
