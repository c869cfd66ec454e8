package strategy

import (
	"fmt"
	"sort"
)

// ComplianceError is a refusal with the rule that fired and how to proceed.
type ComplianceError struct {
	Rule        string `json:"rule"`
	Detail      string `json:"detail"`
	Remediation string `json:"remediation,omitempty"`
}

func (e *ComplianceError) Error() string {
	msg := fmt.Sprintf("compliance [%s]: %s", e.Rule, e.Detail)
	if e.Remediation != "" {
		msg += "; " + e.Remediation
	}
	return msg
}

// Compliance rule identifiers, stable for machine checks.
const (
	RuleStrategyNotPermitted = "strategy_not_permitted"
	RuleNetCredit            = "net_credit_not_permitted"
	RuleNakedShort           = "naked_short_leg"
	RuleLegCount             = "leg_count"
	RuleStrikeOrder          = "strike_order"
	RuleExpiryMismatch       = "expiry_mismatch"
	RuleRightMismatch        = "right_mismatch"
	RuleQuantity             = "quantity"
)

// Validate enforces Level-2 options permissions on a priced strategy:
// permitted strategy types only, net debit strictly negative, every short
// leg covered, and the per-type leg shape. The first violated rule is
// returned; nil means the strategy is compliant.
func Validate(s *Strategy) error {
	if _, err := ParseType(string(s.Type)); err != nil {
		return &ComplianceError{
			Rule:        RuleStrategyNotPermitted,
			Detail:      fmt.Sprintf("strategy %q is not permitted at options Level 2", s.Type),
			Remediation: "use a defined-risk debit strategy, or upgrade account permissions for credit strategies",
		}
	}

	if len(s.Legs) == 0 {
		return &ComplianceError{Rule: RuleLegCount, Detail: "strategy has no legs"}
	}
	for i, l := range s.Legs {
		if l.Quantity <= 0 {
			return &ComplianceError{
				Rule:   RuleQuantity,
				Detail: fmt.Sprintf("leg %d has non-positive quantity %d", i+1, l.Quantity),
			}
		}
	}

	// Level 2 permits debit strategies only. Net >= 0 means the market pays
	// us to open, i.e. a credit position.
	if net := s.NetDebitCredit(); net >= 0 {
		return &ComplianceError{
			Rule:        RuleNetCredit,
			Detail:      fmt.Sprintf("net credit of $%.2f: credit strategies require options Level 3+", net),
			Remediation: "restructure as a debit strategy (buy the more expensive leg) or request a permissions upgrade",
		}
	}

	if err := checkShortCoverage(s); err != nil {
		return err
	}

	return checkShape(s)
}

// checkShortCoverage requires every sell leg to be paired with a buy leg of
// the same symbol, expiry, and right. Covered calls are exempt: the short
// call is covered by shares, not by a long option.
func checkShortCoverage(s *Strategy) error {
	if s.Type == CoveredCall || s.Type == Collar {
		return nil
	}
	for _, short := range s.sells() {
		covered := false
		for _, long := range s.buys() {
			if long.Contract.Symbol == short.Contract.Symbol &&
				long.Contract.Expiry == short.Contract.Expiry &&
				long.Contract.Right == short.Contract.Right &&
				long.Quantity >= short.Quantity {
				covered = true
				break
			}
		}
		if !covered {
			return &ComplianceError{
				Rule: RuleNakedShort,
				Detail: fmt.Sprintf("short %s %s %.2f %s has no matching long leg (same expiry and right)",
					short.Contract.Symbol, short.Contract.Expiry, short.Contract.Strike, short.Contract.Right),
				Remediation: "add a long leg at the same expiry and right to define the risk",
			}
		}
	}
	return nil
}

// checkShape validates per-type leg structure and strike relations.
func checkShape(s *Strategy) error {
	switch s.Type {
	case LongCall:
		return wantSingle(s, Call)
	case LongPut:
		return wantSingle(s, Put)
	case BullCallSpread:
		return wantVertical(s, Call, true)
	case BearPutSpread:
		return wantVertical(s, Put, false)
	case LongStraddle:
		return wantStraddle(s, true)
	case LongStrangle:
		return wantStraddle(s, false)
	case IronCondor:
		return wantIronCondor(s)
	case CoveredCall, ProtectivePut, Collar:
		// Stock-plus-option shapes; the option legs were range-checked above
		// and share coverage is asserted by the account, not the order.
		return nil
	}
	return nil
}

func wantSingle(s *Strategy, right Right) error {
	if len(s.Legs) != 1 {
		return &ComplianceError{
			Rule:   RuleLegCount,
			Detail: fmt.Sprintf("%s needs exactly 1 leg, got %d", s.Type, len(s.Legs)),
		}
	}
	l := s.Legs[0]
	if l.Action != Buy {
		return &ComplianceError{
			Rule:        RuleNakedShort,
			Detail:      fmt.Sprintf("%s must be a buy; selling options individually is not permitted at Level 2", s.Type),
			Remediation: "use a spread to define the risk of a short leg",
		}
	}
	if l.Contract.Right != right {
		return &ComplianceError{
			Rule:   RuleRightMismatch,
			Detail: fmt.Sprintf("%s leg must be right %s, got %s", s.Type, right, l.Contract.Right),
		}
	}
	return nil
}

// wantVertical checks a two-leg same-expiry vertical. longLower is true when
// the long strike must sit below the short strike (bull call); false for the
// mirror (bear put).
func wantVertical(s *Strategy, right Right, longLower bool) error {
	if len(s.Legs) != 2 {
		return &ComplianceError{
			Rule:   RuleLegCount,
			Detail: fmt.Sprintf("%s needs exactly 2 legs, got %d", s.Type, len(s.Legs)),
		}
	}
	long, short, err := splitVertical(s)
	if err != nil {
		return err
	}
	for _, l := range s.Legs {
		if l.Contract.Right != right {
			return &ComplianceError{
				Rule:   RuleRightMismatch,
				Detail: fmt.Sprintf("%s legs must all be right %s", s.Type, right),
			}
		}
	}
	if long.Contract.Expiry != short.Contract.Expiry {
		return &ComplianceError{
			Rule:   RuleExpiryMismatch,
			Detail: fmt.Sprintf("%s legs must share an expiry: %s vs %s", s.Type, long.Contract.Expiry, short.Contract.Expiry),
		}
	}
	if longLower && long.Contract.Strike >= short.Contract.Strike {
		return &ComplianceError{
			Rule:        RuleStrikeOrder,
			Detail:      fmt.Sprintf("bull call spread needs long strike below short strike, got %.2f >= %.2f", long.Contract.Strike, short.Contract.Strike),
			Remediation: "swap the strikes: buy the lower, sell the higher",
		}
	}
	if !longLower && long.Contract.Strike <= short.Contract.Strike {
		return &ComplianceError{
			Rule:        RuleStrikeOrder,
			Detail:      fmt.Sprintf("bear put spread needs long strike above short strike, got %.2f <= %.2f", long.Contract.Strike, short.Contract.Strike),
			Remediation: "swap the strikes: buy the higher, sell the lower",
		}
	}
	return nil
}

func splitVertical(s *Strategy) (long, short Leg, err error) {
	buys, sells := s.buys(), s.sells()
	if len(buys) != 1 || len(sells) != 1 {
		return Leg{}, Leg{}, &ComplianceError{
			Rule:   RuleLegCount,
			Detail: fmt.Sprintf("%s needs one buy and one sell leg", s.Type),
		}
	}
	return buys[0], sells[0], nil
}

func wantStraddle(s *Strategy, sameStrike bool) error {
	if len(s.Legs) != 2 {
		return &ComplianceError{
			Rule:   RuleLegCount,
			Detail: fmt.Sprintf("%s needs exactly 2 legs, got %d", s.Type, len(s.Legs)),
		}
	}
	var call, put *Leg
	for i := range s.Legs {
		l := &s.Legs[i]
		if l.Action != Buy {
			return &ComplianceError{
				Rule:   RuleNakedShort,
				Detail: fmt.Sprintf("%s legs must both be buys", s.Type),
			}
		}
		switch l.Contract.Right {
		case Call:
			call = l
		case Put:
			put = l
		}
	}
	if call == nil || put == nil {
		return &ComplianceError{
			Rule:   RuleRightMismatch,
			Detail: fmt.Sprintf("%s needs one call and one put", s.Type),
		}
	}
	if call.Contract.Expiry != put.Contract.Expiry {
		return &ComplianceError{
			Rule:   RuleExpiryMismatch,
			Detail: fmt.Sprintf("%s legs must share an expiry", s.Type),
		}
	}
	if sameStrike && call.Contract.Strike != put.Contract.Strike {
		return &ComplianceError{
			Rule:   RuleStrikeOrder,
			Detail: fmt.Sprintf("long straddle needs matching strikes, got call %.2f vs put %.2f", call.Contract.Strike, put.Contract.Strike),
		}
	}
	if !sameStrike && put.Contract.Strike >= call.Contract.Strike {
		return &ComplianceError{
			Rule:   RuleStrikeOrder,
			Detail: fmt.Sprintf("long strangle needs put strike below call strike, got %.2f >= %.2f", put.Contract.Strike, call.Contract.Strike),
		}
	}
	return nil
}

// wantIronCondor checks the long (debit) iron condor: four legs, a put
// spread below a call spread, long wings outside the shorts.
func wantIronCondor(s *Strategy) error {
	if len(s.Legs) != 4 {
		return &ComplianceError{
			Rule:   RuleLegCount,
			Detail: fmt.Sprintf("iron condor needs exactly 4 legs, got %d", len(s.Legs)),
		}
	}
	var calls, puts []Leg
	for _, l := range s.Legs {
		if l.Contract.Right == Call {
			calls = append(calls, l)
		} else {
			puts = append(puts, l)
		}
	}
	if len(calls) != 2 || len(puts) != 2 {
		return &ComplianceError{
			Rule:   RuleRightMismatch,
			Detail: "iron condor needs 2 calls and 2 puts",
		}
	}
	sort.Slice(puts, func(i, j int) bool { return puts[i].Contract.Strike < puts[j].Contract.Strike })
	sort.Slice(calls, func(i, j int) bool { return calls[i].Contract.Strike < calls[j].Contract.Strike })
	if puts[1].Contract.Strike >= calls[0].Contract.Strike {
		return &ComplianceError{
			Rule:   RuleStrikeOrder,
			Detail: "iron condor put strikes must sit below the call strikes",
		}
	}
	return nil
}
