// Package safety classifies trading tool calls before they reach the
// gateway. The classifier is pure: decisions depend only on the tool name
// and its arguments, never on connection or market state, so every path is
// unit-testable without a gateway.
package safety

import (
	"fmt"
	"sort"
	"strings"
)

// ConfirmToken is the literal a user must supply to authorize immediate
// executions. Compared exactly: no trimming, no case folding.
const ConfirmToken = "USER_CONFIRMED"

// CloseAllToken is the second literal required by close-everything
// operations on top of ConfirmToken.
const CloseAllToken = "YES_CLOSE_ALL"

// protectedTools are the tools that can move money or positions and are
// subject to classification. Everything else passes through untouched.
var protectedTools = map[string]bool{
	"trade_execute":                  true,
	"trade_buy_to_close":             true,
	"trade_sell_to_close":            true,
	"trade_close_position":           true,
	"trade_close_all":                true,
	"trade_create_conditional_order": true,
	"trade_modify_order":             true,
	"trade_set_stop_loss":            true,
	"trade_roll_option":              true,
}

// closingTools act on existing positions and always require the token,
// even when no dangerous parameter is present.
var closingTools = map[string]bool{
	"trade_buy_to_close":   true,
	"trade_sell_to_close":  true,
	"trade_close_position": true,
	"trade_close_all":      true,
}

// dangerousValues maps parameter names to the values that would cause
// immediate execution.
var dangerousValues = map[string]map[string]bool{
	"trigger_condition": {
		"immediate": true,
		"now":       true,
		"market":    true,
		"instant":   true,
	},
	"order_type": {
		"mkt":    true,
		"market": true,
	},
}

// truthyDangerous are boolean-ish parameters that are dangerous whenever set.
var truthyDangerous = map[string]bool{
	"execute_now":       true,
	"skip_confirmation": true,
}

// conditionalTriggers are trigger_condition values that make an order
// contingent on a future market event rather than immediate.
var conditionalTriggers = map[string]bool{
	"below":        true,
	"above":        true,
	"at":           true,
	"when":         true,
	"if":           true,
	"greater_than": true,
	"less_than":    true,
}

// conditionalParams are parameters whose mere presence indicates the call is
// setting up a future-contingent order.
var conditionalParams = []string{"trigger_price", "condition", "when", "conditions"}

// Decision is the classifier's verdict on one tool call.
type Decision struct {
	Allowed         bool     `json:"allowed"`
	Tool            string   `json:"tool"`
	Reason          string   `json:"reason"`
	DangerousParams []string `json:"dangerous_params,omitempty"`
	Remediation     string   `json:"remediation,omitempty"`
}

// Blocked is the error form of a denying Decision, suitable for returning
// straight to the caller.
type Blocked struct {
	Decision Decision
}

func (b *Blocked) Error() string {
	msg := fmt.Sprintf("blocked %s: %s", b.Decision.Tool, b.Decision.Reason)
	if b.Decision.Remediation != "" {
		msg += "; " + b.Decision.Remediation
	}
	return msg
}

// Classify decides whether a tool call may proceed. The rules, in order:
//
//  1. Unprotected tools are always allowed.
//  2. Calls carrying a conditional indicator (a deferring trigger value or
//     any trigger parameter) are setting up a standing order and are allowed
//     without a token; a standing order is inherently deferred.
//  3. A valid ConfirmToken allows the call.
//  4. Position-closing tools without a stated trigger are assumed immediate
//     and blocked without a token.
//  5. Anything with a dangerous value and no token is blocked, naming the
//     offending parameters.
func Classify(tool string, args map[string]any) Decision {
	if !protectedTools[tool] {
		return Decision{Allowed: true, Tool: tool, Reason: "not a protected trading operation"}
	}

	dangerous := dangerousIn(args)
	tokenOK := tokenValid(args)
	closing := closingTools[tool]

	if isConditionalSetup(args) {
		return Decision{
			Allowed: true,
			Tool:    tool,
			Reason:  "conditional order setup; execution is contingent on a future market event",
		}
	}

	if tokenOK {
		d := Decision{Allowed: true, Tool: tool, Reason: "user confirmation token present"}
		d.DangerousParams = dangerous
		return d
	}

	if closing {
		return Decision{
			Allowed:         false,
			Tool:            tool,
			Reason:          "closing an existing position requires explicit user confirmation",
			DangerousParams: dangerous,
			Remediation:     fmt.Sprintf("ask the user to approve, then retry with confirm_token=%q", ConfirmToken),
		}
	}

	if len(dangerous) > 0 {
		return Decision{
			Allowed:         false,
			Tool:            tool,
			Reason:          fmt.Sprintf("immediate execution requested via %s without user confirmation", strings.Join(dangerous, ", ")),
			DangerousParams: dangerous,
			Remediation:     fmt.Sprintf("ask the user to approve, then retry with confirm_token=%q", ConfirmToken),
		}
	}

	return Decision{
		Allowed:     false,
		Tool:        tool,
		Reason:      "protected trading operation without user confirmation",
		Remediation: fmt.Sprintf("ask the user to approve, then retry with confirm_token=%q", ConfirmToken),
	}
}

// Check is Classify returning *Blocked on denial, nil on allow.
func Check(tool string, args map[string]any) error {
	d := Classify(tool, args)
	if d.Allowed {
		return nil
	}
	return &Blocked{Decision: d}
}

// CheckCloseAll enforces the double confirmation for close-everything
// operations: ConfirmToken plus the CloseAllToken literal.
func CheckCloseAll(args map[string]any) error {
	if err := Check("trade_close_all", args); err != nil {
		return err
	}
	second, _ := args["second_confirmation"].(string)
	if second != CloseAllToken {
		return &Blocked{Decision: Decision{
			Allowed:     false,
			Tool:        "trade_close_all",
			Reason:      "closing all positions requires a second confirmation",
			Remediation: fmt.Sprintf("ask the user again, then retry with second_confirmation=%q", CloseAllToken),
		}}
	}
	return nil
}

// tokenValid reports whether args carry the exact confirmation literal.
func tokenValid(args map[string]any) bool {
	tok, ok := args["confirm_token"].(string)
	return ok && tok == ConfirmToken
}

// dangerousIn returns the sorted names of parameters carrying dangerous
// values.
func dangerousIn(args map[string]any) []string {
	var out []string
	for param, bad := range dangerousValues {
		v, ok := args[param]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && bad[strings.ToLower(s)] {
			out = append(out, fmt.Sprintf("%s=%s", param, s))
		}
	}
	for param := range truthyDangerous {
		if truthy(args[param]) {
			out = append(out, param)
		}
	}
	sort.Strings(out)
	return out
}

// isConditionalSetup reports whether the call is creating a
// future-contingent order.
func isConditionalSetup(args map[string]any) bool {
	if s, ok := args["trigger_condition"].(string); ok && conditionalTriggers[strings.ToLower(s)] {
		return true
	}
	for _, p := range conditionalParams {
		if _, ok := args[p]; ok {
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(x) {
		case "true", "yes", "1":
			return true
		}
	case float64:
		return x != 0
	case int:
		return x != 0
	}
	return false
}
