package strategy

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// LegSpec is an unpriced leg as requested by the caller, before quotes are
// attached. It is the single typed form every loosely-typed leg payload is
// reconstructed into; nothing downstream accepts raw maps.
type LegSpec struct {
	Symbol   string  `json:"symbol"`
	Expiry   string  `json:"expiry"` // YYYYMMDD
	Strike   float64 `json:"strike"`
	Right    Right   `json:"right"`
	Action   Action  `json:"action"`
	Quantity int     `json:"quantity"`
}

// FieldError reports a single bad or missing field during reconstruction.
type FieldError struct {
	Leg   int // 1-based; 0 when not leg-scoped
	Field string
	Msg   string
}

func (e *FieldError) Error() string {
	if e.Leg > 0 {
		return fmt.Sprintf("leg %d: field %q: %s", e.Leg, e.Field, e.Msg)
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Msg)
}

var expiryPattern = regexp.MustCompile(`^\d{8}$`)

// ParseLegSpecs reconstructs typed legs from a decoded JSON array. Every
// field is validated; the first problem aborts with a FieldError naming the
// leg and field so the caller can fix exactly that.
func ParseLegSpecs(raw []any) ([]LegSpec, error) {
	if len(raw) == 0 {
		return nil, &FieldError{Field: "legs", Msg: "at least one leg is required"}
	}
	out := make([]LegSpec, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &FieldError{Leg: i + 1, Field: "legs", Msg: fmt.Sprintf("expected an object, got %T", item)}
		}
		leg, err := parseLegSpec(i+1, m)
		if err != nil {
			return nil, err
		}
		out = append(out, leg)
	}
	return out, nil
}

func parseLegSpec(n int, m map[string]any) (LegSpec, error) {
	var leg LegSpec

	sym, err := stringField(n, m, "symbol")
	if err != nil {
		return leg, err
	}
	leg.Symbol = strings.ToUpper(sym)

	expiry, err := stringField(n, m, "expiry")
	if err != nil {
		return leg, err
	}
	expiry = strings.ReplaceAll(expiry, "-", "")
	if !expiryPattern.MatchString(expiry) {
		return leg, &FieldError{Leg: n, Field: "expiry", Msg: fmt.Sprintf("want YYYYMMDD, got %q", expiry)}
	}
	leg.Expiry = expiry

	strike, err := numberField(n, m, "strike")
	if err != nil {
		return leg, err
	}
	if strike <= 0 || math.IsNaN(strike) || math.IsInf(strike, 0) {
		return leg, &FieldError{Leg: n, Field: "strike", Msg: fmt.Sprintf("must be a positive number, got %v", strike)}
	}
	leg.Strike = strike

	rightStr, err := stringField(n, m, "right")
	if err != nil {
		return leg, err
	}
	right, rerr := ParseRight(rightStr)
	if rerr != nil {
		return leg, &FieldError{Leg: n, Field: "right", Msg: rerr.Error()}
	}
	leg.Right = right

	actionStr, err := stringField(n, m, "action")
	if err != nil {
		return leg, err
	}
	action, aerr := ParseAction(actionStr)
	if aerr != nil {
		return leg, &FieldError{Leg: n, Field: "action", Msg: aerr.Error()}
	}
	leg.Action = action

	qty, err := numberField(n, m, "quantity")
	if err != nil {
		return leg, err
	}
	if qty != math.Trunc(qty) || qty <= 0 {
		return leg, &FieldError{Leg: n, Field: "quantity", Msg: fmt.Sprintf("must be a positive whole number, got %v", qty)}
	}
	leg.Quantity = int(qty)

	return leg, nil
}

func stringField(n int, m map[string]any, field string) (string, error) {
	v, ok := m[field]
	if !ok {
		return "", &FieldError{Leg: n, Field: field, Msg: "required"}
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", &FieldError{Leg: n, Field: field, Msg: fmt.Sprintf("must be a non-empty string, got %v", v)}
	}
	return strings.TrimSpace(s), nil
}

// numberField accepts JSON numbers plus numeric strings, which LLM callers
// produce routinely.
func numberField(n int, m map[string]any, field string) (float64, error) {
	v, ok := m[field]
	if !ok {
		return 0, &FieldError{Leg: n, Field: field, Msg: "required"}
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, &FieldError{Leg: n, Field: field, Msg: fmt.Sprintf("not a number: %q", x)}
		}
		return f, nil
	}
	return 0, &FieldError{Leg: n, Field: field, Msg: fmt.Sprintf("must be a number, got %T", v)}
}
