package safety

import (
	"errors"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		allowed bool
	}{
		{
			name:    "unprotected tool passes",
			tool:    "market_quote",
			args:    map[string]any{"symbol": "SPY"},
			allowed: true,
		},
		{
			name:    "unprotected tool passes even with dangerous args",
			tool:    "trade_calculate",
			args:    map[string]any{"order_type": "MKT"},
			allowed: true,
		},
		{
			name:    "protected tool without token blocked",
			tool:    "trade_execute",
			args:    map[string]any{},
			allowed: false,
		},
		{
			name:    "exact token allows",
			tool:    "trade_execute",
			args:    map[string]any{"confirm_token": "USER_CONFIRMED"},
			allowed: true,
		},
		{
			name:    "lowercase token rejected",
			tool:    "trade_execute",
			args:    map[string]any{"confirm_token": "user_confirmed"},
			allowed: false,
		},
		{
			name:    "padded token rejected",
			tool:    "trade_execute",
			args:    map[string]any{"confirm_token": " USER_CONFIRMED "},
			allowed: false,
		},
		{
			name:    "conditional setup without token allowed",
			tool:    "trade_create_conditional_order",
			args:    map[string]any{"trigger_price": 4.50, "trigger_condition": "below"},
			allowed: true,
		},
		{
			name:    "conditional by parameter presence allowed",
			tool:    "trade_create_conditional_order",
			args:    map[string]any{"trigger_price": 4.50},
			allowed: true,
		},
		{
			name:    "immediate trigger condition blocked",
			tool:    "trade_create_conditional_order",
			args:    map[string]any{"trigger_condition": "immediate"},
			allowed: false,
		},
		{
			name:    "conditional indicator wins over dangerous order type",
			tool:    "trade_create_conditional_order",
			args:    map[string]any{"trigger_price": 4.50, "order_type": "MKT"},
			allowed: true,
		},
		{
			name:    "market order type blocked",
			tool:    "trade_modify_order",
			args:    map[string]any{"order_type": "MKT"},
			allowed: false,
		},
		{
			name:    "execute_now flag blocked",
			tool:    "trade_modify_order",
			args:    map[string]any{"execute_now": true},
			allowed: false,
		},
		{
			name:    "skip_confirmation string blocked",
			tool:    "trade_modify_order",
			args:    map[string]any{"skip_confirmation": "yes"},
			allowed: false,
		},
		{
			name:    "dangerous value with token allowed",
			tool:    "trade_modify_order",
			args:    map[string]any{"order_type": "MKT", "confirm_token": "USER_CONFIRMED"},
			allowed: true,
		},
		{
			name:    "closing tool with a stated trigger allowed without token",
			tool:    "trade_close_position",
			args:    map[string]any{"trigger_condition": "below", "trigger_price": 4.50},
			allowed: true,
		},
		{
			name:    "closing tool without a trigger blocked without token",
			tool:    "trade_close_position",
			args:    map[string]any{},
			allowed: false,
		},
		{
			name:    "closing tool with token allowed",
			tool:    "trade_close_position",
			args:    map[string]any{"confirm_token": "USER_CONFIRMED"},
			allowed: true,
		},
		{
			name:    "stop loss without token blocked",
			tool:    "trade_set_stop_loss",
			args:    map[string]any{"stop_price": 2.50},
			allowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.tool, tt.args)
			if d.Allowed != tt.allowed {
				t.Errorf("Classify(%s, %v).Allowed = %v, want %v (reason: %s)",
					tt.tool, tt.args, d.Allowed, tt.allowed, d.Reason)
			}
			if !d.Allowed && d.Remediation == "" {
				t.Error("blocked decision carries no remediation")
			}
		})
	}
}

func TestClassifyNamesDangerousParams(t *testing.T) {
	d := Classify("trade_modify_order", map[string]any{
		"order_type":  "market",
		"execute_now": true,
	})
	if d.Allowed {
		t.Fatal("expected block")
	}
	joined := strings.Join(d.DangerousParams, ",")
	if !strings.Contains(joined, "order_type=market") || !strings.Contains(joined, "execute_now") {
		t.Errorf("DangerousParams = %v, want both offenders named", d.DangerousParams)
	}
}

func TestCheckReturnsBlocked(t *testing.T) {
	err := Check("trade_execute", map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	var blocked *Blocked
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *Blocked, got %T", err)
	}
	if blocked.Decision.Tool != "trade_execute" {
		t.Errorf("Decision.Tool = %q", blocked.Decision.Tool)
	}

	if err := Check("market_quote", nil); err != nil {
		t.Errorf("Check on unprotected tool = %v, want nil", err)
	}
}

func TestCheckCloseAll(t *testing.T) {
	// Token alone is not enough.
	err := CheckCloseAll(map[string]any{"confirm_token": ConfirmToken})
	if err == nil {
		t.Fatal("expected block without second confirmation")
	}

	// Second confirmation alone is not enough either.
	err = CheckCloseAll(map[string]any{"second_confirmation": CloseAllToken})
	if err == nil {
		t.Fatal("expected block without confirm_token")
	}

	// Wrong literal for the second confirmation.
	err = CheckCloseAll(map[string]any{
		"confirm_token":       ConfirmToken,
		"second_confirmation": "yes close all",
	})
	if err == nil {
		t.Fatal("expected block with wrong second literal")
	}

	// Both exact literals pass.
	err = CheckCloseAll(map[string]any{
		"confirm_token":       ConfirmToken,
		"second_confirmation": CloseAllToken,
	})
	if err != nil {
		t.Fatalf("CheckCloseAll with both literals = %v, want nil", err)
	}
}
