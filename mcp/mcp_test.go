package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Schmoll86/sumppump-mcp-server/ib/paper"
	"github.com/Schmoll86/sumppump-mcp-server/tws"
	"github.com/Schmoll86/sumppump-mcp-server/tws/safety"
)

func testManager(t *testing.T) *tws.Manager {
	t.Helper()
	m, err := tws.New(tws.Config{
		Host:     "127.0.0.1",
		Port:     7497,
		ClientID: 5,
		Gateway:  paper.New(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("tws.New: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content %T is not text", res.Content[0])
	}
	return tc.Text
}

func TestGetAllToolsUniqueNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, tool := range GetAllTools() {
		name := tool.Tool().Name
		if name == "" {
			t.Error("tool with empty name")
		}
		if seen[name] {
			t.Errorf("duplicate tool name %q", name)
		}
		seen[name] = true
	}
	for _, want := range []string{
		"session_status", "get_quote", "get_options_chain", "get_positions", "get_account",
		"trade_calculate", "trade_execute", "trade_status",
		"trade_create_conditional_order", "trade_set_stop_loss",
		"trade_close_position", "trade_close_all",
	} {
		if !seen[want] {
			t.Errorf("tool %q not registered", want)
		}
	}
}

func TestParseExcludedTools(t *testing.T) {
	cases := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{"quote", []string{"quote"}},
		{"quote,account", []string{"quote", "account"}},
		{" quote , account ,", []string{"quote", "account"}},
	}
	for _, tc := range cases {
		got := parseExcludedTools(tc.input)
		if len(got) != len(tc.want) {
			t.Errorf("parseExcludedTools(%q) = %v, want %v", tc.input, got, tc.want)
			continue
		}
		for _, name := range tc.want {
			if !got[name] {
				t.Errorf("parseExcludedTools(%q) missing %q", tc.input, name)
			}
		}
	}
}

func TestFilterTools(t *testing.T) {
	all := GetAllTools()
	filtered, registered, excluded := filterTools(all, map[string]bool{"get_quote": true, "get_account": true})
	if excluded != 2 {
		t.Errorf("excluded = %d, want 2", excluded)
	}
	if registered != len(all)-2 || len(filtered) != registered {
		t.Errorf("registered = %d, want %d", registered, len(all)-2)
	}
	for _, tool := range filtered {
		if name := tool.Tool().Name; name == "get_quote" || name == "get_account" {
			t.Errorf("excluded tool %q survived the filter", name)
		}
	}
}

func TestSafeAsserts(t *testing.T) {
	if got := SafeAssertString("x", "d"); got != "x" {
		t.Errorf("SafeAssertString = %q", got)
	}
	if got := SafeAssertString(7, "d"); got != "d" {
		t.Errorf("SafeAssertString fallback = %q", got)
	}
	if got := SafeAssertFloat64(2.5, 0); got != 2.5 {
		t.Errorf("SafeAssertFloat64 = %v", got)
	}
	if got := SafeAssertFloat64("3.25", 0); got != 3.25 {
		t.Errorf("SafeAssertFloat64 from string = %v", got)
	}
	if got := SafeAssertFloat64("nope", 1.5); got != 1.5 {
		t.Errorf("SafeAssertFloat64 fallback = %v", got)
	}
	if got := SafeAssertInt(3.0, 0); got != 3 {
		t.Errorf("SafeAssertInt = %v", got)
	}
	if got := SafeAssertInt("4", 0); got != 4 {
		t.Errorf("SafeAssertInt from string = %v", got)
	}
	if got := SafeAssertBool("yes", false); !got {
		t.Error("SafeAssertBool(yes) = false")
	}
	if got := SafeAssertBool(nil, true); !got {
		t.Error("SafeAssertBool fallback = false")
	}
}

func TestValidateRequired(t *testing.T) {
	args := map[string]any{"symbol": "SPY", "blank": "  ", "legs": []any{}}
	if err := ValidateRequired(args, "symbol"); err != nil {
		t.Errorf("ValidateRequired(symbol): %v", err)
	}
	err := ValidateRequired(args, "symbol", "blank", "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"blank", "missing"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should name %q", err, want)
		}
	}
}

func TestMarshalResponse(t *testing.T) {
	res, err := MarshalResponse(map[string]any{"status": "ok"}, "quote")
	if err != nil {
		t.Fatalf("MarshalResponse: %v", err)
	}
	if res.IsError {
		t.Fatal("unexpected error result")
	}
	var decoded map[string]any
	if jerr := json.Unmarshal([]byte(resultText(t, res)), &decoded); jerr != nil {
		t.Fatalf("response is not JSON: %v", jerr)
	}
	if decoded["status"] != "ok" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestGuardedBlocksUnconfirmedExecution(t *testing.T) {
	manager := testManager(t)

	var handlerRan bool
	h := guarded("trade_execute", manager, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		handlerRan = true
		return mcp.NewToolResultText("ok"), nil
	})

	res, err := h(context.Background(), toolRequest("trade_execute", map[string]any{
		"confirmation_id": "CONFIRM_X",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if handlerRan {
		t.Fatal("blocked call reached the handler")
	}
	if !res.IsError {
		t.Fatal("expected a tool error result")
	}
	text := resultText(t, res)
	if !strings.Contains(text, safety.ConfirmToken) {
		t.Errorf("refusal should name the required token:\n%s", text)
	}
}

func TestGuardedPassesConfirmedExecution(t *testing.T) {
	manager := testManager(t)

	var handlerRan bool
	h := guarded("trade_execute", manager, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		handlerRan = true
		return mcp.NewToolResultText("ok"), nil
	})

	_, err := h(context.Background(), toolRequest("trade_execute", map[string]any{
		"confirmation_id": "CONFIRM_X",
		"confirm_token":   safety.ConfirmToken,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !handlerRan {
		t.Fatal("confirmed call never reached the handler")
	}
}

func TestGuardedPassesReadOnlyTools(t *testing.T) {
	manager := testManager(t)

	var handlerRan bool
	h := guarded("get_quote", manager, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		handlerRan = true
		return mcp.NewToolResultText("ok"), nil
	})

	if _, err := h(context.Background(), toolRequest("get_quote", map[string]any{"symbol": "SPY"})); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !handlerRan {
		t.Fatal("read-only call never reached the handler")
	}
}
