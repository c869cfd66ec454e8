package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Schmoll86/sumppump-mcp-server/tws"
	"github.com/Schmoll86/sumppump-mcp-server/tws/safety"
)

// GetArguments extracts the argument map from a tool request.
func GetArguments(request mcp.CallToolRequest) map[string]any {
	args := request.GetArguments()
	if args == nil {
		args = map[string]any{}
	}
	return args
}

// sessionID returns the MCP client session id, or the stdio default.
func sessionID(ctx context.Context) string {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		if id := cs.SessionID(); id != "" {
			return id
		}
	}
	return tws.DefaultSessionID
}

// SafeAssertString asserts v as a string, returning def on any other type.
func SafeAssertString(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// SafeAssertFloat64 coerces v to float64. JSON numbers arrive as float64;
// numeric strings are tolerated because LLM clients produce them routinely.
func SafeAssertFloat64(v any, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return def
}

// SafeAssertInt coerces v to int, truncating floats.
func SafeAssertInt(v any, def int) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	case int64:
		return int(x)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return i
		}
	}
	return def
}

// SafeAssertBool coerces v to bool.
func SafeAssertBool(v any, def bool) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(x) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	}
	return def
}

// ValidateRequired checks that each named argument is present and non-empty.
func ValidateRequired(args map[string]any, fields ...string) error {
	var missing []string
	for _, f := range fields {
		v, ok := args[f]
		if !ok || v == nil {
			missing = append(missing, f)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required arguments: %s", strings.Join(missing, ", "))
	}
	return nil
}

// MarshalResponse renders v as an indented JSON tool result.
func MarshalResponse(v any, toolName string) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: failed to encode response: %v", toolName, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// guarded wraps a handler with the execution safety gate and tool metrics.
// Blocked calls never reach the handler; the refusal is returned as a
// structured tool error the agent can act on.
func guarded(toolName string, manager *tws.Manager, fn server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := GetArguments(request)

		if err := safety.Check(toolName, args); err != nil {
			manager.Metrics().SafetyBlock(toolName)
			manager.Metrics().ToolCall(toolName, false)
			return blockedResult(err)
		}

		res, err := fn(ctx, request)
		manager.Metrics().ToolCall(toolName, err == nil && (res == nil || !res.IsError))
		return res, err
	}
}

// blockedResult renders a safety refusal as a tool error with the decision
// attached as JSON so the agent sees both the reason and the remediation.
func blockedResult(err error) (*mcp.CallToolResult, error) {
	if b, ok := err.(*safety.Blocked); ok {
		data, jerr := json.MarshalIndent(b.Decision, "", "  ")
		if jerr == nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s\n%s", b.Error(), data)), nil
		}
	}
	return mcp.NewToolResultError(err.Error()), nil
}
