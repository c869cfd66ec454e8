// Package mcp exposes the trading engine as Model Context Protocol tools.
// Every trading tool passes the execution safety gate before its handler
// runs; refusals carry the rule that fired and the exact remediation.
package mcp

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Schmoll86/sumppump-mcp-server/tws"
)

// Session type context values let handlers know which transport carried the
// request.
const (
	SessionTypeSSE = "sse"
	SessionTypeMCP = "mcp"
)

type sessionTypeKey struct{}

// WithSessionType annotates the context with the transport type.
func WithSessionType(ctx context.Context, sessionType string) context.Context {
	return context.WithValue(ctx, sessionTypeKey{}, sessionType)
}

// SessionTypeFromContext returns the transport type, or empty.
func SessionTypeFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionTypeKey{}).(string); ok {
		return v
	}
	return ""
}

// Tool is one MCP tool: its definition and its handler bound to the manager.
type Tool interface {
	Tool() mcp.Tool
	Handler(*tws.Manager) server.ToolHandlerFunc
}

// GetAllTools returns every tool available for registration.
func GetAllTools() []Tool {
	return []Tool{
		// Session and market data
		&SessionStatusTool{},
		&QuoteTool{},
		&OptionsChainTool{},
		&PositionsTool{},
		&AccountTool{},

		// Trading workflow
		&TradeCalculateTool{},
		&TradeExecuteTool{},
		&TradeStatusTool{},
		&ConditionalOrderTool{},
		&StopLossTool{},
		&ClosePositionTool{},
		&CloseAllTool{},
	}
}

// parseExcludedTools parses a comma-separated string of tool names into a
// set.
func parseExcludedTools(excludedTools string) map[string]bool {
	excludedSet := make(map[string]bool)
	if excludedTools != "" {
		for _, toolName := range strings.Split(excludedTools, ",") {
			toolName = strings.TrimSpace(toolName)
			if toolName != "" {
				excludedSet[toolName] = true
			}
		}
	}
	return excludedSet
}

// filterTools returns tools not in the excluded set, with counts.
func filterTools(allTools []Tool, excludedSet map[string]bool) ([]Tool, int, int) {
	filteredTools := make([]Tool, 0, len(allTools))
	excludedCount := 0

	for _, tool := range allTools {
		if excludedSet[tool.Tool().Name] {
			excludedCount++
			continue
		}
		filteredTools = append(filteredTools, tool)
	}

	return filteredTools, len(filteredTools), excludedCount
}

// RegisterTools registers all tools with the server, honoring the
// comma-separated exclusion list.
func RegisterTools(srv *server.MCPServer, manager *tws.Manager, excludedTools string, logger *slog.Logger) {
	excludedSet := parseExcludedTools(excludedTools)
	for toolName := range excludedSet {
		logger.Info("Excluding tool from registration", "tool", toolName)
	}

	allTools := GetAllTools()
	filteredTools, registeredCount, excludedCount := filterTools(allTools, excludedSet)

	for _, tool := range filteredTools {
		srv.AddTool(tool.Tool(), tool.Handler(manager))
	}

	logger.Info("Tool registration complete",
		"registered", registeredCount,
		"excluded", excludedCount,
		"total", len(allTools))
}
