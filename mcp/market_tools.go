package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Schmoll86/sumppump-mcp-server/tws"
)

type SessionStatusTool struct{}

func (*SessionStatusTool) Tool() mcp.Tool {
	return mcp.NewTool("session_status",
		mcp.WithDescription("Report the gateway connection state: session state, client id, data mode (live or delayed), market data lines in use, and pending confirmations. Call this first when any other tool reports a connection problem."),
	)
}

func (*SessionStatusTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	return guarded("session_status", manager, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session := manager.Session()
		budget := session.Budget()
		status := map[string]any{
			"state":                 session.State().String(),
			"healthy":               session.Healthy(),
			"client_id":             session.ClientID(),
			"delayed_data":          session.Delayed(),
			"data_lines_in_use":     budget.InUse(),
			"data_lines_ceiling":    budget.Ceiling(),
			"active_subscriptions":  session.ActiveSubscriptions(),
			"pending_confirmations": manager.Confirmations().Pending(),
		}
		return MarshalResponse(status, "session_status")
	})
}

type QuoteTool struct{}

func (*QuoteTool) Tool() mcp.Tool {
	return mcp.NewTool("get_quote",
		mcp.WithDescription("Get the current market quote for a stock symbol: bid, ask, last, and volume. Quotes flagged delayed may be 15+ minutes old."),
		mcp.WithString("symbol",
			mcp.Required(),
			mcp.Description("Stock ticker symbol, e.g. SPY"),
		),
	)
}

func (*QuoteTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	return guarded("get_quote", manager, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := GetArguments(request)
		if err := ValidateRequired(args, "symbol"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		symbol := strings.ToUpper(SafeAssertString(args["symbol"], ""))

		quote, err := manager.Quote(ctx, symbol)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get_quote %s: %v", symbol, err)), nil
		}
		return MarshalResponse(quote, "get_quote")
	})
}

type OptionsChainTool struct{}

func (*OptionsChainTool) Tool() mcp.Tool {
	return mcp.NewTool("get_options_chain",
		mcp.WithDescription("Price the call and put at each requested strike for one expiry: bid, ask, last, volume, open interest, and greeks per contract. Strikes the exchange does not list are omitted from the response. Use this to pick legs before trade_calculate."),
		mcp.WithString("symbol",
			mcp.Required(),
			mcp.Description("Underlying ticker symbol, e.g. SPY"),
		),
		mcp.WithString("expiry",
			mcp.Required(),
			mcp.Description("Expiration date as YYYYMMDD"),
		),
		mcp.WithArray("strikes",
			mcp.Required(),
			mcp.Description("Array of strike prices to quote, e.g. [630, 635, 640]"),
		),
	)
}

func (*OptionsChainTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	return guarded("get_options_chain", manager, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := GetArguments(request)
		if err := ValidateRequired(args, "symbol", "expiry", "strikes"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		symbol := strings.ToUpper(SafeAssertString(args["symbol"], ""))
		expiry := strings.ReplaceAll(SafeAssertString(args["expiry"], ""), "-", "")

		rawStrikes, ok := args["strikes"].([]any)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("strikes must be an array of numbers, got %T", args["strikes"])), nil
		}
		strikes := make([]float64, 0, len(rawStrikes))
		for i, raw := range rawStrikes {
			strike := SafeAssertFloat64(raw, 0)
			if strike <= 0 {
				return mcp.NewToolResultError(fmt.Sprintf("strikes[%d] must be a positive number, got %v", i, raw)), nil
			}
			strikes = append(strikes, strike)
		}

		rows, err := manager.Chain(ctx, symbol, expiry, strikes)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get_options_chain %s %s: %v", symbol, expiry, err)), nil
		}
		return MarshalResponse(map[string]any{
			"symbol": symbol,
			"expiry": expiry,
			"chain":  rows,
		}, "get_options_chain")
	})
}

type PositionsTool struct{}

func (*PositionsTool) Tool() mcp.Tool {
	return mcp.NewTool("get_positions",
		mcp.WithDescription("List all open positions in the account with quantities and average cost."),
	)
}

func (*PositionsTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	return guarded("get_positions", manager, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		positions, err := manager.Positions(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get_positions: %v", err)), nil
		}
		return MarshalResponse(map[string]any{
			"count":     len(positions),
			"positions": positions,
		}, "get_positions")
	})
}

type AccountTool struct{}

func (*AccountTool) Tool() mcp.Tool {
	return mcp.NewTool("get_account",
		mcp.WithDescription("Get account summary values: net liquidation, buying power, and available funds."),
	)
}

func (*AccountTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	return guarded("get_account", manager, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		summary, err := manager.Account(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get_account: %v", err)), nil
		}
		return MarshalResponse(summary, "get_account")
	})
}
