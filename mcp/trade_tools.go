package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Schmoll86/sumppump-mcp-server/ib"
	"github.com/Schmoll86/sumppump-mcp-server/tws"
	"github.com/Schmoll86/sumppump-mcp-server/tws/safety"
	"github.com/Schmoll86/sumppump-mcp-server/tws/strategy"
)

// legsDescription documents the leg object shape once; calculate and the
// single-leg tools share it.
const legsDescription = "Array of legs. Each leg is an object with: symbol (string), expiry (YYYYMMDD), strike (number), right (CALL or PUT), action (BUY or SELL), quantity (positive integer)."

type TradeCalculateTool struct{}

func (*TradeCalculateTool) Tool() mcp.Tool {
	return mcp.NewTool("trade_calculate",
		mcp.WithDescription("Price a multi-leg options strategy with live quotes, check Level 2 compliance, compute max profit / max loss / breakeven, and issue a confirmation ticket. Nothing is executed. Show the returned summary to the user; executing requires their approval via trade_execute with the ticket id and confirm token."),
		mcp.WithString("strategy_type",
			mcp.Required(),
			mcp.Description("One of: long_call, long_put, bull_call_spread, bear_put_spread, covered_call, protective_put, collar, long_straddle, long_strangle, iron_condor"),
		),
		mcp.WithString("symbol",
			mcp.Required(),
			mcp.Description("Underlying ticker symbol, e.g. SPY"),
		),
		mcp.WithArray("legs",
			mcp.Required(),
			mcp.Description(legsDescription),
		),
	)
}

func (*TradeCalculateTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	return guarded("trade_calculate", manager, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := GetArguments(request)
		if err := ValidateRequired(args, "strategy_type", "symbol", "legs"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		typ, err := strategy.ParseType(SafeAssertString(args["strategy_type"], ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		symbol := strings.ToUpper(SafeAssertString(args["symbol"], ""))

		rawLegs, ok := args["legs"].([]any)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("legs must be an array of objects, got %T", args["legs"])), nil
		}
		specs, err := strategy.ParseLegSpecs(rawLegs)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		ticket, err := manager.Calculate(ctx, sessionID(ctx), typ, symbol, specs)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trade_calculate: %v", err)), nil
		}
		return MarshalResponse(ticket, "trade_calculate")
	})
}

type TradeExecuteTool struct{}

func (*TradeExecuteTool) Tool() mcp.Tool {
	return mcp.NewTool("trade_execute",
		mcp.WithDescription("Execute a previously calculated strategy. Requires the confirmation_id from trade_calculate and confirm_token set to the exact literal the user approved with. The order is placed atomically and then verified against the account's position changes; the response includes the verification outcome and a mandatory stop-loss prompt to relay to the user."),
		mcp.WithString("confirmation_id",
			mcp.Required(),
			mcp.Description("Ticket id returned by trade_calculate"),
		),
		mcp.WithString("confirm_token",
			mcp.Required(),
			mcp.Description("Must be exactly USER_CONFIRMED, supplied only after the user explicitly approved the trade"),
		),
	)
}

func (*TradeExecuteTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	return guarded("trade_execute", manager, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := GetArguments(request)
		if err := ValidateRequired(args, "confirmation_id", "confirm_token"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		confirmationID := SafeAssertString(args["confirmation_id"], "")
		token := SafeAssertString(args["confirm_token"], "")

		result, stopLossPrompt, err := manager.Execute(ctx, sessionID(ctx), confirmationID, token)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trade_execute: %v", err)), nil
		}

		resp := map[string]any{
			"verification": result,
		}
		if result.Success() {
			resp["next_action_required"] = stopLossPrompt
		}
		return MarshalResponse(resp, "trade_execute")
	})
}

type TradeStatusTool struct{}

func (*TradeStatusTool) Tool() mcp.Tool {
	return mcp.NewTool("trade_status",
		mcp.WithDescription("Check the gateway status of an order by id, or of the most recent execution in this session when order_id is omitted."),
		mcp.WithString("order_id",
			mcp.Description("Gateway order id; optional"),
		),
	)
}

func (*TradeStatusTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	return guarded("trade_status", manager, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := GetArguments(request)

		orderID := SafeAssertString(args["order_id"], "")
		if orderID == "" {
			st, ok := manager.State().Get(sessionID(ctx))
			if !ok || st.LastOrderID == "" {
				return mcp.NewToolResultError("no order_id given and no recent execution in this session; pass order_id explicitly"), nil
			}
			orderID = st.LastOrderID
		}

		state, err := manager.OrderStatus(ctx, orderID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trade_status %s: %v", orderID, err)), nil
		}
		return MarshalResponse(state, "trade_status")
	})
}

type ConditionalOrderTool struct{}

func (*ConditionalOrderTool) Tool() mcp.Tool {
	return mcp.NewTool("trade_create_conditional_order",
		mcp.WithDescription("Create a future-contingent order for a single option contract: it rests at the gateway and only executes when the market reaches the trigger price. Because nothing executes immediately, this does not require a confirmation token — unless immediate-execution parameters are supplied."),
		mcp.WithString("symbol", mcp.Required(), mcp.Description("Underlying ticker symbol")),
		mcp.WithString("expiry", mcp.Required(), mcp.Description("Option expiry, YYYYMMDD")),
		mcp.WithNumber("strike", mcp.Required(), mcp.Description("Strike price")),
		mcp.WithString("right", mcp.Required(), mcp.Description("CALL or PUT")),
		mcp.WithString("action", mcp.Required(), mcp.Description("BUY or SELL")),
		mcp.WithNumber("quantity", mcp.Required(), mcp.Description("Number of contracts")),
		mcp.WithNumber("trigger_price", mcp.Required(), mcp.Description("Limit price at which the resting order may execute")),
		mcp.WithString("trigger_condition",
			mcp.Description("Condition relating the market to the trigger, e.g. below, above, at"),
		),
		mcp.WithString("tif", mcp.Description("Time in force: GTC (default) or DAY")),
	)
}

func (*ConditionalOrderTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	return guarded("trade_create_conditional_order", manager, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := GetArguments(request)
		if err := ValidateRequired(args, "symbol", "expiry", "strike", "right", "action", "quantity", "trigger_price"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		leg, err := legFromArgs(args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		triggerPrice := SafeAssertFloat64(args["trigger_price"], 0)
		tif := strings.ToUpper(SafeAssertString(args["tif"], "GTC"))

		orderID, err := manager.ConditionalOrder(ctx, leg, triggerPrice, tif)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trade_create_conditional_order: %v", err)), nil
		}
		return MarshalResponse(map[string]any{
			"order_id":      orderID,
			"resting":       true,
			"trigger_price": triggerPrice,
			"tif":           tif,
		}, "trade_create_conditional_order")
	})
}

type StopLossTool struct{}

func (*StopLossTool) Tool() mcp.Tool {
	return mcp.NewTool("trade_set_stop_loss",
		mcp.WithDescription("Place a protective stop order against an existing option position. Requires confirm_token because it can close a position when triggered."),
		mcp.WithString("symbol", mcp.Required(), mcp.Description("Underlying ticker symbol")),
		mcp.WithString("expiry", mcp.Required(), mcp.Description("Option expiry, YYYYMMDD")),
		mcp.WithNumber("strike", mcp.Required(), mcp.Description("Strike price")),
		mcp.WithString("right", mcp.Required(), mcp.Description("CALL or PUT")),
		mcp.WithString("action", mcp.Required(), mcp.Description("Closing action: SELL for long positions, BUY for short legs")),
		mcp.WithNumber("quantity", mcp.Required(), mcp.Description("Number of contracts")),
		mcp.WithNumber("stop_price", mcp.Required(), mcp.Description("Stop trigger price per contract")),
		mcp.WithString("confirm_token", mcp.Description("The user's confirmation literal")),
	)
}

func (*StopLossTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	return guarded("trade_set_stop_loss", manager, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := GetArguments(request)
		if err := ValidateRequired(args, "symbol", "expiry", "strike", "right", "action", "quantity", "stop_price"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		leg, err := legFromArgs(args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		stopPrice := SafeAssertFloat64(args["stop_price"], 0)

		orderID, err := manager.StopLoss(ctx, leg, stopPrice)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trade_set_stop_loss: %v", err)), nil
		}
		return MarshalResponse(map[string]any{
			"order_id":   orderID,
			"stop_price": stopPrice,
			"tif":        "GTC",
		}, "trade_set_stop_loss")
	})
}

type ClosePositionTool struct{}

func (*ClosePositionTool) Tool() mcp.Tool {
	return mcp.NewTool("trade_close_position",
		mcp.WithDescription("Close one open option position at the current market with a verified limit order. Always requires confirm_token: closing positions is never done without the user's explicit approval."),
		mcp.WithString("symbol", mcp.Required(), mcp.Description("Underlying ticker symbol")),
		mcp.WithString("expiry", mcp.Description("Option expiry, YYYYMMDD; required when several positions share the symbol")),
		mcp.WithNumber("strike", mcp.Description("Strike price")),
		mcp.WithString("right", mcp.Description("CALL or PUT")),
		mcp.WithString("confirm_token", mcp.Description("Must be exactly USER_CONFIRMED")),
	)
}

func (*ClosePositionTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	return guarded("trade_close_position", manager, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := GetArguments(request)
		if err := ValidateRequired(args, "symbol"); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		symbol := strings.ToUpper(SafeAssertString(args["symbol"], ""))

		pos, err := findPosition(ctx, manager, symbol, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := manager.ClosePosition(ctx, pos)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trade_close_position: %v", err)), nil
		}
		return MarshalResponse(result, "trade_close_position")
	})
}

type CloseAllTool struct{}

func (*CloseAllTool) Tool() mcp.Tool {
	return mcp.NewTool("trade_close_all",
		mcp.WithDescription("EMERGENCY: close every open position. Requires confirm_token AND second_confirmation set to the exact literal YES_CLOSE_ALL. Each position is closed with its own verified order and the per-position outcomes are reported."),
		mcp.WithString("confirm_token", mcp.Description("Must be exactly USER_CONFIRMED")),
		mcp.WithString("second_confirmation", mcp.Description("Must be exactly YES_CLOSE_ALL")),
	)
}

func (*CloseAllTool) Handler(manager *tws.Manager) server.ToolHandlerFunc {
	// Not routed through guarded: close-all has its own double-token check.
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := GetArguments(request)

		if err := safety.CheckCloseAll(args); err != nil {
			manager.Metrics().SafetyBlock("trade_close_all")
			manager.Metrics().ToolCall("trade_close_all", false)
			return blockedResult(err)
		}

		results, err := manager.CloseAll(ctx)
		manager.Metrics().ToolCall("trade_close_all", err == nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trade_close_all: %v", err)), nil
		}
		return MarshalResponse(map[string]any{
			"closed":  len(results),
			"results": results,
		}, "trade_close_all")
	}
}

// legFromArgs builds a LegSpec from flat tool arguments.
func legFromArgs(args map[string]any) (strategy.LegSpec, error) {
	specs, err := strategy.ParseLegSpecs([]any{map[string]any{
		"symbol":   args["symbol"],
		"expiry":   args["expiry"],
		"strike":   args["strike"],
		"right":    args["right"],
		"action":   args["action"],
		"quantity": args["quantity"],
	}})
	if err != nil {
		return strategy.LegSpec{}, err
	}
	return specs[0], nil
}

// findPosition locates the open position matching the arguments.
func findPosition(ctx context.Context, manager *tws.Manager, symbol string, args map[string]any) (ib.Position, error) {
	positions, err := manager.Positions(ctx)
	if err != nil {
		return ib.Position{}, err
	}

	expiry := strings.ReplaceAll(SafeAssertString(args["expiry"], ""), "-", "")
	strike := SafeAssertFloat64(args["strike"], 0)
	right := ""
	if r := SafeAssertString(args["right"], ""); r != "" {
		parsed, perr := strategy.ParseRight(r)
		if perr != nil {
			return ib.Position{}, perr
		}
		right = string(parsed)
	}

	var matches []ib.Position
	for _, p := range positions {
		if p.Symbol != symbol || p.Quantity == 0 {
			continue
		}
		if expiry != "" && p.Expiry != expiry {
			continue
		}
		if strike != 0 && p.Strike != strike {
			continue
		}
		if right != "" && p.Right != right {
			continue
		}
		matches = append(matches, p)
	}

	switch len(matches) {
	case 0:
		return ib.Position{}, fmt.Errorf("no open position matches %s %s %.2f %s", symbol, expiry, strike, right)
	case 1:
		return matches[0], nil
	default:
		return ib.Position{}, fmt.Errorf("%d positions match %s; narrow with expiry, strike, and right", len(matches), symbol)
	}
}
