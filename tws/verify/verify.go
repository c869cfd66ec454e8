// Package verify establishes whether an order actually executed. The
// account's position delta is the authority; order status alone is
// advisory, because gateways report fills for orders that never reached the
// book and report nothing for fills that landed during a reconnect.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Schmoll86/sumppump-mcp-server/ib"
)

// Outcome is the verifier's verdict.
type Outcome string

const (
	// Verified: the gateway reports a fill and the account shows the
	// position change.
	Verified Outcome = "verified"

	// LikelyFilled: status never settled but the position changed. Treated
	// as success, flagged so the caller reports the ambiguity.
	LikelyFilled Outcome = "likely_filled"

	// Unverified: the gateway claims a fill the account does not show.
	// Never treated as success.
	Unverified Outcome = "unverified"

	// Failed: cancelled, rejected, or no evidence of execution.
	Failed Outcome = "failed"
)

// Result is the full verification outcome.
type Result struct {
	Outcome      Outcome       `json:"outcome"`
	OrderID      string        `json:"order_id"`
	Status       string        `json:"status,omitempty"`
	AvgFillPrice float64       `json:"avg_fill_price,omitempty"`
	Commission   float64       `json:"commission,omitempty"`
	Deltas       []ib.Position `json:"position_deltas,omitempty"`
	Detail       string        `json:"detail,omitempty"`
}

// Success reports whether the position is considered open.
func (r Result) Success() bool {
	return r.Outcome == Verified || r.Outcome == LikelyFilled
}

// Options tunes a verification run.
type Options struct {
	Timeout time.Duration // default 10s; use 15s for combos
	Poll    time.Duration // default 500ms
}

// DefaultTimeout and ComboTimeout are the standard verification windows.
const (
	DefaultTimeout = 10 * time.Second
	ComboTimeout   = 15 * time.Second
	defaultPoll    = 500 * time.Millisecond
)

func (o *Options) fill() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Poll <= 0 {
		o.Poll = defaultPoll
	}
}

// Verifier polls order status and positions through the gateway.
type Verifier struct {
	gateway ib.Gateway
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Verifier.
func New(gateway ib.Gateway, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		gateway: gateway,
		logger:  logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// SetSleep overrides the wait function, for tests.
func (v *Verifier) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	v.sleep = fn
}

// Verify polls until the order proves itself one way or the other:
//
//   - status Filled and the position moved        -> Verified
//   - status Filled but the position is unchanged -> keep polling; at
//     timeout -> Unverified
//   - terminal status (Cancelled/Inactive)        -> Failed immediately
//   - timeout with a position delta               -> LikelyFilled
//   - timeout with nothing                        -> Failed
//
// before is the position snapshot taken prior to placement, for the symbol
// being traded.
func (v *Verifier) Verify(ctx context.Context, orderID, symbol string, before []ib.Position, opts Options) Result {
	opts.fill()
	deadline := time.Now().Add(opts.Timeout)

	var lastStatus ib.OrderState
	statusKnown := false

	for time.Now().Before(deadline) {
		if st, err := v.gateway.OrderStatus(ctx, orderID); err == nil {
			lastStatus, statusKnown = st, true

			if st.Terminal() {
				return Result{
					Outcome: Failed,
					OrderID: orderID,
					Status:  st.Status,
					Detail:  fmt.Sprintf("order reached terminal status %s without executing", st.Status),
				}
			}
			if st.Status == "Filled" {
				deltas, derr := v.deltas(ctx, symbol, before)
				if derr == nil && len(deltas) > 0 {
					return Result{
						Outcome:      Verified,
						OrderID:      orderID,
						Status:       st.Status,
						AvgFillPrice: st.AvgFillPrice,
						Commission:   st.Commission,
						Deltas:       deltas,
					}
				}
				// Fill reported but the account doesn't show it yet. Keep
				// polling; position updates can lag the status stream.
			}
		} else if !errors.Is(err, context.Canceled) {
			v.logger.Debug("Order status poll failed", "order_id", orderID, "error", err)
		}

		if err := v.sleep(ctx, opts.Poll); err != nil {
			break
		}
	}

	// Timed out. The position delta decides.
	deltas, derr := v.deltas(ctx, symbol, before)
	if derr == nil && len(deltas) > 0 {
		if statusKnown && lastStatus.Status == "Filled" {
			return Result{
				Outcome:      Verified,
				OrderID:      orderID,
				Status:       lastStatus.Status,
				AvgFillPrice: lastStatus.AvgFillPrice,
				Commission:   lastStatus.Commission,
				Deltas:       deltas,
			}
		}
		v.logger.Warn("Order likely filled: position changed without a settled fill status",
			"order_id", orderID, "symbol", symbol)
		return Result{
			Outcome: LikelyFilled,
			OrderID: orderID,
			Status:  lastStatus.Status,
			Deltas:  deltas,
			Detail:  "position changed but the gateway never confirmed the fill; verify manually before further orders",
		}
	}

	if statusKnown && lastStatus.Status == "Filled" {
		return Result{
			Outcome: Unverified,
			OrderID: orderID,
			Status:  lastStatus.Status,
			Detail:  "gateway reports a fill but the account shows no position change; do not assume the position exists",
		}
	}
	return Result{
		Outcome: Failed,
		OrderID: orderID,
		Status:  lastStatus.Status,
		Detail:  fmt.Sprintf("no fill and no position change within %s", opts.Timeout),
	}
}

// deltas compares current positions for symbol against the before snapshot.
func (v *Verifier) deltas(ctx context.Context, symbol string, before []ib.Position) ([]ib.Position, error) {
	after, err := v.gateway.Positions(ctx)
	if err != nil {
		return nil, err
	}

	prev := make(map[string]float64, len(before))
	for _, p := range before {
		prev[posKey(p)] = p.Quantity
	}

	var out []ib.Position
	seen := make(map[string]bool)
	for _, p := range after {
		if p.Symbol != symbol {
			continue
		}
		key := posKey(p)
		seen[key] = true
		if d := p.Quantity - prev[key]; d != 0 {
			p.Quantity = d
			out = append(out, p)
		}
	}
	// Positions that vanished entirely are also deltas.
	for _, p := range before {
		if p.Symbol != symbol || seen[posKey(p)] {
			continue
		}
		p.Quantity = -p.Quantity
		out = append(out, p)
	}
	return out, nil
}

func posKey(p ib.Position) string {
	return fmt.Sprintf("%s|%s|%s|%.2f|%s", p.Symbol, p.SecType, p.Expiry, p.Strike, p.Right)
}

// maxRetries bounds cancel-and-retry attempts in ExecuteVerified.
const maxRetries = 2

// Placer abstracts order submission for ExecuteVerified.
type Placer func(ctx context.Context) (orderID string, err error)

// ExecuteVerified runs the place-then-verify loop: snapshot positions, place,
// verify; on a Failed outcome cancel the remnant and retry, up to maxRetries.
// Unverified and LikelyFilled outcomes are returned as-is — retrying an
// ambiguous order risks doubling the position.
func (v *Verifier) ExecuteVerified(ctx context.Context, symbol string, place Placer, opts Options) (Result, error) {
	before, err := v.gateway.Positions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot positions: %w", err)
	}

	var res Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			v.logger.Info("Retrying order placement", "symbol", symbol, "attempt", attempt)
		}
		orderID, perr := place(ctx)
		if perr != nil {
			return Result{}, fmt.Errorf("place: %w", perr)
		}

		res = v.Verify(ctx, orderID, symbol, before, opts)
		if res.Outcome != Failed {
			return res, nil
		}

		if cerr := v.gateway.CancelOrder(ctx, orderID); cerr != nil && !errors.Is(cerr, ib.ErrUnknownOrder) {
			v.logger.Debug("Cancel after failed verification", "order_id", orderID, "error", cerr)
		}
	}
	return res, nil
}
