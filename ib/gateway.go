// Package ib is the client layer for an IBKR-style trading gateway: the
// Gateway port, the Session that owns connection identity and health, the
// market-data line Budget, and the Pricer that snapshots option quotes.
package ib

import (
	"context"
	"errors"
	"time"
)

// Market data modes understood by the gateway.
const (
	DataModeLive    = 1
	DataModeDelayed = 3
)

// Sentinel errors surfaced by gateway implementations. Session logic keys off
// these; wrap them rather than replacing them.
var (
	ErrClientIDInUse   = errors.New("client id already in use")
	ErrNotConnected    = errors.New("gateway not connected")
	ErrUnknownOrder    = errors.New("unknown order id")
	ErrUnknownContract = errors.New("contract could not be qualified")
)

// Quote is a market-data snapshot for a single contract.
type Quote struct {
	Symbol       string    `json:"symbol"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Last         float64   `json:"last"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	Delta        float64   `json:"delta"`
	Gamma        float64   `json:"gamma"`
	Theta        float64   `json:"theta"`
	Vega         float64   `json:"vega"`
	IV           float64   `json:"iv"`
	Delayed      bool      `json:"delayed"`
	Time         time.Time `json:"time"`
}

// Complete reports whether the snapshot has a usable two-sided market.
func (q Quote) Complete() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// ContractSpec identifies a contract for qualification and subscription.
// Strike and Right are zero-valued for stock contracts.
type ContractSpec struct {
	Symbol   string  `json:"symbol"`
	SecType  string  `json:"sec_type"` // "OPT" or "STK"
	Expiry   string  `json:"expiry"`   // YYYYMMDD
	Strike   float64 `json:"strike"`
	Right    string  `json:"right"` // "C" or "P"
	Exchange string  `json:"exchange"`
	ConID    int64   `json:"con_id,omitempty"`
}

// ComboLeg is one leg of an atomic multi-leg order.
type ComboLeg struct {
	ConID  int64  `json:"con_id"`
	Ratio  int    `json:"ratio"`
	Action string `json:"action"` // "BUY" or "SELL"
}

// OrderSpec is the gateway-facing order: either a single qualified contract
// or a combo of qualified legs, never both.
type OrderSpec struct {
	Contract   *ContractSpec `json:"contract,omitempty"`
	ComboLegs  []ComboLeg    `json:"combo_legs,omitempty"`
	Symbol     string        `json:"symbol"`
	Action     string        `json:"action"`
	Quantity   int           `json:"quantity"`
	OrderType  string        `json:"order_type"` // "LMT"
	LimitPrice float64       `json:"limit_price"`
	TIF        string        `json:"tif"` // "GTC" or "DAY"
}

// OrderState is the gateway's view of a placed order.
type OrderState struct {
	OrderID      string  `json:"order_id"`
	Status       string  `json:"status"` // Submitted, Filled, Cancelled, ApiCancelled, Inactive
	Filled       int     `json:"filled"`
	Remaining    int     `json:"remaining"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	Commission   float64 `json:"commission"`
}

// Terminal reports whether the order can no longer fill.
func (s OrderState) Terminal() bool {
	switch s.Status {
	case "Cancelled", "ApiCancelled", "Inactive":
		return true
	}
	return false
}

// Position is a single account position.
type Position struct {
	Symbol   string  `json:"symbol"`
	SecType  string  `json:"sec_type"`
	Expiry   string  `json:"expiry,omitempty"`
	Strike   float64 `json:"strike,omitempty"`
	Right    string  `json:"right,omitempty"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
}

// AccountSummary is the subset of account values risk checks need.
type AccountSummary struct {
	Account        string  `json:"account"`
	NetLiquidation float64 `json:"net_liquidation"`
	BuyingPower    float64 `json:"buying_power"`
	AvailableFunds float64 `json:"available_funds"`
}

// Gateway is the port to the brokerage client underneath. Implementations
// must be safe for concurrent use. The wire protocol itself is out of scope
// here; the paper package provides an in-memory implementation and a live
// adapter plugs into the same interface.
type Gateway interface {
	// Connect dials the gateway claiming the given client id. Returns
	// ErrClientIDInUse when another session holds that identity.
	Connect(ctx context.Context, host string, port int, clientID int) error
	Disconnect() error
	IsConnected() bool

	// Ping verifies the peer is responsive. Used by the heartbeat monitor.
	Ping(ctx context.Context) error

	// SetMarketDataType selects live or delayed data for the session.
	SetMarketDataType(mode int) error

	// Qualify resolves a contract to a tradeable ConID. Ambiguous or unknown
	// contracts return ErrUnknownContract.
	Qualify(ctx context.Context, spec ContractSpec) (ContractSpec, error)

	// Subscribe opens a market-data line and returns its ticker id.
	// The caller owns the line and must Unsubscribe it.
	Subscribe(ctx context.Context, spec ContractSpec) (int, error)
	Unsubscribe(tickerID int) error
	Snapshot(tickerID int) (Quote, bool)

	PlaceOrder(ctx context.Context, spec OrderSpec) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (OrderState, error)

	Positions(ctx context.Context) ([]Position, error)
	AccountSummary(ctx context.Context) (AccountSummary, error)
}
