// Package adapter defines what the worker system needs from an exchange
// connection and from the credential store. The wire protocol of each
// exchange lives behind TradingAdapter.
package adapter

import (
	"context"
	"time"

	"agentrunner/internal/model"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects market or limit execution.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// AccountState is the exchange's view of the whole account.
type AccountState struct {
	Equity           float64 `json:"equity"`
	AvailableBalance float64 `json:"available_balance"`
	MarginUsed       float64 `json:"margin_used"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
}

// ExchangePosition is one position as reported by the exchange.
type ExchangePosition struct {
	Symbol        string             `json:"symbol"`
	Side          model.PositionSide `json:"side"`
	Size          float64            `json:"size"`
	EntryPrice    float64            `json:"entry_price"`
	MarkPrice     float64            `json:"mark_price"`
	Leverage      int                `json:"leverage"`
	UnrealizedPnL float64            `json:"unrealized_pnl"`
}

// Signed is positive for long and negative for short.
func (p ExchangePosition) Signed() float64 {
	if p.Side == model.SideShort {
		return -p.Size
	}
	return p.Size
}

// OrderRequest is a generic order.
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Type       OrderType `json:"type"`
	Size       float64   `json:"size"`
	Price      float64   `json:"price,omitempty"`
	Leverage   int       `json:"leverage,omitempty"`
	ReduceOnly bool      `json:"reduce_only,omitempty"`
}

// OrderResult is the fill report of an order.
type OrderResult struct {
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	FilledSize float64   `json:"filled_size"`
	FilledUSD  float64   `json:"filled_usd"`
	AvgPrice   float64   `json:"avg_price"`
	At         time.Time `json:"at"`
}

// MarketData is the latest quote of a symbol.
type MarketData struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	At     time.Time `json:"at"`
}

// TradingAdapter is an authenticated exchange session. The worker treats it
// as opaque apart from Healthy, GetPositions and Close.
type TradingAdapter interface {
	Initialize(ctx context.Context) error
	// Healthy reports whether the session can still serve requests.
	Healthy(ctx context.Context) bool
	GetAccountState(ctx context.Context) (AccountState, error)
	GetPositions(ctx context.Context) ([]ExchangePosition, error)
	OpenLong(ctx context.Context, symbol string, sizeUSD float64, leverage int) (OrderResult, error)
	OpenShort(ctx context.Context, symbol string, sizeUSD float64, leverage int) (OrderResult, error)
	ClosePosition(ctx context.Context, symbol string) (OrderResult, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetMarketData(ctx context.Context, symbol string) (MarketData, error)
	Close() error
}
