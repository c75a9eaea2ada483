package api

import (
	"github.com/google/uuid"

	"exchange/pkg/core"
)

// Request/response bodies for the REST surface and the WebSocket feed.

type RegisterRequest struct {
	Name string `json:"name"`
}

// RegisterResponse carries the plaintext API key; it is shown exactly
// once and never stored.
type RegisterResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	APIKey string `json:"api_key"`
}

type InstrumentBody struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

type InstrumentInfo struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// L2Book is the aggregated depth snapshot: price levels with total
// resting quantity, best price first on both sides.
type L2Book struct {
	BidLevels []core.PriceLevel `json:"bid_levels"`
	AskLevels []core.PriceLevel `json:"ask_levels"`
}

// CreateOrderRequest is the order submission body. A present price
// makes it a limit order; an absent price a market order.
type CreateOrderRequest struct {
	Direction string `json:"direction"` // "BUY" | "SELL"
	Ticker    string `json:"ticker"`
	Qty       int64  `json:"qty"`
	Price     *int64 `json:"price,omitempty"`
}

type CreateOrderResponse struct {
	Success bool          `json:"success"`
	OrderID string        `json:"order_id"`
	Status  string        `json:"status"`
	Filled  int64         `json:"filled"`
	Trades  []*core.Trade `json:"trades,omitempty"`
}

// OrderInfo is the read form of an order.
type OrderInfo struct {
	ID        string `json:"id"`
	Ticker    string `json:"ticker"`
	Direction string `json:"direction"`
	Type      string `json:"type"`
	Price     *int64 `json:"price,omitempty"` // limit orders only
	Qty       int64  `json:"qty"`
	Filled    int64  `json:"filled"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

func orderInfo(o *core.Order) OrderInfo {
	info := OrderInfo{
		ID:        o.ID.String(),
		Ticker:    o.Ticker,
		Direction: o.Side.String(),
		Type:      o.Type.String(),
		Qty:       o.Qty,
		Filled:    o.Filled,
		Status:    o.Status.String(),
		CreatedAt: o.CreatedAt,
	}
	if o.Type == core.Limit {
		price := o.Price
		info.Price = &price
	}
	return info
}

type BalanceOperation struct {
	UserID uuid.UUID `json:"user_id"`
	Ticker string    `json:"ticker"`
	Amount int64     `json:"amount"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest subscribes or unsubscribes feed channels, e.g.
// "orderbook:MEMCOIN" or "trades:MEMCOIN".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

// BookUpdate is broadcast on the orderbook:{ticker} channel whenever a
// match or cancel changes the book.
type BookUpdate struct {
	Type      string            `json:"type"` // "orderbook"
	Ticker    string            `json:"ticker"`
	BidLevels []core.PriceLevel `json:"bid_levels"`
	AskLevels []core.PriceLevel `json:"ask_levels"`
	Timestamp int64             `json:"timestamp"`
}

// TradeUpdate is broadcast on the trades:{ticker} channel per fill.
type TradeUpdate struct {
	Type      string `json:"type"` // "trade"
	Ticker    string `json:"ticker"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"qty"`
	TakerSide string `json:"taker_side"`
	Timestamp int64  `json:"timestamp"`
}
