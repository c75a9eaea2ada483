package core

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Side is the direction of an order.
type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the side a taker matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide parses the wire form ("BUY"/"SELL").
func ParseSide(v string) (Side, error) {
	switch v {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: bad side %q", ErrInvalidOrder, v)
	}
}

// OrderType distinguishes the two order variants. A Limit order carries
// a price and may rest on the book; a Market order never carries a
// price and never rests. Orders are built through NewLimit/NewMarket so
// the price field is populated iff the type is Limit.
type OrderType int8

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "LIMIT"
	case Market:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus is the lifecycle state of an order. Transitions are
// monotonic: New -> PartiallyFilled -> Filled, with Cancelled reachable
// from New and PartiallyFilled only. Filled and Cancelled are terminal.
type OrderStatus int8

const (
	StatusNew OrderStatus = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Order is the authoritative order record. Prices are integer ticks,
// quantities integer lots (all arithmetic stays in int64).
type Order struct {
	ID     uuid.UUID   `json:"id"`
	UserID uuid.UUID   `json:"userId"`
	Ticker string      `json:"ticker"`
	Side   Side        `json:"side"`
	Type   OrderType   `json:"type"`
	Price  int64       `json:"price"` // set iff Type == Limit
	Qty    int64       `json:"qty"`
	Filled int64       `json:"filled"`
	Status OrderStatus `json:"status"`

	// Seq is the venue-wide arrival sequence, the time component of
	// price-time priority. Assigned once at admission.
	Seq uint64 `json:"seq"`

	CreatedAt int64 `json:"createdAt"` // unix ms
	UpdatedAt int64 `json:"updatedAt"`
}

// NewLimit builds a limit order. Validation beyond the variant shape
// (positive qty/price, instrument checks) happens at admission.
func NewLimit(userID uuid.UUID, ticker string, side Side, price, qty int64) *Order {
	o := newOrder(userID, ticker, side, qty)
	o.Type = Limit
	o.Price = price
	return o
}

// NewMarket builds a market order. Price stays zero and is never read
// by the book or the matching loop for this variant.
func NewMarket(userID uuid.UUID, ticker string, side Side, qty int64) *Order {
	o := newOrder(userID, ticker, side, qty)
	o.Type = Market
	return o
}

func newOrder(userID uuid.UUID, ticker string, side Side, qty int64) *Order {
	now := time.Now().UnixMilli()
	return &Order{
		ID:        uuid.New(),
		UserID:    userID,
		Ticker:    ticker,
		Side:      side,
		Qty:       qty,
		Status:    StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Qty - o.Filled
}

// IsTerminal reports whether the order can never fill again.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

// Trade is the immutable record of one fill. Created exactly once per
// fill, never mutated.
type Trade struct {
	ID          uuid.UUID `json:"id"`
	Ticker      string    `json:"ticker"`
	Price       int64     `json:"price"`
	Qty         int64     `json:"qty"`
	BuyOrderID  uuid.UUID `json:"buyOrderId"`
	SellOrderID uuid.UUID `json:"sellOrderId"`
	TakerSide   Side      `json:"takerSide"`
	Timestamp   int64     `json:"timestamp"` // unix ms
}

var tickerRe = regexp.MustCompile(`^[A-Z]{2,10}$`)

// ValidTicker reports whether v is a well-formed instrument ticker
// (2-10 uppercase letters).
func ValidTicker(v string) bool {
	return tickerRe.MatchString(v)
}

// Instrument is a tradable symbol. Immutable once created except for
// deactivation: an inactive instrument accepts no new orders, but its
// resting orders stay on the book until matched or cancelled.
type Instrument struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Role separates admin operations (instrument CRUD, deposits) from
// regular trading users.
type Role int8

const (
	RoleUser Role = iota
	RoleAdmin
)

func (r Role) String() string {
	if r == RoleAdmin {
		return "ADMIN"
	}
	return "USER"
}

// User is a registered account. The API key itself is never stored;
// only its digest lives in the ledger (see pkg/user).
type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	CreatedAt int64     `json:"createdAt"`
}
