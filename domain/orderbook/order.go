package orderbook

import "strings"

type Side uint8
type Kind uint8
type Status uint8
type MarginMode uint8

const (
	Buy Side = iota
	Sell
)

const (
	Limit Kind = iota
	Market
)

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
)

const (
	Cross MarginMode = iota
	Isolated
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == Buy {
		return 1
	}
	return -1
}

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

func (k Kind) String() string {
	if k == Market {
		return "MARKET"
	}
	return "LIMIT"
}

func (s Status) String() string {
	switch s {
	case Open:
		return "OPEN"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

func (m MarginMode) String() string {
	if m == Isolated {
		return "ISOLATED"
	}
	return "CROSS"
}

// ParseSide accepts BUY or SELL in any case.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(s) {
	case "BUY":
		return Buy, true
	case "SELL":
		return Sell, true
	}
	return Buy, false
}

// ParseMarginMode accepts CROSS or ISOLATED in any case; empty means CROSS.
func ParseMarginMode(s string) (MarginMode, bool) {
	switch strings.ToUpper(s) {
	case "", "CROSS":
		return Cross, true
	case "ISOLATED":
		return Isolated, true
	}
	return Cross, false
}

// Order is a pure domain entity. Reserved is the part of the owner's margin
// reservation still attributed to the unfilled remainder; the book never
// reads it.
type Order struct {
	ID        uint64
	Market    string
	Owner     string
	Side      Side
	Kind      Kind
	Price     int64
	Size      int64
	Filled    int64
	Status    Status
	CreatedAt int64

	Mode       MarginMode
	Reserved   int64
	ReduceOnly bool

	next  *Order
	prev  *Order
	level *PriceLevel
}

func (o *Order) Remaining() int64 {
	return o.Size - o.Filled
}

// Live reports whether the order can still trade.
func (o *Order) Live() bool {
	return o.Status == Open || o.Status == PartiallyFilled
}

func (o *Order) fill(qty int64) {
	o.Filled += qty
	if o.Filled == o.Size {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
}

// Next walks the FIFO queue of the order's price level.
func (o *Order) Next() *Order {
	return o.next
}
