package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes supported order types.
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeStop         OrderType = "STOP"
	OrderTypeStopLimit    OrderType = "STOP_LIMIT"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP"
)

// OrderStatus normalizes broker order state into a small set.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusAccepted        OrderStatus = "ACCEPTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is valid from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Order represents a trading order and its broker-reported lifecycle.
//
// BrokerOrderID is assigned by the broker on acceptance; ClientOrderID is
// generated locally at creation and stays stable for the order's lifetime.
type Order struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal // zero when not a limit/stop-limit order
	StopPrice     decimal.Decimal // zero when no stop is attached
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsFullyFilled checks if the order is completely filled.
func (o *Order) IsFullyFilled() bool {
	return o.FilledQty.GreaterThanOrEqual(o.Quantity)
}

// IsPartiallyFilled checks if the order has a partial fill outstanding.
func (o *Order) IsPartiallyFilled() bool {
	return o.FilledQty.IsPositive() && o.FilledQty.LessThan(o.Quantity)
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// UpdateFill records a cumulative filled quantity and derives the status.
// Filled quantity is clamped so it never exceeds the requested quantity.
func (o *Order) UpdateFill(filledQty, avgPrice decimal.Decimal) {
	if filledQty.GreaterThan(o.Quantity) {
		filledQty = o.Quantity
	}
	o.FilledQty = filledQty
	if avgPrice.IsPositive() {
		o.AvgFillPrice = avgPrice
	}
	if o.IsFullyFilled() {
		o.Status = StatusFilled
	} else if o.IsPartiallyFilled() {
		o.Status = StatusPartiallyFilled
	}
	o.UpdatedAt = time.Now()
}

// Clone returns a shallow copy; decimal values are immutable so this is a
// safe snapshot for handing across goroutines.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// Account is a wholesale broker account snapshot. A refresh replaces the
// previous snapshot entirely; there is no merge.
type Account struct {
	ID          string
	Balance     decimal.Decimal
	Equity      decimal.Decimal
	Margin      decimal.Decimal
	FreeMargin  decimal.Decimal
	MarginLevel decimal.Decimal
	Currency    string
	Positions   map[string]*Position
	UpdatedAt   time.Time
}

// OpenPositionCount returns the number of non-flat positions in the snapshot.
func (a *Account) OpenPositionCount() int {
	n := 0
	for _, p := range a.Positions {
		if p != nil && !p.IsClosed() {
			n++
		}
	}
	return n
}

// Position is a signed per-symbol exposure: positive quantity is long,
// negative is short, zero is closed.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

func (p *Position) IsLong() bool   { return p.Quantity.IsPositive() }
func (p *Position) IsShort() bool  { return p.Quantity.IsNegative() }
func (p *Position) IsClosed() bool { return p.Quantity.IsZero() }
