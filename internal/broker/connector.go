package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Connector abstracts a broker/trading venue. Implementations are selected at
// construction time by configuration; the rest of the core depends only on
// this interface.
//
// Calls are synchronous; callers that must not block compose them through the
// ledger's worker pool. Every blocking call takes a context.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Name() string

	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]*Position, error)

	PlaceOrder(ctx context.Context, order *Order) (*Order, error)
	ModifyOrder(ctx context.Context, brokerOrderID string, order *Order) (*Order, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
	GetOpenOrders(ctx context.Context) ([]*Order, error)
	GetOrder(ctx context.Context, brokerOrderID string) (*Order, error)
	ClosePosition(ctx context.Context, symbol string) (bool, error)

	SubscribeMarketData(symbols []string, listener MarketDataListener) error
	SubscribeOrderUpdates(listener OrderUpdateListener)
}

// MarketDataListener receives price events pushed by a connector.
type MarketDataListener interface {
	OnPriceUpdate(symbol string, bid, ask decimal.Decimal, ts time.Time)
	OnMarketDataError(msg string)
}

// OrderUpdateListener receives order lifecycle events pushed by a connector.
type OrderUpdateListener interface {
	OnOrderUpdate(order *Order)
	OnOrderFilled(order *Order)
	OnOrderCancelled(order *Order)
	OnOrderError(brokerOrderID string, msg string)
}
