package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/broker"
)

// recordingListener captures push events for assertions.
type recordingListener struct {
	filled    chan *broker.Order
	cancelled chan *broker.Order
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		filled:    make(chan *broker.Order, 8),
		cancelled: make(chan *broker.Order, 8),
	}
}

func (l *recordingListener) OnOrderUpdate(o *broker.Order)    {}
func (l *recordingListener) OnOrderFilled(o *broker.Order)    { l.filled <- o }
func (l *recordingListener) OnOrderCancelled(o *broker.Order) { l.cancelled <- o }
func (l *recordingListener) OnOrderError(id, msg string)      {}

func waitOrder(t *testing.T, ch chan *broker.Order) *broker.Order {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for order event")
		return nil
	}
}

// quietConfig keeps the synthetic feed still so prices are deterministic.
func quietConfig() Config {
	return Config{
		InitialBalance: decimal.NewFromInt(10000),
		StartPrice:     decimal.NewFromInt(100),
		TickInterval:   time.Hour,
	}
}

func connected(t *testing.T, cfg Config) (*Connector, *recordingListener) {
	t.Helper()
	c := New(cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect(context.Background()) })
	listener := newRecordingListener()
	c.SubscribeOrderUpdates(listener)
	return c, listener
}

func marketBuy(symbol string, qty int64) *broker.Order {
	return &broker.Order{
		Symbol:   symbol,
		Side:     broker.SideBuy,
		Type:     broker.OrderTypeMarket,
		Quantity: decimal.NewFromInt(qty),
	}
}

func TestPlaceOrderRequiresConnection(t *testing.T) {
	c := New(quietConfig())
	_, err := c.PlaceOrder(context.Background(), marketBuy("BTCUSDT", 1))
	require.Error(t, err)
}

func TestMarketOrderFillsAndOpensPosition(t *testing.T) {
	c, listener := connected(t, quietConfig())

	placed, err := c.PlaceOrder(context.Background(), marketBuy("BTCUSDT", 2))
	require.NoError(t, err)
	assert.Equal(t, broker.StatusAccepted, placed.Status)
	assert.NotEmpty(t, placed.BrokerOrderID)

	filled := waitOrder(t, listener.filled)
	assert.Equal(t, placed.BrokerOrderID, filled.BrokerOrderID)
	assert.Equal(t, broker.StatusFilled, filled.Status)
	assert.True(t, filled.FilledQty.Equal(filled.Quantity))
	assert.True(t, filled.AvgFillPrice.Equal(decimal.NewFromInt(100)))

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, positions[0].EntryPrice.Equal(decimal.NewFromInt(100)))

	orders, err := c.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders, "filled order must leave the book")
}

func TestCancelRestingLimitOrder(t *testing.T) {
	c, listener := connected(t, quietConfig())

	placed, err := c.PlaceOrder(context.Background(), &broker.Order{
		Symbol:     "BTCUSDT",
		Side:       broker.SideBuy,
		Type:       broker.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(1),
		LimitPrice: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	ok, err := c.CancelOrder(context.Background(), placed.BrokerOrderID)
	require.NoError(t, err)
	assert.True(t, ok)

	cancelled := waitOrder(t, listener.cancelled)
	assert.Equal(t, broker.StatusCancelled, cancelled.Status)

	_, err = c.CancelOrder(context.Background(), placed.BrokerOrderID)
	assert.Error(t, err, "second cancel of the same order must fail")
}

func TestSellReducesThenCloseFlattens(t *testing.T) {
	c, listener := connected(t, quietConfig())

	_, err := c.PlaceOrder(context.Background(), marketBuy("ETHUSDT", 2))
	require.NoError(t, err)
	waitOrder(t, listener.filled)

	sell := marketBuy("ETHUSDT", 1)
	sell.Side = broker.SideSell
	_, err = c.PlaceOrder(context.Background(), sell)
	require.NoError(t, err)
	waitOrder(t, listener.filled)

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(1)))
	// Flat price walk: no pnl realized on the reduction.
	assert.True(t, positions[0].RealizedPnL.IsZero())

	closed, err := c.ClosePosition(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, closed)

	positions, err = c.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	closed, err = c.ClosePosition(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.False(t, closed, "closing a flat symbol reports false")
}

func TestSellThroughZeroFlips(t *testing.T) {
	c, listener := connected(t, quietConfig())

	_, err := c.PlaceOrder(context.Background(), marketBuy("BTCUSDT", 1))
	require.NoError(t, err)
	waitOrder(t, listener.filled)

	sell := marketBuy("BTCUSDT", 3)
	sell.Side = broker.SideSell
	_, err = c.PlaceOrder(context.Background(), sell)
	require.NoError(t, err)
	waitOrder(t, listener.filled)

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(-2)))
	assert.True(t, positions[0].EntryPrice.Equal(decimal.NewFromInt(100)))
}

func TestFeesReduceBalance(t *testing.T) {
	cfg := quietConfig()
	cfg.FeeRate = decimal.NewFromFloat(0.001)
	c, listener := connected(t, cfg)

	_, err := c.PlaceOrder(context.Background(), marketBuy("BTCUSDT", 1))
	require.NoError(t, err)
	waitOrder(t, listener.filled)

	account, err := c.GetAccount(context.Background())
	require.NoError(t, err)
	// 10000 - 100*1*0.001
	assert.True(t, account.Balance.Equal(decimal.NewFromFloat(9999.9)),
		"balance = %s", account.Balance)
}
