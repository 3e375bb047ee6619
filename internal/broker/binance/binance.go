// Package binance implements the broker connector against the Binance spot
// REST and websocket APIs.
package binance

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"execution-core/internal/broker"
	"execution-core/pkg/logger"
)

// Config holds the venue credentials and environment selection.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// QuoteAsset is the balance reported as the account currency.
	// Defaults to USDT.
	QuoteAsset string
}

// Connector is the Binance spot implementation of broker.Connector.
//
// Spot has no native position ledger, so positions are tracked locally from
// execution reports: buys extend or open a long, sells reduce, close, or
// flip it, with realized PnL accumulated on reduction.
type Connector struct {
	cfg  Config
	rest *restClient
	wsURL string

	mu            sync.RWMutex
	connected     bool
	symbolByOrder map[string]string
	positions     map[string]*broker.Position
	lastPrice     map[string]decimal.Decimal
	orderListener broker.OrderUpdateListener
	mdListener    broker.MarketDataListener
	mdSymbols     []string
	userStreamOn  bool
	mdStreamOn    bool

	streamCtx    context.Context
	streamCancel context.CancelFunc
	streamWG     sync.WaitGroup
}

var _ broker.Connector = (*Connector)(nil)

// New builds an unconnected Binance connector.
func New(cfg Config) *Connector {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	wsURL := mainnetWSURL
	if cfg.Testnet {
		wsURL = testnetWSURL
	}
	return &Connector{
		cfg:           cfg,
		rest:          newRESTClient(cfg.APIKey, cfg.APISecret, cfg.Testnet),
		wsURL:         wsURL,
		symbolByOrder: make(map[string]string),
		positions:     make(map[string]*broker.Position),
		lastPrice:     make(map[string]decimal.Decimal),
	}
}

func (c *Connector) Name() string { return "binance" }

// Connect syncs the server clock and verifies the credentials with an
// account query. Streams start lazily when subscriptions are registered.
func (c *Connector) Connect(ctx context.Context) error {
	if err := c.rest.syncTime(ctx); err != nil {
		return err
	}
	if _, err := c.GetAccount(ctx); err != nil {
		return errors.Wrap(err, "credential check")
	}

	c.mu.Lock()
	c.connected = true
	c.streamCtx, c.streamCancel = context.WithCancel(context.Background())
	c.mu.Unlock()
	logger.Infof("binance: connected (testnet=%v)", c.cfg.Testnet)
	return nil
}

// Disconnect tears down the streams and marks the session closed.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.userStreamOn = false
	c.mdStreamOn = false
	cancel := c.streamCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.streamWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Info("binance: disconnected")
	return nil
}

func (c *Connector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAccount reports the quote-asset balance, with equity marked against the
// last known prices of the tracked positions.
func (c *Connector) GetAccount(ctx context.Context) (*broker.Account, error) {
	var out accountResponse
	if err := c.rest.signed(ctx, "GET", "/api/v3/account", nil, &out); err != nil {
		return nil, err
	}

	balance := decimal.Zero
	for _, b := range out.Balances {
		if b.Asset == c.cfg.QuoteAsset {
			balance = b.Free.Add(b.Locked)
			break
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	unrealized := decimal.Zero
	positions := make(map[string]*broker.Position, len(c.positions))
	for sym, p := range c.positions {
		cp := *p
		if last, ok := c.lastPrice[sym]; ok {
			cp.UnrealizedPnL = last.Sub(cp.EntryPrice).Mul(cp.Quantity)
		}
		unrealized = unrealized.Add(cp.UnrealizedPnL)
		positions[sym] = &cp
	}

	return &broker.Account{
		ID:         "binance-spot",
		Balance:    balance,
		Equity:     balance.Add(unrealized),
		FreeMargin: balance,
		Currency:   c.cfg.QuoteAsset,
		Positions:  positions,
		UpdatedAt:  msToTime(out.UpdateTime),
	}, nil
}

// GetPositions returns the locally tracked positions marked to the last
// known price.
func (c *Connector) GetPositions(ctx context.Context) ([]*broker.Position, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*broker.Position, 0, len(c.positions))
	for sym, p := range c.positions {
		cp := *p
		if last, ok := c.lastPrice[sym]; ok {
			cp.UnrealizedPnL = last.Sub(cp.EntryPrice).Mul(cp.Quantity)
		}
		out = append(out, &cp)
	}
	return out, nil
}

// PlaceOrder submits a new order and records its symbol for later cancel
// and query calls.
func (c *Connector) PlaceOrder(ctx context.Context, order *broker.Order) (*broker.Order, error) {
	apiType, ok := orderTypeToAPI(order.Type)
	if !ok {
		return nil, errors.Errorf("order type %s not supported on spot", order.Type)
	}

	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", sideToAPI(order.Side))
	params.Set("type", apiType)
	params.Set("quantity", order.Quantity.String())
	params.Set("newOrderRespType", "RESULT")
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}
	switch order.Type {
	case broker.OrderTypeLimit:
		params.Set("timeInForce", "GTC")
		params.Set("price", order.LimitPrice.String())
	case broker.OrderTypeStop:
		params.Set("stopPrice", order.StopPrice.String())
	case broker.OrderTypeStopLimit:
		params.Set("timeInForce", "GTC")
		params.Set("price", order.LimitPrice.String())
		params.Set("stopPrice", order.StopPrice.String())
	}

	var out orderResponse
	if err := c.rest.signed(ctx, "POST", "/api/v3/order", params, &out); err != nil {
		return nil, err
	}

	placed := out.toOrder()
	c.mu.Lock()
	c.symbolByOrder[placed.BrokerOrderID] = placed.Symbol
	c.mu.Unlock()
	return placed, nil
}

// ModifyOrder is rendered as cancel-then-place; spot has no in-place amend.
func (c *Connector) ModifyOrder(ctx context.Context, brokerOrderID string, updated *broker.Order) (*broker.Order, error) {
	if _, err := c.CancelOrder(ctx, brokerOrderID); err != nil {
		return nil, errors.Wrapf(err, "cancel leg of modify %s", brokerOrderID)
	}
	return c.PlaceOrder(ctx, updated)
}

// CancelOrder cancels by broker order id. An order the venue no longer
// knows is reported as not cancelled, without error.
func (c *Connector) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	symbol, err := c.symbolFor(ctx, brokerOrderID)
	if err != nil {
		return false, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", brokerOrderID)

	var out orderResponse
	if err := c.rest.signed(ctx, "DELETE", "/api/v3/order", params, &out); err != nil {
		if isUnknownOrder(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetOpenOrders lists all resting orders across symbols.
func (c *Connector) GetOpenOrders(ctx context.Context) ([]*broker.Order, error) {
	var out []orderResponse
	if err := c.rest.signed(ctx, "GET", "/api/v3/openOrders", nil, &out); err != nil {
		return nil, err
	}

	orders := make([]*broker.Order, 0, len(out))
	c.mu.Lock()
	for i := range out {
		o := out[i].toOrder()
		c.symbolByOrder[o.BrokerOrderID] = o.Symbol
		orders = append(orders, o)
	}
	c.mu.Unlock()
	return orders, nil
}

// GetOrder fetches a single order by broker order id.
func (c *Connector) GetOrder(ctx context.Context, brokerOrderID string) (*broker.Order, error) {
	symbol, err := c.symbolFor(ctx, brokerOrderID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", brokerOrderID)

	var out orderResponse
	if err := c.rest.signed(ctx, "GET", "/api/v3/order", params, &out); err != nil {
		return nil, err
	}
	return out.toOrder(), nil
}

// ClosePosition flattens the tracked position with a market order.
func (c *Connector) ClosePosition(ctx context.Context, symbol string) (bool, error) {
	c.mu.RLock()
	pos, ok := c.positions[symbol]
	var qty decimal.Decimal
	if ok {
		qty = pos.Quantity
	}
	c.mu.RUnlock()

	if !ok || qty.IsZero() {
		return false, nil
	}

	side := broker.SideSell
	if qty.IsNegative() {
		side = broker.SideBuy
	}
	_, err := c.PlaceOrder(ctx, &broker.Order{
		Symbol:   symbol,
		Side:     side,
		Type:     broker.OrderTypeMarket,
		Quantity: qty.Abs(),
	})
	if err != nil {
		return false, errors.Wrapf(err, "close %s", symbol)
	}
	return true, nil
}

// symbolFor resolves an order id to its symbol, falling back to an open
// order scan when the id was placed outside this session.
func (c *Connector) symbolFor(ctx context.Context, brokerOrderID string) (string, error) {
	c.mu.RLock()
	symbol, ok := c.symbolByOrder[brokerOrderID]
	c.mu.RUnlock()
	if ok {
		return symbol, nil
	}

	if _, err := c.GetOpenOrders(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	symbol, ok = c.symbolByOrder[brokerOrderID]
	c.mu.RUnlock()
	if !ok {
		return "", errors.Errorf("unknown order %s", brokerOrderID)
	}
	return symbol, nil
}

// applyFill folds one execution delta into the tracked position book.
func (c *Connector) applyFill(symbol string, side broker.Side, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	signed := qty
	if side == broker.SideSell {
		signed = qty.Neg()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	pos, ok := c.positions[symbol]
	if !ok || pos.Quantity.IsZero() {
		c.positions[symbol] = &broker.Position{
			Symbol:     symbol,
			Quantity:   signed,
			EntryPrice: price,
			OpenedAt:   now,
			UpdatedAt:  now,
		}
		return
	}

	sameDirection := pos.Quantity.Sign() == signed.Sign()
	if sameDirection {
		total := pos.Quantity.Add(signed)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity.Abs()).
			Add(price.Mul(signed.Abs())).
			Div(total.Abs())
		pos.Quantity = total
		pos.UpdatedAt = now
		return
	}

	closing := decimal.Min(pos.Quantity.Abs(), signed.Abs())
	pnl := price.Sub(pos.EntryPrice).Mul(closing)
	if pos.Quantity.IsNegative() {
		pnl = pnl.Neg()
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)

	remaining := pos.Quantity.Add(signed)
	if remaining.IsZero() {
		delete(c.positions, symbol)
		return
	}
	if remaining.Sign() != pos.Quantity.Sign() {
		// Flip: the surplus opens a fresh position at the fill price.
		pos.EntryPrice = price
		pos.OpenedAt = now
	}
	pos.Quantity = remaining
	pos.UpdatedAt = now
}

func isUnknownOrder(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "code -2011") || strings.Contains(msg, "Unknown order")
}
