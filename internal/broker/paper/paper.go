// Package paper implements a simulated broker connector: orders are matched
// against a synthetic random-walk price feed with configurable latency,
// slippage, and fees. It backs local runs and tests without venue
// credentials.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"execution-core/internal/broker"
	"execution-core/pkg/logger"
)

// Config controls the simulation.
type Config struct {
	InitialBalance decimal.Decimal
	FeeRate        decimal.Decimal // e.g. 0.0004 = 4 bps per fill
	SlippageBps    decimal.Decimal // applied against the taker on market fills
	Latency        time.Duration   // simulated venue round-trip on fills
	TickInterval   time.Duration   // synthetic feed tick period
	StartPrice     decimal.Decimal // initial price for every symbol
	Step           decimal.Decimal // random-walk step size
}

func (c *Config) applyDefaults() {
	if !c.InitialBalance.IsPositive() {
		c.InitialBalance = decimal.NewFromInt(10000)
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if !c.StartPrice.IsPositive() {
		c.StartPrice = decimal.NewFromInt(100)
	}
	if !c.Step.IsPositive() {
		c.Step = decimal.NewFromFloat(0.5)
	}
}

// Connector is an in-memory broker.Connector implementation.
type Connector struct {
	cfg Config

	mu        sync.RWMutex
	connected bool
	nextID    int64
	balance   decimal.Decimal
	prices    map[string]decimal.Decimal
	positions map[string]*broker.Position
	open      map[string]*broker.Order

	mdSymbols  []string
	mdListener broker.MarketDataListener
	ouListener broker.OrderUpdateListener

	stopTicks context.CancelFunc
	rng       *rand.Rand
}

// New creates a paper connector.
func New(cfg Config) *Connector {
	cfg.applyDefaults()
	return &Connector{
		cfg:       cfg,
		balance:   cfg.InitialBalance,
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[string]*broker.Position),
		open:      make(map[string]*broker.Order),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Connector) Name() string { return "paper" }

func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	c.connected = true

	tickCtx, cancel := context.WithCancel(context.Background())
	c.stopTicks = cancel
	go c.runTicks(tickCtx)

	logger.Infof("paper: connected (balance=%s)", c.balance)
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	if c.stopTicks != nil {
		c.stopTicks()
		c.stopTicks = nil
	}
	logger.Info("paper: disconnected")
	return nil
}

func (c *Connector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Connector) SubscribeMarketData(symbols []string, listener broker.MarketDataListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mdSymbols = append([]string(nil), symbols...)
	c.mdListener = listener
	for _, sym := range symbols {
		if _, ok := c.prices[sym]; !ok {
			c.prices[sym] = c.cfg.StartPrice
		}
	}
	return nil
}

func (c *Connector) SubscribeOrderUpdates(listener broker.OrderUpdateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ouListener = listener
}

// PlaceOrder accepts the order and schedules its fill. Market orders fill
// after the configured latency; limit/stop orders rest until the synthetic
// feed crosses them.
func (c *Connector) PlaceOrder(ctx context.Context, order *broker.Order) (*broker.Order, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, errors.New("paper: not connected")
	}
	if !order.Quantity.IsPositive() {
		c.mu.Unlock()
		return nil, errors.New("paper: quantity must be positive")
	}

	c.nextID++
	placed := order.Clone()
	placed.BrokerOrderID = fmt.Sprintf("paper-%d", c.nextID)
	placed.Status = broker.StatusAccepted
	placed.UpdatedAt = time.Now()
	c.open[placed.BrokerOrderID] = placed

	if _, ok := c.prices[placed.Symbol]; !ok {
		c.prices[placed.Symbol] = c.cfg.StartPrice
	}
	c.mu.Unlock()

	if placed.Type == broker.OrderTypeMarket {
		go func() {
			if c.cfg.Latency > 0 {
				time.Sleep(c.cfg.Latency)
			}
			c.fillAtMarket(placed.BrokerOrderID)
		}()
	}
	return placed.Clone(), nil
}

func (c *Connector) ModifyOrder(ctx context.Context, brokerOrderID string, order *broker.Order) (*broker.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.open[brokerOrderID]
	if !ok {
		return nil, errors.Errorf("paper: unknown order %s", brokerOrderID)
	}
	modified := order.Clone()
	modified.BrokerOrderID = existing.BrokerOrderID
	modified.ClientOrderID = existing.ClientOrderID
	modified.Status = broker.StatusAccepted
	modified.UpdatedAt = time.Now()
	c.open[brokerOrderID] = modified
	return modified.Clone(), nil
}

func (c *Connector) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	c.mu.Lock()
	o, ok := c.open[brokerOrderID]
	if !ok {
		c.mu.Unlock()
		return false, errors.Errorf("paper: unknown order %s", brokerOrderID)
	}
	delete(c.open, brokerOrderID)
	cancelled := o.Clone()
	cancelled.Status = broker.StatusCancelled
	cancelled.UpdatedAt = time.Now()
	listener := c.ouListener
	c.mu.Unlock()

	if listener != nil {
		listener.OnOrderCancelled(cancelled)
	}
	return true, nil
}

func (c *Connector) GetOpenOrders(ctx context.Context) ([]*broker.Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*broker.Order, 0, len(c.open))
	for _, o := range c.open {
		out = append(out, o.Clone())
	}
	return out, nil
}

func (c *Connector) GetOrder(ctx context.Context, brokerOrderID string) (*broker.Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if o, ok := c.open[brokerOrderID]; ok {
		return o.Clone(), nil
	}
	return nil, errors.Errorf("paper: unknown order %s", brokerOrderID)
}

func (c *Connector) GetAccount(ctx context.Context) (*broker.Account, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	equity := c.balance
	positions := make(map[string]*broker.Position, len(c.positions))
	for sym, p := range c.positions {
		cp := *p
		cp.UnrealizedPnL = c.unrealizedLocked(p)
		equity = equity.Add(cp.UnrealizedPnL)
		positions[sym] = &cp
	}

	return &broker.Account{
		ID:         "paper-account",
		Balance:    c.balance,
		Equity:     equity,
		FreeMargin: c.balance,
		Currency:   "USDT",
		Positions:  positions,
		UpdatedAt:  time.Now(),
	}, nil
}

func (c *Connector) GetPositions(ctx context.Context) ([]*broker.Position, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*broker.Position, 0, len(c.positions))
	for _, p := range c.positions {
		cp := *p
		cp.UnrealizedPnL = c.unrealizedLocked(p)
		out = append(out, &cp)
	}
	return out, nil
}

// ClosePosition flattens the symbol at the current synthetic price.
func (c *Connector) ClosePosition(ctx context.Context, symbol string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.positions[symbol]
	if !ok || p.IsClosed() {
		return false, nil
	}
	price := c.prices[symbol]
	realized := p.EntryPrice.Sub(price).Mul(p.Quantity).Neg() // (price-entry)*qty
	c.balance = c.balance.Add(realized)
	delete(c.positions, symbol)

	logger.WithFields(map[string]any{
		"symbol": symbol,
		"price":  price,
		"pnl":    realized,
	}).Info("paper: position closed")
	return true, nil
}

// fillAtMarket fills a resting order at the current price plus slippage.
func (c *Connector) fillAtMarket(brokerOrderID string) {
	c.mu.Lock()
	o, ok := c.open[brokerOrderID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.open, brokerOrderID)

	price := c.prices[o.Symbol]
	if slip := c.cfg.SlippageBps; slip.IsPositive() {
		frac := slip.Div(decimal.NewFromInt(10000)).Mul(decimal.NewFromFloat(c.rng.Float64()))
		if o.Side == broker.SideBuy {
			price = price.Mul(decimal.NewFromInt(1).Add(frac))
		} else {
			price = price.Mul(decimal.NewFromInt(1).Sub(frac))
		}
	}

	filled := o.Clone()
	filled.Status = broker.StatusFilled
	filled.FilledQty = filled.Quantity
	filled.AvgFillPrice = price
	filled.UpdatedAt = time.Now()

	c.applyFillLocked(filled, price)
	listener := c.ouListener
	c.mu.Unlock()

	if listener != nil {
		listener.OnOrderFilled(filled)
	}
}

// applyFillLocked books a fill into balance and positions. Caller holds mu.
func (c *Connector) applyFillLocked(o *broker.Order, price decimal.Decimal) {
	notional := o.Quantity.Mul(price)
	fee := notional.Mul(c.cfg.FeeRate)
	c.balance = c.balance.Sub(fee)

	signed := o.Quantity
	if o.Side == broker.SideSell {
		signed = signed.Neg()
	}

	p, ok := c.positions[o.Symbol]
	if !ok {
		now := time.Now()
		c.positions[o.Symbol] = &broker.Position{
			Symbol:     o.Symbol,
			Quantity:   signed,
			EntryPrice: price,
			OpenedAt:   now,
			UpdatedAt:  now,
		}
		return
	}

	oldQty := p.Quantity
	newQty := oldQty.Add(signed)

	switch {
	case oldQty.Sign() == signed.Sign() || oldQty.IsZero():
		// Adding to the same direction: blend the entry price.
		if !newQty.IsZero() {
			p.EntryPrice = p.EntryPrice.Mul(oldQty).Add(price.Mul(signed)).Div(newQty)
		}
	case newQty.Sign() == oldQty.Sign() || newQty.IsZero():
		// Reducing (possibly to flat): realize pnl on the reduced amount.
		reduced := signed.Abs()
		pnl := price.Sub(p.EntryPrice).Mul(reduced)
		if oldQty.IsNegative() {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		c.balance = c.balance.Add(pnl)
	default:
		// Flipped through zero: realize on the old exposure, re-enter.
		closedQty := oldQty.Abs()
		pnl := price.Sub(p.EntryPrice).Mul(closedQty)
		if oldQty.IsNegative() {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		c.balance = c.balance.Add(pnl)
		p.EntryPrice = price
	}

	p.Quantity = newQty
	p.UpdatedAt = time.Now()
	if newQty.IsZero() {
		delete(c.positions, o.Symbol)
	}
}

func (c *Connector) unrealizedLocked(p *broker.Position) decimal.Decimal {
	price, ok := c.prices[p.Symbol]
	if !ok {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Mul(p.Quantity)
}

// runTicks drives the synthetic random-walk feed and matches resting orders.
func (c *Connector) runTicks(ctx context.Context) {
	t := time.NewTicker(c.cfg.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.tick()
		}
	}
}

func (c *Connector) tick() {
	c.mu.Lock()
	spread := c.cfg.Step.Div(decimal.NewFromInt(4))
	now := time.Now()

	type priceUpdate struct {
		symbol   string
		bid, ask decimal.Decimal
	}
	var updates []priceUpdate
	for sym, price := range c.prices {
		move := decimal.NewFromFloat(c.rng.Float64()*2 - 1).Mul(c.cfg.Step)
		price = price.Add(move)
		if !price.IsPositive() {
			price = c.cfg.Step
		}
		c.prices[sym] = price
		updates = append(updates, priceUpdate{
			symbol: sym,
			bid:    price.Sub(spread),
			ask:    price.Add(spread),
		})
	}

	var triggered []string
	for id, o := range c.open {
		price := c.prices[o.Symbol]
		if c.crossesLocked(o, price) {
			triggered = append(triggered, id)
		}
	}
	listener := c.mdListener
	c.mu.Unlock()

	if listener != nil {
		for _, u := range updates {
			listener.OnPriceUpdate(u.symbol, u.bid, u.ask, now)
		}
	}
	for _, id := range triggered {
		c.fillAtMarket(id)
	}
}

// crossesLocked reports whether the synthetic price reaches the order.
func (c *Connector) crossesLocked(o *broker.Order, price decimal.Decimal) bool {
	switch o.Type {
	case broker.OrderTypeLimit:
		if o.Side == broker.SideBuy {
			return price.LessThanOrEqual(o.LimitPrice)
		}
		return price.GreaterThanOrEqual(o.LimitPrice)
	case broker.OrderTypeStop, broker.OrderTypeTrailingStop:
		if o.Side == broker.SideBuy {
			return price.GreaterThanOrEqual(o.StopPrice)
		}
		return price.LessThanOrEqual(o.StopPrice)
	case broker.OrderTypeStopLimit:
		// Simplified: trigger and fill in one step once the stop is reached.
		if o.Side == broker.SideBuy {
			return price.GreaterThanOrEqual(o.StopPrice)
		}
		return price.LessThanOrEqual(o.StopPrice)
	}
	return false
}
