// Package orchestrator is the top-level supervisor of the execution core: it
// owns the connector lifecycle, wires the risk engine and order ledger
// together, runs the scheduled monitors, and exposes the public control
// surface.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"execution-core/internal/broker"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/risk"
	"execution-core/pkg/config"
	"execution-core/pkg/logger"
)

// State models the orchestrator lifecycle.
type State string

const (
	StateStopped    State = "STOPPED"
	StateConnecting State = "CONNECTING"
	StateConnected  State = "CONNECTED"
	StateRunning    State = "RUNNING"
)

// ErrNotRunning is returned for control operations while the system is not
// connected and running; no connector call is made in that case.
var ErrNotRunning = errors.New("orchestrator not running")

// RiskRejectedError carries the risk engine's rejection reason to the caller.
type RiskRejectedError struct {
	Reason string
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("order rejected by risk policy: %s", e.Reason)
}

// Orchestrator supervises the trading core.
type Orchestrator struct {
	cfg    *config.Config
	conn   broker.Connector
	risk   *risk.Engine
	ledger *ledger.Ledger
	bus    *events.Bus

	mu            sync.RWMutex
	state         State
	account       *broker.Account
	positions     []*broker.Position
	lastHeartbeat time.Time

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs the orchestrator and its owned components. A configuration
// with no connector enabled is a fatal error.
func New(cfg *config.Config) (*Orchestrator, error) {
	conn, err := newConnector(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithConnector(cfg, conn), nil
}

// NewWithConnector wires the orchestrator around an existing connector.
func NewWithConnector(cfg *config.Config, conn broker.Connector) *Orchestrator {
	bus := events.NewBus()
	riskEngine := risk.NewEngine(riskConfig(cfg))

	led := ledger.New(conn, bus, cfg.Workers)
	led.SetErrorSink(func(err error) {
		logger.Errorf("orchestrator: order operation failed: %v", err)
	})

	return &Orchestrator{
		cfg:    cfg,
		conn:   conn,
		risk:   riskEngine,
		ledger: led,
		bus:    bus,
		state:  StateStopped,
	}
}

func riskConfig(cfg *config.Config) risk.Config {
	return risk.Config{
		MaxRiskPerTrade:   decimal.NewFromFloat(cfg.MaxRiskPerTrade),
		MaxPortfolioRisk:  decimal.NewFromFloat(cfg.MaxPortfolioRisk),
		MaxDrawdown:       decimal.NewFromFloat(cfg.MaxDrawdown),
		MaxPositionSize:   decimal.NewFromFloat(cfg.MaxPositionSize),
		MaxOpenPositions:  cfg.MaxOpenPositions,
		MinAccountBalance: decimal.NewFromFloat(cfg.MinAccountBalance),
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		logger.Infof("orchestrator: %s -> %s", prev, s)
	}
}

// Risk exposes the risk engine (read access for monitoring surfaces).
func (o *Orchestrator) Risk() *risk.Engine { return o.risk }

// Ledger exposes the order ledger.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Bus exposes the internal event bus for observers.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Start connects the broker with bounded retries, takes the initial account
// and position snapshots, subscribes to push feeds, and launches the
// monitors. It blocks until running or failed, bounded by StartTimeout.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.State() != StateStopped {
		return errors.New("orchestrator already started")
	}

	startCtx, cancel := context.WithTimeout(ctx, o.cfg.StartTimeout.Std())
	defer cancel()

	o.setState(StateConnecting)
	if err := o.connectWithRetry(startCtx); err != nil {
		o.setState(StateStopped)
		return errors.Wrapf(err, "connect to %s", o.conn.Name())
	}
	o.setState(StateConnected)
	o.touchHeartbeat()

	// Initial snapshots so risk validation has data before the first tick.
	if err := o.refreshAccount(startCtx); err != nil {
		o.setState(StateStopped)
		return errors.Wrap(err, "initial account snapshot")
	}
	if err := o.refreshPositions(startCtx); err != nil {
		o.setState(StateStopped)
		return errors.Wrap(err, "initial position snapshot")
	}

	o.conn.SubscribeOrderUpdates(o.ledger)
	if err := o.conn.SubscribeMarketData(o.cfg.Symbols, o); err != nil {
		logger.Warnf("orchestrator: market data subscribe failed: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	o.runCancel = runCancel
	o.startMonitors(runCtx)

	o.setState(StateRunning)
	logger.Infof("orchestrator: running with connector %s, symbols %v", o.conn.Name(), o.cfg.Symbols)
	return nil
}

// connectWithRetry makes at most MaxReconnectAttempts attempts with a fixed
// delay between them.
func (o *Orchestrator) connectWithRetry(ctx context.Context) error {
	attempts := o.cfg.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := o.conn.Connect(ctx); err != nil {
			lastErr = err
			logger.Warnf("orchestrator: connect attempt %d/%d failed: %v", i, attempts, err)
		} else {
			o.bus.Publish(events.TopicConnection, events.ConnectionState{
				Connector: o.conn.Name(), Connected: true, Time: time.Now(),
			})
			return nil
		}

		if i < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.ReconnectDelay.Std()):
			}
		}
	}
	return errors.Wrapf(lastErr, "all %d connect attempts failed", attempts)
}

// PlaceOrder validates the order through the risk engine and hands it to the
// ledger. Rejections return immediately without touching the connector.
func (o *Orchestrator) PlaceOrder(ctx context.Context, order *broker.Order, onComplete ledger.CompletionFunc) (<-chan ledger.PlaceResult, error) {
	if o.State() != StateRunning || !o.conn.IsConnected() {
		return nil, ErrNotRunning
	}

	account, positions := o.snapshots()
	if account == nil {
		return nil, errors.New("no account snapshot available")
	}

	decision := o.risk.ValidateOrder(order, account, positions)
	if !decision.Approved {
		logger.WithFields(map[string]any{
			"symbol": order.Symbol,
			"side":   order.Side,
			"reason": decision.Reason,
		}).Warn("orchestrator: order rejected")
		return nil, &RiskRejectedError{Reason: decision.Reason}
	}

	// Book risk into the ledger exactly once, on the terminal fill.
	wrapped := func(done *broker.Order) {
		if done.Status == broker.StatusFilled {
			acc, _ := o.snapshots()
			if acc != nil {
				o.risk.OnOrderFilled(done, acc)
			}
		}
		if onComplete != nil {
			onComplete(done)
		}
	}
	return o.ledger.PlaceOrder(ctx, order, wrapped), nil
}

// CancelOrder requests cancellation of a tracked order.
func (o *Orchestrator) CancelOrder(ctx context.Context, brokerOrderID string) (<-chan ledger.CancelResult, error) {
	if o.State() != StateRunning {
		return nil, ErrNotRunning
	}
	return o.ledger.CancelOrder(ctx, brokerOrderID), nil
}

// ClosePosition flattens a symbol and releases its risk bookkeeping.
func (o *Orchestrator) ClosePosition(ctx context.Context, symbol string) (bool, error) {
	if o.State() != StateRunning {
		return false, ErrNotRunning
	}
	closed, err := o.conn.ClosePosition(ctx, symbol)
	if err != nil {
		return false, errors.Wrapf(err, "close position %s", symbol)
	}
	if closed {
		o.risk.OnPositionClosed(symbol, o.realizedPnL(symbol))
	}
	return closed, nil
}

// TriggerEmergencyStop latches the risk engine's stop flag and liquidates:
// cancel all open orders and close all positions, concurrently. Invoking it
// repeatedly is safe; the cancel/close calls are re-issued each time.
func (o *Orchestrator) TriggerEmergencyStop(ctx context.Context) error {
	o.risk.LatchEmergencyStop()
	o.bus.Publish(events.TopicRiskAlert, events.RiskAlert{
		Kind:    "EMERGENCY_STOP",
		Message: "manual emergency stop",
		Time:    time.Now(),
	})
	return <-o.ledger.EmergencyStop(ctx)
}

// ResetEmergencyStop clears the latched stop after operator review.
func (o *Orchestrator) ResetEmergencyStop() {
	o.risk.ResetEmergencyStop()
}

// Shutdown stops the system: emergency stop (when enabled) bounded by the
// shutdown timeout, disconnect bounded by the same timeout, then monitor
// teardown with forced cancellation as the backstop. Errors are logged and
// do not prevent the remaining steps.
func (o *Orchestrator) Shutdown() error {
	if o.State() == StateStopped {
		return nil
	}
	o.setState(StateStopped)
	logger.Info("orchestrator: shutting down")

	timeout := o.cfg.ShutdownTimeout.Std()

	if o.cfg.EmergencyStopEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		select {
		case err := <-o.ledger.EmergencyStop(ctx):
			if err != nil {
				logger.Errorf("orchestrator: shutdown emergency stop: %v", err)
			}
		case <-ctx.Done():
			logger.Errorf("orchestrator: shutdown emergency stop timed out after %v", timeout)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if err := o.conn.Disconnect(ctx); err != nil {
		logger.Errorf("orchestrator: disconnect: %v", err)
	}
	cancel()

	if o.runCancel != nil {
		o.runCancel()
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Error("orchestrator: monitors did not stop in time, abandoning")
	}

	o.ledger.Close()
	o.bus.Close()
	logger.Info("orchestrator: stopped")
	return nil
}

// snapshots returns the cached account and position views.
func (o *Orchestrator) snapshots() (*broker.Account, []*broker.Position) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.account, o.positions
}

func (o *Orchestrator) realizedPnL(symbol string) decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, p := range o.positions {
		if p.Symbol == symbol {
			return p.RealizedPnL
		}
	}
	return decimal.Zero
}

func (o *Orchestrator) touchHeartbeat() {
	o.mu.Lock()
	o.lastHeartbeat = time.Now()
	o.mu.Unlock()
}

// OnPriceUpdate implements broker.MarketDataListener: price pushes double as
// the connector heartbeat.
func (o *Orchestrator) OnPriceUpdate(symbol string, bid, ask decimal.Decimal, ts time.Time) {
	o.touchHeartbeat()
	o.bus.Publish(events.TopicPriceTick, events.PriceTick{
		Symbol: symbol, Bid: bid, Ask: ask, Time: ts,
	})
}

// OnMarketDataError implements broker.MarketDataListener.
func (o *Orchestrator) OnMarketDataError(msg string) {
	logger.Warnf("orchestrator: market data error: %s", msg)
}

var _ broker.MarketDataListener = (*Orchestrator)(nil)
