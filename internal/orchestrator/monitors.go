package orchestrator

import (
	"context"
	"time"

	"execution-core/internal/events"
	"execution-core/pkg/logger"
)

// startMonitors launches the periodic loops: account refresh, position
// refresh, risk evaluation, connection health, and order reconciliation.
// Each runs until the supplied context is cancelled.
func (o *Orchestrator) startMonitors(ctx context.Context) {
	o.runLoop(ctx, "account", o.cfg.AccountInterval.Std(), func() {
		if err := o.refreshAccount(ctx); err != nil {
			logger.Warnf("monitor: account refresh failed: %v", err)
		}
	})
	o.runLoop(ctx, "positions", o.cfg.PositionInterval.Std(), func() {
		if err := o.refreshPositions(ctx); err != nil {
			logger.Warnf("monitor: position refresh failed: %v", err)
		}
	})
	o.runLoop(ctx, "risk", o.cfg.RiskInterval.Std(), func() {
		o.evaluateRisk(ctx)
	})
	o.runLoop(ctx, "health", o.cfg.HealthInterval.Std(), func() {
		o.checkHealth(ctx)
	})
	o.runLoop(ctx, "reconcile", o.cfg.ReconcileInterval.Std(), func() {
		if err := o.ledger.UpdateOrderStatuses(ctx); err != nil {
			logger.Warnf("monitor: order reconciliation failed: %v", err)
		}
	})
}

func (o *Orchestrator) runLoop(ctx context.Context, name string, interval time.Duration, fn func()) {
	if interval <= 0 {
		logger.Warnf("monitor: %s disabled, non-positive interval", name)
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// refreshAccount replaces the cached account snapshot wholesale.
func (o *Orchestrator) refreshAccount(ctx context.Context) error {
	account, err := o.conn.GetAccount(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.account = account
	o.mu.Unlock()
	return nil
}

// refreshPositions replaces the cached position snapshot and releases risk
// bookkeeping for any symbol that left the open set since the last refresh.
func (o *Orchestrator) refreshPositions(ctx context.Context) error {
	positions, err := o.conn.GetPositions(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	prev := o.positions
	o.positions = positions
	o.mu.Unlock()

	open := make(map[string]bool, len(positions))
	for _, p := range positions {
		if !p.IsClosed() {
			open[p.Symbol] = true
		}
	}
	for _, p := range prev {
		if !p.IsClosed() && !open[p.Symbol] {
			o.risk.OnPositionClosed(p.Symbol, p.RealizedPnL)
			o.bus.Publish(events.TopicPositionChange, p)
		}
	}
	return nil
}

// evaluateRisk checks drawdown against the configured ceiling and fires the
// emergency stop when it is breached and enabled.
func (o *Orchestrator) evaluateRisk(ctx context.Context) {
	account, _ := o.snapshots()
	if account == nil {
		return
	}

	dd := o.risk.CalculateDrawdown(account)
	logger.WithFields(map[string]any{
		"drawdown":   dd,
		"total_risk": o.risk.TotalRisk(),
		"equity":     account.Equity,
	}).Debug("monitor: risk snapshot")

	if !o.cfg.EmergencyStopEnabled {
		return
	}
	if o.risk.ShouldTriggerEmergencyStop(account) {
		o.bus.Publish(events.TopicRiskAlert, events.RiskAlert{
			Kind:    "EMERGENCY_STOP",
			Message: "max drawdown exceeded",
			Time:    time.Now(),
		})
		if err := <-o.ledger.EmergencyStop(ctx); err != nil {
			logger.Errorf("monitor: emergency stop liquidation: %v", err)
		}
	}
}

// checkHealth watches the push-feed heartbeat and the connection flag, and
// reconnects with the same bounded retry policy used at startup.
func (o *Orchestrator) checkHealth(ctx context.Context) {
	o.mu.RLock()
	last := o.lastHeartbeat
	o.mu.RUnlock()

	stale := !last.IsZero() && time.Since(last) > o.cfg.HeartbeatTimeout.Std()
	if stale {
		logger.Warnf("monitor: no market data for %v", time.Since(last).Round(time.Second))
	}

	if o.conn.IsConnected() && !stale {
		return
	}

	logger.Warn("monitor: connection unhealthy, reconnecting")
	o.bus.Publish(events.TopicConnection, events.ConnectionState{
		Connector: o.conn.Name(), Connected: false, Time: time.Now(),
	})
	if err := o.conn.Disconnect(ctx); err != nil {
		logger.Debugf("monitor: disconnect before reconnect: %v", err)
	}
	if err := o.connectWithRetry(ctx); err != nil {
		logger.Errorf("monitor: reconnect failed: %v", err)
		return
	}
	o.touchHeartbeat()
	o.conn.SubscribeOrderUpdates(o.ledger)
	if err := o.conn.SubscribeMarketData(o.cfg.Symbols, o); err != nil {
		logger.Warnf("monitor: market data resubscribe failed: %v", err)
	}
}
