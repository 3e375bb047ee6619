package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"execution-core/internal/broker"
	"execution-core/pkg/logger"
)

// ratioScale is the fixed decimal scale for ratios and position sizes.
// Rounding is half-up so comparisons against thresholds are stable.
const ratioScale = 4

// Engine validates orders against risk policy and keeps the process-wide
// risk ledger: per-symbol risk at stake, total portfolio risk, the equity
// high-water mark, and the latched emergency-stop flag.
//
// Validation itself is stateless per call; only the fill/close notifications
// and the emergency-stop operations mutate the ledger.
type Engine struct {
	cfg Config

	mu            sync.RWMutex
	symbolRisk    map[string]decimal.Decimal
	totalRisk     decimal.Decimal
	highWaterMark decimal.Decimal
	emergencyStop bool
}

// NewEngine creates a risk engine with an empty ledger.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:        cfg,
		symbolRisk: make(map[string]decimal.Decimal),
	}
}

// ValidateOrder gates an order before submission. On approval it rewrites
// order.Quantity to the computed risk-adjusted position size; the risk ledger
// itself is untouched until OnOrderFilled.
//
// Rejection checks run in priority order: emergency stop, minimum balance,
// open-position count, computed size, position notional, trade risk,
// projected portfolio risk, drawdown.
func (e *Engine) ValidateOrder(order *broker.Order, account *broker.Account, openPositions []*broker.Position) Decision {
	if e.EmergencyStopActive() {
		return reject("emergency stop active")
	}

	if account.Balance.LessThan(e.cfg.MinAccountBalance) {
		return reject(fmt.Sprintf("account balance %s below minimum %s",
			account.Balance, e.cfg.MinAccountBalance))
	}

	open := 0
	for _, p := range openPositions {
		if p != nil && !p.IsClosed() {
			open++
		}
	}
	if e.cfg.MaxOpenPositions > 0 && open >= e.cfg.MaxOpenPositions {
		return reject(fmt.Sprintf("open positions %d at limit %d", open, e.cfg.MaxOpenPositions))
	}

	size := e.CalculatePositionSize(order, account)
	if !size.IsPositive() {
		return reject("computed position size is non-positive")
	}

	entry := entryPrice(order)
	if entry.IsPositive() {
		notional := size.Mul(entry)
		maxNotional := account.Equity.Mul(e.cfg.MaxPositionSize)
		if notional.GreaterThan(maxNotional) {
			return reject(fmt.Sprintf("position notional %s exceeds limit %s",
				notional, maxNotional))
		}
	}

	riskAmount := e.tradeRiskFor(size, order)
	maxTradeRisk := account.Equity.Mul(e.cfg.MaxRiskPerTrade)
	if riskAmount.GreaterThan(maxTradeRisk) {
		return reject(fmt.Sprintf("trade risk %s exceeds per-trade limit %s",
			riskAmount, maxTradeRisk))
	}

	projected := e.TotalRisk().Add(riskAmount)
	maxPortfolio := account.Equity.Mul(e.cfg.MaxPortfolioRisk)
	if projected.GreaterThan(maxPortfolio) {
		return reject(fmt.Sprintf("projected portfolio risk %s exceeds limit %s",
			projected, maxPortfolio))
	}

	if dd := e.CalculateDrawdown(account); dd.GreaterThan(e.cfg.MaxDrawdown) {
		return reject(fmt.Sprintf("drawdown %s exceeds limit %s", dd, e.cfg.MaxDrawdown))
	}

	order.Quantity = size
	logger.WithFields(map[string]any{
		"symbol": order.Symbol,
		"side":   order.Side,
		"size":   size,
		"risk":   riskAmount,
	}).Debug("risk: order approved")

	return Decision{Approved: true, PositionSize: size, RiskAmount: riskAmount}
}

// CalculatePositionSize converts the configured risk budget and the order's
// stop distance into a quantity.
//
// With entry and stop prices: size = (equity x maxRiskPerTrade) / |entry-stop|,
// capped at (equity x maxPositionSize) / entry. Without a stop price the
// fallback divides the risk budget by the entry price; this path has no
// risk-per-unit bound, only the per-trade fraction. Without any price it
// returns 1.
func (e *Engine) CalculatePositionSize(order *broker.Order, account *broker.Account) decimal.Decimal {
	entry := entryPrice(order)
	stop := order.StopPrice
	riskBudget := account.Equity.Mul(e.cfg.MaxRiskPerTrade)

	if entry.IsPositive() && stop.IsPositive() {
		riskPerUnit := entry.Sub(stop).Abs()
		if riskPerUnit.IsPositive() {
			size := riskBudget.Div(riskPerUnit)
			maxSize := account.Equity.Mul(e.cfg.MaxPositionSize).Div(entry)
			if size.GreaterThan(maxSize) {
				size = maxSize
			}
			return size.Round(ratioScale)
		}
	}

	if entry.IsPositive() {
		return riskBudget.Div(entry).Round(ratioScale)
	}
	return decimal.NewFromInt(1)
}

// CalculateTradeRisk estimates the money at stake for the order's current
// quantity: quantity x |entry-stop| when both prices are known, otherwise
// quantity x entry x maxRiskPerTrade as an approximation.
func (e *Engine) CalculateTradeRisk(order *broker.Order, account *broker.Account) decimal.Decimal {
	return e.tradeRiskFor(order.Quantity, order)
}

func (e *Engine) tradeRiskFor(qty decimal.Decimal, order *broker.Order) decimal.Decimal {
	entry := entryPrice(order)
	stop := order.StopPrice
	if entry.IsPositive() && stop.IsPositive() {
		return qty.Mul(entry.Sub(stop).Abs()).Round(ratioScale)
	}
	return qty.Mul(entry).Mul(e.cfg.MaxRiskPerTrade).Round(ratioScale)
}

// CalculateDrawdown returns the fractional decline of equity below its
// historical peak. Side effect: the high-water mark ratchets up whenever
// equity exceeds it, so the result is never negative.
func (e *Engine) CalculateDrawdown(account *broker.Account) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	if account.Equity.GreaterThan(e.highWaterMark) {
		e.highWaterMark = account.Equity
	}
	if !e.highWaterMark.IsPositive() {
		return decimal.Zero
	}
	dd := e.highWaterMark.Sub(account.Equity).Div(e.highWaterMark).Round(ratioScale)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// OnOrderFilled books the filled order's risk into the ledger. The merge is
// additive; duplicate delivery of the same fill would double-count, which is
// why the ledger caller prunes orders right after their terminal callback.
func (e *Engine) OnOrderFilled(order *broker.Order, account *broker.Account) {
	amount := e.CalculateTradeRisk(order, account)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.symbolRisk[order.Symbol] = e.symbolRisk[order.Symbol].Add(amount)
	e.totalRisk = e.totalRisk.Add(amount)

	logger.WithFields(map[string]any{
		"symbol": order.Symbol,
		"risk":   amount,
		"total":  e.totalRisk,
	}).Debug("risk: fill booked")
}

// OnPositionClosed releases the symbol's risk bookkeeping.
func (e *Engine) OnPositionClosed(symbol string, realizedPnL decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	amount, ok := e.symbolRisk[symbol]
	if !ok {
		return
	}
	delete(e.symbolRisk, symbol)
	e.totalRisk = e.totalRisk.Sub(amount)

	logger.WithFields(map[string]any{
		"symbol": symbol,
		"pnl":    realizedPnL,
		"total":  e.totalRisk,
	}).Info("risk: position closed, risk released")
}

// ShouldTriggerEmergencyStop latches the emergency-stop flag the first time
// drawdown exceeds the configured maximum. It returns true only on the
// latching call; subsequent exceedances report false until a manual
// ResetEmergencyStop.
func (e *Engine) ShouldTriggerEmergencyStop(account *broker.Account) bool {
	dd := e.CalculateDrawdown(account)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.emergencyStop || !dd.GreaterThan(e.cfg.MaxDrawdown) {
		return false
	}
	e.emergencyStop = true
	logger.Warnf("risk: emergency stop latched, drawdown %s exceeds %s", dd, e.cfg.MaxDrawdown)
	return true
}

// LatchEmergencyStop latches the stop flag unconditionally, for operator or
// supervisor initiated stops. Idempotent.
func (e *Engine) LatchEmergencyStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.emergencyStop {
		e.emergencyStop = true
		logger.Warn("risk: emergency stop latched manually")
	}
}

// ResetEmergencyStop is the only way to clear the latched flag.
func (e *Engine) ResetEmergencyStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.emergencyStop {
		e.emergencyStop = false
		logger.Warn("risk: emergency stop manually reset")
	}
}

// EmergencyStopActive reports the latched flag.
func (e *Engine) EmergencyStopActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emergencyStop
}

// TotalRisk returns the running total portfolio risk.
func (e *Engine) TotalRisk() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalRisk
}

// SymbolRisk returns the risk at stake for a symbol and whether an entry exists.
func (e *Engine) SymbolRisk(symbol string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	amount, ok := e.symbolRisk[symbol]
	return amount, ok
}

// Snapshot returns a copy of the ledger for monitoring and logging.
func (e *Engine) Snapshot() Ledger {
	e.mu.RLock()
	defer e.mu.RUnlock()

	perSymbol := make(map[string]decimal.Decimal, len(e.symbolRisk))
	for sym, amt := range e.symbolRisk {
		perSymbol[sym] = amt
	}
	return Ledger{
		SymbolRisk:    perSymbol,
		TotalRisk:     e.totalRisk,
		HighWaterMark: e.highWaterMark,
		EmergencyStop: e.emergencyStop,
	}
}

// entryPrice picks the price used for sizing and risk math: the limit price
// when present; market orders without one yield zero.
func entryPrice(order *broker.Order) decimal.Decimal {
	return order.LimitPrice
}
