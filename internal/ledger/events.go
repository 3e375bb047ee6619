package ledger

import (
	"time"

	"github.com/pkg/errors"

	"execution-core/internal/broker"
	"execution-core/internal/events"
	"execution-core/pkg/logger"
)

// The ledger implements broker.OrderUpdateListener so connectors can push
// lifecycle events directly. Push events apply the same mutation as the
// reconciliation poll, just without waiting for the next tick; terminal
// events prune the order right after its callback.

var _ broker.OrderUpdateListener = (*Ledger)(nil)

// OnOrderUpdate applies a non-terminal (or broker-terminal) state push.
func (l *Ledger) OnOrderUpdate(order *broker.Order) {
	if order == nil {
		return
	}
	l.applyUpdate(order)
	l.publish(events.TopicOrderUpdate, order.Clone())
	if order.Status.IsTerminal() {
		l.pruneIfTerminal(order.BrokerOrderID)
	}
}

// OnOrderFilled applies a fill push and prunes the completed order.
func (l *Ledger) OnOrderFilled(order *broker.Order) {
	if order == nil {
		return
	}
	filled := order.Clone()
	filled.Status = broker.StatusFilled
	if filled.FilledQty.IsZero() {
		filled.FilledQty = filled.Quantity
	}
	l.applyUpdate(filled)
	l.publish(events.TopicOrderFilled, filled.Clone())
	l.pruneIfTerminal(filled.BrokerOrderID)
}

// OnOrderCancelled applies a cancellation push and prunes the order.
func (l *Ledger) OnOrderCancelled(order *broker.Order) {
	if order == nil {
		return
	}
	cancelled := order.Clone()
	cancelled.Status = broker.StatusCancelled
	l.applyUpdate(cancelled)
	l.publish(events.TopicOrderCancelled, cancelled.Clone())
	l.pruneIfTerminal(cancelled.BrokerOrderID)
}

// OnOrderError marks the order rejected, fires its callback, prunes it, and
// forwards the failure to the global error sink when one is configured.
func (l *Ledger) OnOrderError(brokerOrderID string, msg string) {
	l.mu.Lock()
	o, tracked := l.active[brokerOrderID]
	var snapshot *broker.Order
	var cb CompletionFunc
	if tracked && !o.Status.IsTerminal() {
		o.Status = broker.StatusRejected
		o.UpdatedAt = time.Now()
		snapshot = o.Clone()
		cb = l.callbacks[brokerOrderID]
	}
	l.mu.Unlock()

	logger.Errorf("ledger: order %s error: %s", brokerOrderID, msg)
	l.reportErr(errors.Errorf("order %s: %s", brokerOrderID, msg))

	if snapshot != nil {
		if cb != nil {
			cb(snapshot)
		}
		l.publish(events.TopicOrderRejected, snapshot)
		l.pruneIfTerminal(brokerOrderID)
	}
}
