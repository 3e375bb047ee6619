package ledger

import (
	"context"

	"github.com/pkg/errors"

	"execution-core/internal/broker"
	"execution-core/pkg/logger"
)

// UpdateOrderStatuses is the periodic reconciliation poll: it fetches all
// open orders from the connector and, for each tracked order whose status
// differs from the broker's version, applies the update and fires the
// completion callback. A tracked order missing from the open list has
// reached a terminal state whose push event was lost, so it is queried
// individually. Tracked orders observed in a terminal state are then pruned
// together with their callback registration.
//
// This is the backstop for missed push notifications; both paths apply
// last-write-wins on status and terminal states never revert.
func (l *Ledger) UpdateOrderStatuses(ctx context.Context) error {
	open, err := l.conn.GetOpenOrders(ctx)
	if err != nil {
		return errors.Wrap(err, "reconcile: fetch open orders")
	}

	byID := make(map[string]*broker.Order, len(open))
	for _, o := range open {
		if o != nil && o.BrokerOrderID != "" {
			byID[o.BrokerOrderID] = o
		}
	}

	l.mu.RLock()
	tracked := make([]string, 0, len(l.active))
	for id := range l.active {
		tracked = append(tracked, id)
	}
	l.mu.RUnlock()

	for _, id := range tracked {
		remote, ok := byID[id]
		if !ok {
			fetched, err := l.conn.GetOrder(ctx, id)
			if err != nil {
				// Keep tracking; the next poll retries the lookup.
				logger.Warnf("reconcile: order %s left the open list, lookup failed: %v", id, err)
				continue
			}
			remote = fetched
		}
		l.applyUpdate(remote)
		l.pruneIfTerminal(id)
	}
	return nil
}

// applyUpdate merges a broker-side order state into the tracked order and
// fires its callback when something changed. Updates for unknown (already
// pruned) orders are no-ops: pruned orders are never resurrected. Updates
// against a locally terminal order are also ignored.
func (l *Ledger) applyUpdate(remote *broker.Order) {
	if remote == nil || remote.BrokerOrderID == "" {
		return
	}

	l.mu.Lock()
	o, tracked := l.active[remote.BrokerOrderID]
	if !tracked || o.Status.IsTerminal() {
		l.mu.Unlock()
		return
	}

	changed := o.Status != remote.Status || !o.FilledQty.Equal(remote.FilledQty)
	if !changed {
		l.mu.Unlock()
		return
	}

	o.UpdateFill(remote.FilledQty, remote.AvgFillPrice)
	// Status is broker-authoritative; the fill-derived status above is
	// overridden except when the broker update would leave a terminal state.
	if !o.Status.IsTerminal() || remote.Status.IsTerminal() {
		o.Status = remote.Status
	}
	snapshot := o.Clone()
	cb := l.callbacks[remote.BrokerOrderID]
	l.mu.Unlock()

	logger.WithFields(map[string]any{
		"order_id": snapshot.BrokerOrderID,
		"symbol":   snapshot.Symbol,
		"status":   snapshot.Status,
		"filled":   snapshot.FilledQty,
	}).Debug("ledger: order state merged")

	if cb != nil {
		cb(snapshot)
	}
}

// pruneIfTerminal removes a terminal order and its callback from the active
// set. Removal directly after the terminal callback keeps the window for
// duplicate risk bookkeeping as small as possible.
func (l *Ledger) pruneIfTerminal(brokerOrderID string) {
	l.mu.Lock()
	o, tracked := l.active[brokerOrderID]
	if !tracked || !o.Status.IsTerminal() {
		l.mu.Unlock()
		return
	}
	delete(l.active, brokerOrderID)
	delete(l.callbacks, brokerOrderID)
	l.mu.Unlock()

	logger.WithFields(map[string]any{
		"order_id": o.BrokerOrderID,
		"status":   o.Status,
	}).Info("ledger: terminal order pruned")
}
