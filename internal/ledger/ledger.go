package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"execution-core/internal/broker"
	"execution-core/internal/events"
	"execution-core/pkg/logger"
)

// CompletionFunc is invoked when a tracked order reaches a new broker state.
type CompletionFunc func(order *broker.Order)

// PlaceResult is delivered on the channel returned by PlaceOrder/ModifyOrder.
type PlaceResult struct {
	Order *broker.Order
	Err   error
}

// CancelResult is delivered on the channel returned by CancelOrder.
type CancelResult struct {
	Cancelled bool
	Err       error
}

// Ledger owns the authoritative in-memory view of all in-flight orders. It
// submits orders through the connector on a fixed worker pool, reconciles
// status through push notifications and periodic polling, and fires per-order
// completion callbacks.
//
// Orders are keyed by broker order id. Terminal orders are pruned together
// with their callback right after the callback fires, so a late duplicate
// event cannot re-apply a fill.
type Ledger struct {
	conn    broker.Connector
	bus     *events.Bus
	errSink func(error)

	mu        sync.RWMutex
	active    map[string]*broker.Order
	callbacks map[string]CompletionFunc

	workers chan struct{}
	wg      sync.WaitGroup

	closedMu sync.Mutex
	closed   bool
}

// New creates a ledger backed by the given connector. workers bounds the
// number of concurrent connector calls.
func New(conn broker.Connector, bus *events.Bus, workers int) *Ledger {
	if workers <= 0 {
		workers = 4
	}
	return &Ledger{
		conn:      conn,
		bus:       bus,
		active:    make(map[string]*broker.Order),
		callbacks: make(map[string]CompletionFunc),
		workers:   make(chan struct{}, workers),
	}
}

// SetErrorSink installs a global sink for order-operation failures. Failures
// still surface on the per-operation result channel either way.
func (l *Ledger) SetErrorSink(sink func(error)) {
	l.errSink = sink
}

func (l *Ledger) reportErr(err error) {
	if err != nil && l.errSink != nil {
		l.errSink(err)
	}
}

// submit runs fn on the worker pool. Returns false when the ledger is closed.
func (l *Ledger) submit(fn func()) bool {
	l.closedMu.Lock()
	if l.closed {
		l.closedMu.Unlock()
		return false
	}
	l.wg.Add(1)
	l.closedMu.Unlock()

	go func() {
		defer l.wg.Done()
		l.workers <- struct{}{}
		defer func() { <-l.workers }()
		fn()
	}()
	return true
}

// PlaceOrder submits the order asynchronously. On connector success the order
// is registered in the active set keyed by broker order id and onComplete (if
// any) is registered under the same key; on failure nothing is registered and
// the error surfaces on the returned channel.
func (l *Ledger) PlaceOrder(ctx context.Context, order *broker.Order, onComplete CompletionFunc) <-chan PlaceResult {
	ch := make(chan PlaceResult, 1)

	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	order.Status = broker.StatusPending

	ok := l.submit(func() {
		placed, err := l.conn.PlaceOrder(ctx, order)
		if err != nil {
			err = errors.Wrapf(err, "place order %s %s", order.Side, order.Symbol)
			l.reportErr(err)
			l.publish(events.TopicOrderRejected, order.Clone())
			ch <- PlaceResult{Err: err}
			return
		}

		l.mu.Lock()
		l.active[placed.BrokerOrderID] = placed
		if onComplete != nil {
			l.callbacks[placed.BrokerOrderID] = onComplete
		}
		l.mu.Unlock()

		logger.WithFields(map[string]any{
			"symbol":   placed.Symbol,
			"side":     placed.Side,
			"qty":      placed.Quantity,
			"order_id": placed.BrokerOrderID,
			"status":   placed.Status,
		}).Info("ledger: order placed")

		l.publish(events.TopicOrderUpdate, placed.Clone())
		ch <- PlaceResult{Order: placed}
	})
	if !ok {
		ch <- PlaceResult{Err: errors.New("ledger closed")}
	}
	return ch
}

// CancelOrder requests cancellation of a tracked order. A confirmed cancel
// goes through the shared apply path, so the completion callback fires and
// the order is pruned even when the connector pushes no cancel event.
func (l *Ledger) CancelOrder(ctx context.Context, brokerOrderID string) <-chan CancelResult {
	ch := make(chan CancelResult, 1)

	ok := l.submit(func() {
		cancelled, err := l.conn.CancelOrder(ctx, brokerOrderID)
		if err != nil {
			err = errors.Wrapf(err, "cancel order %s", brokerOrderID)
			l.reportErr(err)
			ch <- CancelResult{Err: err}
			return
		}
		if cancelled {
			l.mu.RLock()
			var local *broker.Order
			if o, tracked := l.active[brokerOrderID]; tracked {
				local = o.Clone()
			}
			l.mu.RUnlock()

			if local != nil && !local.Status.IsTerminal() {
				local.Status = broker.StatusCancelled
				local.UpdatedAt = time.Now()
				l.applyUpdate(local)
				l.pruneIfTerminal(brokerOrderID)
			}
		}
		ch <- CancelResult{Cancelled: cancelled}
	})
	if !ok {
		ch <- CancelResult{Err: errors.New("ledger closed")}
	}
	return ch
}

// ModifyOrder submits a replacement and, on success, swaps the tracked order.
// The completion callback registration carries over.
func (l *Ledger) ModifyOrder(ctx context.Context, brokerOrderID string, updated *broker.Order) <-chan PlaceResult {
	ch := make(chan PlaceResult, 1)

	ok := l.submit(func() {
		modified, err := l.conn.ModifyOrder(ctx, brokerOrderID, updated)
		if err != nil {
			err = errors.Wrapf(err, "modify order %s", brokerOrderID)
			l.reportErr(err)
			ch <- PlaceResult{Err: err}
			return
		}

		l.mu.Lock()
		if _, tracked := l.active[brokerOrderID]; tracked {
			delete(l.active, brokerOrderID)
			l.active[modified.BrokerOrderID] = modified
			if cb, has := l.callbacks[brokerOrderID]; has && modified.BrokerOrderID != brokerOrderID {
				delete(l.callbacks, brokerOrderID)
				l.callbacks[modified.BrokerOrderID] = cb
			}
		}
		l.mu.Unlock()

		l.publish(events.TopicOrderUpdate, modified.Clone())
		ch <- PlaceResult{Order: modified}
	})
	if !ok {
		ch <- PlaceResult{Err: errors.New("ledger closed")}
	}
	return ch
}

// CancelAllOrders fires a cancel for every tracked order concurrently and
// settles once all of them settle. Individual failures do not abort the rest;
// the first failure is reported on the returned channel.
func (l *Ledger) CancelAllOrders(ctx context.Context) <-chan error {
	done := make(chan error, 1)

	l.mu.RLock()
	ids := make([]string, 0, len(l.active))
	for id := range l.active {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	go func() {
		var wg sync.WaitGroup
		errC := make(chan error, len(ids))
		for _, id := range ids {
			id := id
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := <-l.CancelOrder(ctx, id)
				if res.Err != nil {
					logger.Warnf("ledger: cancel-all: order %s: %v", id, res.Err)
					errC <- res.Err
				}
			}()
		}
		wg.Wait()
		close(errC)

		var first error
		failed := 0
		for err := range errC {
			failed++
			if first == nil {
				first = err
			}
		}
		if first != nil {
			done <- errors.Wrapf(first, "cancel-all: %d of %d cancels failed", failed, len(ids))
			return
		}
		logger.Infof("ledger: cancel-all settled, %d orders", len(ids))
		done <- nil
	}()
	return done
}

// EmergencyStop concurrently cancels all open orders and closes every
// position the connector reports. It completes only when both finish.
func (l *Ledger) EmergencyStop(ctx context.Context) <-chan error {
	done := make(chan error, 1)

	go func() {
		var wg sync.WaitGroup
		var cancelErr, closeErr error

		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelErr = <-l.CancelAllOrders(ctx)
		}()
		go func() {
			defer wg.Done()
			closeErr = l.closeAllPositions(ctx)
		}()
		wg.Wait()

		if cancelErr != nil {
			done <- cancelErr
			return
		}
		done <- closeErr
	}()
	return done
}

func (l *Ledger) closeAllPositions(ctx context.Context) error {
	positions, err := l.conn.GetPositions(ctx)
	if err != nil {
		return errors.Wrap(err, "emergency stop: fetch positions")
	}

	var wg sync.WaitGroup
	errC := make(chan error, len(positions))
	for _, p := range positions {
		if p == nil || p.IsClosed() {
			continue
		}
		symbol := p.Symbol
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.conn.ClosePosition(ctx, symbol); err != nil {
				logger.Errorf("ledger: emergency close %s: %v", symbol, err)
				errC <- errors.Wrapf(err, "close position %s", symbol)
			} else {
				logger.Warnf("ledger: emergency close %s issued", symbol)
			}
		}()
	}
	wg.Wait()
	close(errC)

	for err := range errC {
		return err
	}
	return nil
}

// ActiveOrders returns a snapshot of the active set.
func (l *Ledger) ActiveOrders() []*broker.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*broker.Order, 0, len(l.active))
	for _, o := range l.active {
		out = append(out, o.Clone())
	}
	return out
}

// ActiveCount returns the number of tracked in-flight orders.
func (l *Ledger) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.active)
}

// Close waits for in-flight worker operations to drain. Further operations
// fail fast with a closed error.
func (l *Ledger) Close() {
	l.closedMu.Lock()
	l.closed = true
	l.closedMu.Unlock()
	l.wg.Wait()
}

func (l *Ledger) publish(topic events.Topic, payload any) {
	if l.bus != nil {
		l.bus.Publish(topic, payload)
	}
}
