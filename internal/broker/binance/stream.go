package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"execution-core/internal/broker"
	"execution-core/pkg/logger"
)

const (
	listenKeyKeepalive = 30 * time.Minute
	streamRedialDelay  = 5 * time.Second
	readDeadline       = 90 * time.Second
)

// SubscribeMarketData opens the combined bookTicker stream for the given
// symbols and pushes best bid/ask to the listener.
func (c *Connector) SubscribeMarketData(symbols []string, listener broker.MarketDataListener) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return errors.New("not connected")
	}
	c.mdListener = listener
	c.mdSymbols = symbols
	if c.mdStreamOn || len(symbols) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.mdStreamOn = true
	ctx := c.streamCtx
	c.mu.Unlock()

	c.streamWG.Add(1)
	go c.runMarketStream(ctx, symbols)
	return nil
}

// SubscribeOrderUpdates registers the listener and starts the user data
// stream if it is not already running.
func (c *Connector) SubscribeOrderUpdates(listener broker.OrderUpdateListener) {
	c.mu.Lock()
	c.orderListener = listener
	if !c.connected || c.userStreamOn {
		c.mu.Unlock()
		return
	}
	c.userStreamOn = true
	ctx := c.streamCtx
	c.mu.Unlock()

	c.streamWG.Add(1)
	go c.runUserStream(ctx)
}

func (c *Connector) runMarketStream(ctx context.Context, symbols []string) {
	defer c.streamWG.Done()

	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@bookTicker"
	}
	endpoint := fmt.Sprintf("%s/stream?streams=%s", c.wsURL, strings.Join(streams, "/"))

	for ctx.Err() == nil {
		if err := c.readMarketStream(ctx, endpoint); err != nil && ctx.Err() == nil {
			logger.Warnf("binance: market stream: %v", err)
			c.notifyMarketError(err)
			select {
			case <-ctx.Done():
			case <-time.After(streamRedialDelay):
			}
		}
	}
}

func (c *Connector) readMarketStream(ctx context.Context, endpoint string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()
	go closeOnDone(ctx, conn)

	logger.Infof("binance: market stream connected")
	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}

		var evt bookTickerEvent
		if err := json.Unmarshal(payload, &evt); err != nil || evt.Data.Symbol == "" {
			continue
		}

		mid := evt.Data.BidPrice.Add(evt.Data.AskPrice).Div(two)
		c.mu.Lock()
		c.lastPrice[evt.Data.Symbol] = mid
		listener := c.mdListener
		c.mu.Unlock()

		if listener != nil {
			listener.OnPriceUpdate(evt.Data.Symbol, evt.Data.BidPrice, evt.Data.AskPrice, time.Now())
		}
	}
}

func (c *Connector) runUserStream(ctx context.Context) {
	defer c.streamWG.Done()

	for ctx.Err() == nil {
		if err := c.readUserStream(ctx); err != nil && ctx.Err() == nil {
			logger.Warnf("binance: user stream: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(streamRedialDelay):
			}
		}
	}
}

func (c *Connector) readUserStream(ctx context.Context) error {
	listenKey, err := c.createListenKey(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL+"/ws/"+listenKey, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()
	go closeOnDone(ctx, conn)

	keepalive := time.NewTicker(listenKeyKeepalive)
	defer keepalive.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				if err := c.keepListenKeyAlive(ctx, listenKey); err != nil {
					logger.Warnf("binance: listen key keepalive: %v", err)
				}
			}
		}
	}()

	logger.Info("binance: user stream connected")
	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		c.handleUserMessage(payload)
	}
}

// handleUserMessage dispatches execution reports to the order listener and
// folds fill deltas into the position book.
func (c *Connector) handleUserMessage(payload []byte) {
	var report executionReport
	if err := json.Unmarshal(payload, &report); err != nil || report.EventType != "executionReport" {
		return
	}

	order := report.toOrder()
	if report.LastFilledQty.IsPositive() {
		c.applyFill(order.Symbol, order.Side, report.LastFilledQty, report.LastFilledPrice)
	}

	c.mu.RLock()
	listener := c.orderListener
	c.mu.RUnlock()
	if listener == nil {
		return
	}

	switch order.Status {
	case broker.StatusFilled:
		listener.OnOrderFilled(order)
	case broker.StatusCancelled, broker.StatusExpired:
		listener.OnOrderCancelled(order)
	case broker.StatusRejected:
		listener.OnOrderError(order.BrokerOrderID, report.RejectReason)
	default:
		listener.OnOrderUpdate(order)
	}
}

func (c *Connector) createListenKey(ctx context.Context) (string, error) {
	var out listenKeyResponse
	if err := c.rest.keyed(ctx, "POST", "/api/v3/userDataStream", nil, &out); err != nil {
		return "", err
	}
	if out.ListenKey == "" {
		return "", errors.New("empty listen key")
	}
	return out.ListenKey, nil
}

func (c *Connector) keepListenKeyAlive(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return c.rest.keyed(ctx, "PUT", "/api/v3/userDataStream", params, nil)
}

func (c *Connector) notifyMarketError(err error) {
	c.mu.RLock()
	listener := c.mdListener
	c.mu.RUnlock()
	if listener != nil {
		listener.OnMarketDataError(err.Error())
	}
}

func closeOnDone(ctx context.Context, conn *websocket.Conn) {
	<-ctx.Done()
	conn.Close()
}
