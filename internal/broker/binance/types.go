package binance

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/broker"
)

const (
	mainnetRESTURL = "https://api.binance.com"
	testnetRESTURL = "https://testnet.binance.vision"
	mainnetWSURL   = "wss://stream.binance.com:9443"
	testnetWSURL   = "wss://stream.testnet.binance.vision"

	recvWindowMs = 5000
)

var two = decimal.NewFromInt(2)

// apiError is the venue's error envelope.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type accountResponse struct {
	UpdateTime int64 `json:"updateTime"`
	Balances   []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
	} `json:"balances"`
}

// orderResponse covers the order placement, query, and cancel payloads.
type orderResponse struct {
	Symbol             string          `json:"symbol"`
	OrderID            int64           `json:"orderId"`
	ClientOrderID      string          `json:"clientOrderId"`
	OrigClientOrderID  string          `json:"origClientOrderId"`
	Price              decimal.Decimal `json:"price"`
	StopPrice          decimal.Decimal `json:"stopPrice"`
	OrigQty            decimal.Decimal `json:"origQty"`
	ExecutedQty        decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status             string          `json:"status"`
	Type               string          `json:"type"`
	Side               string          `json:"side"`
	Time               int64           `json:"time"`
	UpdateTime         int64           `json:"updateTime"`
}

// bookTickerEvent is the best bid/ask stream payload (combined-stream form).
type bookTickerEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol   string          `json:"s"`
		BidPrice decimal.Decimal `json:"b"`
		AskPrice decimal.Decimal `json:"a"`
	} `json:"data"`
}

// executionReport is the user-data-stream order update payload.
type executionReport struct {
	EventType        string          `json:"e"`
	EventTime        int64           `json:"E"`
	Symbol           string          `json:"s"`
	ClientOrderID    string          `json:"c"`
	Side             string          `json:"S"`
	OrderType        string          `json:"o"`
	OrderQty         decimal.Decimal `json:"q"`
	Price            decimal.Decimal `json:"p"`
	StopPrice        decimal.Decimal `json:"P"`
	CurrentStatus    string          `json:"X"`
	OrderID          int64           `json:"i"`
	CumFilledQty     decimal.Decimal `json:"z"`
	LastFilledQty    decimal.Decimal `json:"l"`
	CumQuoteQty      decimal.Decimal `json:"Z"`
	LastFilledPrice  decimal.Decimal `json:"L"`
	RejectReason     string          `json:"r"`
	OrderCreatedTime int64           `json:"O"`
}

func sideToAPI(s broker.Side) string {
	if s == broker.SideSell {
		return "SELL"
	}
	return "BUY"
}

func sideFromAPI(s string) broker.Side {
	if s == "SELL" {
		return broker.SideSell
	}
	return broker.SideBuy
}

func orderTypeToAPI(t broker.OrderType) (string, bool) {
	switch t {
	case broker.OrderTypeMarket:
		return "MARKET", true
	case broker.OrderTypeLimit:
		return "LIMIT", true
	case broker.OrderTypeStop:
		return "STOP_LOSS", true
	case broker.OrderTypeStopLimit:
		return "STOP_LOSS_LIMIT", true
	default:
		return "", false
	}
}

func orderTypeFromAPI(t string) broker.OrderType {
	switch t {
	case "LIMIT", "LIMIT_MAKER":
		return broker.OrderTypeLimit
	case "STOP_LOSS", "TAKE_PROFIT":
		return broker.OrderTypeStop
	case "STOP_LOSS_LIMIT", "TAKE_PROFIT_LIMIT":
		return broker.OrderTypeStopLimit
	default:
		return broker.OrderTypeMarket
	}
}

func statusFromAPI(s string) broker.OrderStatus {
	switch s {
	case "NEW":
		return broker.StatusAccepted
	case "PARTIALLY_FILLED":
		return broker.StatusPartiallyFilled
	case "FILLED":
		return broker.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return broker.StatusCancelled
	case "REJECTED":
		return broker.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return broker.StatusExpired
	default:
		return broker.StatusSubmitted
	}
}

// toOrder maps a REST order payload onto the domain model.
func (r *orderResponse) toOrder() *broker.Order {
	o := &broker.Order{
		BrokerOrderID: formatOrderID(r.OrderID),
		ClientOrderID: firstNonEmpty(r.ClientOrderID, r.OrigClientOrderID),
		Symbol:        r.Symbol,
		Side:          sideFromAPI(r.Side),
		Type:          orderTypeFromAPI(r.Type),
		Quantity:      r.OrigQty,
		LimitPrice:    r.Price,
		StopPrice:     r.StopPrice,
		Status:        statusFromAPI(r.Status),
		FilledQty:     r.ExecutedQty,
		CreatedAt:     msToTime(r.Time),
		UpdatedAt:     msToTime(r.UpdateTime),
	}
	if r.ExecutedQty.IsPositive() && r.CummulativeQuoteQty.IsPositive() {
		o.AvgFillPrice = r.CummulativeQuoteQty.Div(r.ExecutedQty)
	}
	return o
}

// toOrder maps a stream execution report onto the domain model.
func (r *executionReport) toOrder() *broker.Order {
	o := &broker.Order{
		BrokerOrderID: formatOrderID(r.OrderID),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          sideFromAPI(r.Side),
		Type:          orderTypeFromAPI(r.OrderType),
		Quantity:      r.OrderQty,
		LimitPrice:    r.Price,
		StopPrice:     r.StopPrice,
		Status:        statusFromAPI(r.CurrentStatus),
		FilledQty:     r.CumFilledQty,
		CreatedAt:     msToTime(r.OrderCreatedTime),
		UpdatedAt:     msToTime(r.EventTime),
	}
	if r.CumFilledQty.IsPositive() && r.CumQuoteQty.IsPositive() {
		o.AvgFillPrice = r.CumQuoteQty.Div(r.CumFilledQty)
	}
	return o
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
