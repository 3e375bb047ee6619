package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Topic enumerates the pub/sub topics inside the execution core.
type Topic string

const (
	TopicPriceTick      Topic = "price.tick"
	TopicOrderUpdate    Topic = "order.update"
	TopicOrderFilled    Topic = "order.filled"
	TopicOrderCancelled Topic = "order.cancelled"
	TopicOrderRejected  Topic = "order.rejected"
	TopicPositionChange Topic = "position.change"
	TopicRiskAlert      Topic = "risk.alert"
	TopicConnection     Topic = "connection.state"
)

// PriceTick is the payload published on TopicPriceTick.
type PriceTick struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Time   time.Time
}

// RiskAlert is the payload published on TopicRiskAlert.
type RiskAlert struct {
	Kind    string // e.g. DRAWDOWN_LIMIT, EMERGENCY_STOP
	Message string
	Time    time.Time
}

// ConnectionState is the payload published on TopicConnection.
type ConnectionState struct {
	Connector string
	Connected bool
	Time      time.Time
}
