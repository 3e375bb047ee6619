package binance

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/broker"
)

func TestStatusMapping(t *testing.T) {
	cases := map[string]broker.OrderStatus{
		"NEW":              broker.StatusAccepted,
		"PARTIALLY_FILLED": broker.StatusPartiallyFilled,
		"FILLED":           broker.StatusFilled,
		"CANCELED":         broker.StatusCancelled,
		"PENDING_CANCEL":   broker.StatusCancelled,
		"REJECTED":         broker.StatusRejected,
		"EXPIRED":          broker.StatusExpired,
	}
	for venue, want := range cases {
		assert.Equal(t, want, statusFromAPI(venue), venue)
	}
}

func TestOrderTypeMappingRejectsTrailingStop(t *testing.T) {
	_, ok := orderTypeToAPI(broker.OrderTypeTrailingStop)
	assert.False(t, ok)

	apiType, ok := orderTypeToAPI(broker.OrderTypeStopLimit)
	require.True(t, ok)
	assert.Equal(t, "STOP_LOSS_LIMIT", apiType)
}

func TestExecutionReportToOrder(t *testing.T) {
	payload := []byte(`{
		"e": "executionReport",
		"E": 1700000001000,
		"s": "BTCUSDT",
		"c": "client-1",
		"S": "BUY",
		"o": "LIMIT",
		"q": "4",
		"p": "100",
		"X": "PARTIALLY_FILLED",
		"i": 42,
		"z": "2",
		"l": "2",
		"L": "99.5",
		"Z": "199",
		"O": 1700000000000
	}`)

	var report executionReport
	require.NoError(t, json.Unmarshal(payload, &report))

	o := report.toOrder()
	assert.Equal(t, "42", o.BrokerOrderID)
	assert.Equal(t, "client-1", o.ClientOrderID)
	assert.Equal(t, broker.SideBuy, o.Side)
	assert.Equal(t, broker.OrderTypeLimit, o.Type)
	assert.Equal(t, broker.StatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledQty.Equal(decimal.NewFromInt(2)))
	assert.True(t, o.AvgFillPrice.Equal(decimal.NewFromFloat(99.5)), "avg = %s", o.AvgFillPrice)
}

func TestApplyFillBlendsReducesAndFlips(t *testing.T) {
	c := New(Config{APIKey: "k", APISecret: "s"})
	dec := decimal.NewFromInt

	// Open long 2 @ 100, extend 2 @ 110: entry blends to 105.
	c.applyFill("BTCUSDT", broker.SideBuy, dec(2), dec(100))
	c.applyFill("BTCUSDT", broker.SideBuy, dec(2), dec(110))

	p := c.positions["BTCUSDT"]
	require.NotNil(t, p)
	assert.True(t, p.Quantity.Equal(dec(4)))
	assert.True(t, p.EntryPrice.Equal(dec(105)), "entry = %s", p.EntryPrice)

	// Reduce 1 @ 115: realize 10, keep entry.
	c.applyFill("BTCUSDT", broker.SideSell, dec(1), dec(115))
	p = c.positions["BTCUSDT"]
	assert.True(t, p.Quantity.Equal(dec(3)))
	assert.True(t, p.RealizedPnL.Equal(dec(10)), "pnl = %s", p.RealizedPnL)

	// Sell 5 @ 115: realize on the remaining 3, flip short 2 at the fill price.
	c.applyFill("BTCUSDT", broker.SideSell, dec(5), dec(115))
	p = c.positions["BTCUSDT"]
	assert.True(t, p.Quantity.Equal(dec(-2)))
	assert.True(t, p.EntryPrice.Equal(dec(115)))
	assert.True(t, p.RealizedPnL.Equal(dec(40)), "pnl = %s", p.RealizedPnL)

	// Buy back 2 @ 115: flat removes the entry.
	c.applyFill("BTCUSDT", broker.SideBuy, dec(2), dec(115))
	assert.Nil(t, c.positions["BTCUSDT"])
}

func TestSignatureIsDeterministicHex(t *testing.T) {
	rc := newRESTClient("key", "secret", true)
	sig := rc.sign("symbol=BTCUSDT&timestamp=1700000000000")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, rc.sign("symbol=BTCUSDT&timestamp=1700000000000"))
	assert.NotEqual(t, sig, rc.sign("symbol=ETHUSDT&timestamp=1700000000000"))
}
