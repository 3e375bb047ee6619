package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/broker"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testAccount(equity string) *broker.Account {
	return &broker.Account{
		ID:       "acc-1",
		Balance:  dec(equity),
		Equity:   dec(equity),
		Currency: "USDT",
	}
}

func limitOrder(symbol, entry, stop string) *broker.Order {
	o := &broker.Order{
		Symbol:     symbol,
		Side:       broker.SideBuy,
		Type:       broker.OrderTypeLimit,
		Quantity:   dec("1"),
		LimitPrice: dec(entry),
		Status:     broker.StatusPending,
	}
	if stop != "" {
		o.StopPrice = dec(stop)
	}
	return o
}

func TestCalculatePositionSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskPerTrade = dec("0.02")
	cfg.MaxPositionSize = dec("1")

	tests := []struct {
		name   string
		order  *broker.Order
		equity string
		want   string
	}{
		{
			// risk-per-unit = |100-98| = 2; (10000*0.02)/2 = 100
			name:   "stop based sizing",
			order:  limitOrder("BTCUSDT", "100", "98"),
			equity: "10000",
			want:   "100",
		},
		{
			// cap = (10000*1)/1 = 10000 < (10000*0.02)/0.0005 = 400000
			name:   "capped by max position size",
			order:  limitOrder("BTCUSDT", "1", "0.9995"),
			equity: "10000",
			want:   "10000",
		},
		{
			// no stop: (10000*0.02)/50 = 4
			name:   "fallback without stop",
			order:  limitOrder("ETHUSDT", "50", ""),
			equity: "10000",
			want:   "4",
		},
		{
			name:   "no prices at all",
			order:  &broker.Order{Symbol: "BTCUSDT", Side: broker.SideBuy, Type: broker.OrderTypeMarket},
			equity: "10000",
			want:   "1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(cfg)
			got := e.CalculatePositionSize(tt.order, testAccount(tt.equity))
			assert.True(t, got.Equal(dec(tt.want)), "size=%s want=%s", got, tt.want)
		})
	}
}

func TestCalculateTradeRisk(t *testing.T) {
	e := NewEngine(DefaultConfig())
	acc := testAccount("10000")

	o := limitOrder("BTCUSDT", "100", "98")
	o.Quantity = dec("100")
	assert.True(t, e.CalculateTradeRisk(o, acc).Equal(dec("200")))

	// No stop: qty * entry * maxRiskPerTrade = 100 * 100 * 0.02 = 200
	o2 := limitOrder("BTCUSDT", "100", "")
	o2.Quantity = dec("100")
	assert.True(t, e.CalculateTradeRisk(o2, acc).Equal(dec("200")))
}

func TestCalculateDrawdown(t *testing.T) {
	e := NewEngine(DefaultConfig())

	// First observation sets the high-water mark; drawdown is zero.
	assert.True(t, e.CalculateDrawdown(testAccount("10000")).IsZero())

	// Equity falls 10% below the mark.
	dd := e.CalculateDrawdown(testAccount("9000"))
	assert.True(t, dd.Equal(dec("0.1")), "dd=%s", dd)

	// Recovery above the old peak ratchets the mark up, never down.
	assert.True(t, e.CalculateDrawdown(testAccount("12000")).IsZero())
	snap := e.Snapshot()
	assert.True(t, snap.HighWaterMark.Equal(dec("12000")))

	dd = e.CalculateDrawdown(testAccount("6000"))
	assert.True(t, dd.Equal(dec("0.5")), "dd=%s", dd)
	assert.False(t, dd.IsNegative())
}

func TestEmergencyStopLatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDrawdown = dec("0.2")
	e := NewEngine(cfg)

	e.CalculateDrawdown(testAccount("10000")) // establish the mark
	crashed := testAccount("7000")            // 30% drawdown

	require.True(t, e.ShouldTriggerEmergencyStop(crashed), "first exceedance latches")
	assert.False(t, e.ShouldTriggerEmergencyStop(crashed), "already latched")
	assert.True(t, e.EmergencyStopActive())

	e.ResetEmergencyStop()
	assert.False(t, e.EmergencyStopActive())
	assert.True(t, e.ShouldTriggerEmergencyStop(crashed), "re-latches after manual reset")
}

func TestValidateOrderRejections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositionSize = dec("1")
	cfg.MaxOpenPositions = 2

	openPositions := func(n int) []*broker.Position {
		out := make([]*broker.Position, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, &broker.Position{Symbol: "SYM", Quantity: dec("1")})
		}
		return out
	}

	t.Run("emergency stop blocks everything", func(t *testing.T) {
		e := NewEngine(cfg)
		e.CalculateDrawdown(testAccount("10000"))
		require.True(t, e.ShouldTriggerEmergencyStop(testAccount("1000")))

		d := e.ValidateOrder(limitOrder("BTCUSDT", "100", "98"), testAccount("10000"), nil)
		assert.False(t, d.Approved)
		assert.Contains(t, d.Reason, "emergency stop")
	})

	t.Run("balance below minimum", func(t *testing.T) {
		e := NewEngine(cfg)
		d := e.ValidateOrder(limitOrder("BTCUSDT", "100", "98"), testAccount("50"), nil)
		assert.False(t, d.Approved)
		assert.Contains(t, d.Reason, "below minimum")
	})

	t.Run("open positions at limit rejects regardless of size", func(t *testing.T) {
		e := NewEngine(cfg)
		for _, entry := range []string{"1", "100", "50000"} {
			d := e.ValidateOrder(limitOrder("BTCUSDT", entry, ""), testAccount("10000"), openPositions(2))
			assert.False(t, d.Approved)
			assert.Contains(t, d.Reason, "open positions")
		}
	})

	t.Run("projected portfolio risk", func(t *testing.T) {
		small := cfg
		small.MaxPortfolioRisk = dec("0.03")
		e := NewEngine(small)
		acc := testAccount("10000")

		first := limitOrder("AAAUSDT", "100", "98")
		d := e.ValidateOrder(first, acc, nil)
		require.True(t, d.Approved, "reason: %s", d.Reason)
		e.OnOrderFilled(first, acc)

		// Existing 200 + new 200 = 400 > 10000*0.03.
		d = e.ValidateOrder(limitOrder("BBBUSDT", "100", "98"), acc, nil)
		assert.False(t, d.Approved)
		assert.Contains(t, d.Reason, "portfolio risk")
	})

	t.Run("drawdown beyond limit", func(t *testing.T) {
		loose := cfg
		loose.MaxDrawdown = dec("0.1")
		e := NewEngine(loose)
		e.CalculateDrawdown(testAccount("20000"))

		d := e.ValidateOrder(limitOrder("BTCUSDT", "100", "98"), testAccount("10000"), nil)
		assert.False(t, d.Approved)
		assert.Contains(t, d.Reason, "drawdown")
	})
}

func TestValidateOrderRewritesQuantity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositionSize = dec("1")
	e := NewEngine(cfg)

	o := limitOrder("BTCUSDT", "100", "98")
	o.Quantity = dec("999999") // requested quantity is advisory only

	d := e.ValidateOrder(o, testAccount("10000"), nil)
	require.True(t, d.Approved, "reason: %s", d.Reason)
	assert.True(t, o.Quantity.Equal(dec("100")), "quantity rewritten to computed size, got %s", o.Quantity)
	assert.True(t, d.PositionSize.Equal(dec("100")))
	assert.True(t, d.RiskAmount.Equal(dec("200")))
}

func TestRiskLedgerFillThenClose(t *testing.T) {
	e := NewEngine(DefaultConfig())
	acc := testAccount("10000")

	o := limitOrder("BTCUSDT", "100", "98")
	o.Quantity = dec("100")

	e.OnOrderFilled(o, acc)
	amount, ok := e.SymbolRisk("BTCUSDT")
	require.True(t, ok)
	assert.True(t, amount.Equal(dec("200")))
	assert.True(t, e.TotalRisk().Equal(dec("200")))

	// A second fill on the same symbol merges additively.
	e.OnOrderFilled(o, acc)
	amount, _ = e.SymbolRisk("BTCUSDT")
	assert.True(t, amount.Equal(dec("400")))

	e.OnPositionClosed("BTCUSDT", dec("55"))
	_, ok = e.SymbolRisk("BTCUSDT")
	assert.False(t, ok, "symbol entry removed")
	assert.True(t, e.TotalRisk().IsZero(), "total decreased by exactly the booked amount")

	// Closing an unknown symbol is a no-op.
	e.OnPositionClosed("ETHUSDT", decimal.Zero)
	assert.True(t, e.TotalRisk().IsZero())
}
