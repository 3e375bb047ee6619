package risk

import "github.com/shopspring/decimal"

// Config holds the risk policy thresholds. Fractions are of account equity.
type Config struct {
	MaxRiskPerTrade   decimal.Decimal // e.g. 0.02 = 2% of equity at stake per trade
	MaxPortfolioRisk  decimal.Decimal // cap on summed per-symbol risk
	MaxDrawdown       decimal.Decimal // decline from the equity high-water mark
	MaxPositionSize   decimal.Decimal // cap on a single position's notional
	MaxOpenPositions  int
	MinAccountBalance decimal.Decimal
}

// DefaultConfig returns conservative defaults for local runs and tests.
func DefaultConfig() Config {
	return Config{
		MaxRiskPerTrade:   decimal.NewFromFloat(0.02),
		MaxPortfolioRisk:  decimal.NewFromFloat(0.06),
		MaxDrawdown:       decimal.NewFromFloat(0.15),
		MaxPositionSize:   decimal.NewFromFloat(0.25),
		MaxOpenPositions:  5,
		MinAccountBalance: decimal.NewFromInt(100),
	}
}

// Decision is the outcome of validating an order against risk policy.
type Decision struct {
	Approved     bool
	Reason       string
	PositionSize decimal.Decimal
	RiskAmount   decimal.Decimal
}

func reject(reason string) Decision {
	return Decision{Approved: false, Reason: reason}
}

// Ledger is a read-only snapshot of the engine's mutable risk state.
type Ledger struct {
	SymbolRisk    map[string]decimal.Decimal
	TotalRisk     decimal.Decimal
	HighWaterMark decimal.Decimal
	EmergencyStop bool
}
