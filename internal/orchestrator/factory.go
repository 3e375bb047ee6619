package orchestrator

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"execution-core/internal/broker"
	"execution-core/internal/broker/binance"
	"execution-core/internal/broker/paper"
	"execution-core/pkg/config"
)

// newConnector builds the broker connector selected by configuration.
func newConnector(cfg *config.Config) (broker.Connector, error) {
	switch cfg.Connector {
	case "paper":
		return paper.New(paper.Config{
			InitialBalance: decimal.NewFromFloat(cfg.PaperInitialBalance),
			FeeRate:        decimal.NewFromFloat(cfg.PaperFeeRate),
			SlippageBps:    decimal.NewFromFloat(cfg.PaperSlippageBps),
			Latency:        time.Duration(cfg.PaperLatencyMs) * time.Millisecond,
		}), nil
	case "binance":
		if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
			return nil, errors.New("binance connector requires BINANCE_API_KEY and BINANCE_API_SECRET")
		}
		return binance.New(binance.Config{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
		}), nil
	case "":
		return nil, errors.New("no connector enabled: set CONNECTOR to paper or binance")
	default:
		return nil, errors.Errorf("unknown connector %q", cfg.Connector)
	}
}
