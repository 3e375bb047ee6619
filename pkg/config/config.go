package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all settings consumed by the execution core. Values come from
// defaults, then an optional YAML file (CONFIG_FILE), then environment
// variables (optionally via .env) which win.
type Config struct {
	// Connector selects the broker connector: "paper" or "binance". Empty
	// means no connector enabled, which is a fatal startup error.
	Connector string   `yaml:"connector"`
	Symbols   []string `yaml:"symbols"`

	// Risk thresholds. Fractions are of account equity.
	MaxRiskPerTrade   float64 `yaml:"max_risk_per_trade"`
	MaxPortfolioRisk  float64 `yaml:"max_portfolio_risk"`
	MaxDrawdown       float64 `yaml:"max_drawdown"`
	MaxPositionSize   float64 `yaml:"max_position_size"`
	MaxOpenPositions  int     `yaml:"max_open_positions"`
	MinAccountBalance float64 `yaml:"min_account_balance"`

	// Monitor intervals.
	AccountInterval   Duration `yaml:"account_interval"`
	PositionInterval  Duration `yaml:"position_interval"`
	RiskInterval      Duration `yaml:"risk_interval"`
	HealthInterval    Duration `yaml:"health_interval"`
	ReconcileInterval Duration `yaml:"reconcile_interval"`

	// Connection supervision.
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	ReconnectDelay       Duration `yaml:"reconnect_delay"`
	HeartbeatTimeout     Duration `yaml:"heartbeat_timeout"`

	EmergencyStopEnabled bool `yaml:"emergency_stop_enabled"`
	Workers              int  `yaml:"workers"`

	StartTimeout    Duration `yaml:"start_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// Binance connector.
	BinanceAPIKey    string `yaml:"-"`
	BinanceAPISecret string `yaml:"-"`
	BinanceTestnet   bool   `yaml:"binance_testnet"`

	// Paper connector simulation.
	PaperInitialBalance float64 `yaml:"paper_initial_balance"`
	PaperFeeRate        float64 `yaml:"paper_fee_rate"`
	PaperSlippageBps    float64 `yaml:"paper_slippage_bps"`
	PaperLatencyMs      int     `yaml:"paper_latency_ms"`

	// Logging.
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Duration wraps time.Duration so YAML values like "30s" parse naturally.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func defaults() *Config {
	return &Config{
		Connector:            "paper",
		Symbols:              []string{"BTCUSDT"},
		MaxRiskPerTrade:      0.02,
		MaxPortfolioRisk:     0.06,
		MaxDrawdown:          0.15,
		MaxPositionSize:      0.25,
		MaxOpenPositions:     5,
		MinAccountBalance:    100,
		AccountInterval:      Duration(10 * time.Second),
		PositionInterval:     Duration(10 * time.Second),
		RiskInterval:         Duration(5 * time.Second),
		HealthInterval:       Duration(15 * time.Second),
		ReconcileInterval:    Duration(5 * time.Second),
		MaxReconnectAttempts: 5,
		ReconnectDelay:       Duration(3 * time.Second),
		HeartbeatTimeout:     Duration(60 * time.Second),
		EmergencyStopEnabled: true,
		Workers:              4,
		StartTimeout:         Duration(30 * time.Second),
		ShutdownTimeout:      Duration(30 * time.Second),
		PaperInitialBalance:  10000,
		PaperFeeRate:         0.0004,
		PaperSlippageBps:     2,
		LogLevel:             "info",
	}
}

// Load builds the configuration. A missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	cfg.Connector = strings.ToLower(getEnv("CONNECTOR", cfg.Connector))
	if v := os.Getenv("SYMBOLS"); v != "" {
		cfg.Symbols = splitAndTrim(v)
	}

	cfg.MaxRiskPerTrade = getEnvFloat("MAX_RISK_PER_TRADE", cfg.MaxRiskPerTrade)
	cfg.MaxPortfolioRisk = getEnvFloat("MAX_PORTFOLIO_RISK", cfg.MaxPortfolioRisk)
	cfg.MaxDrawdown = getEnvFloat("MAX_DRAWDOWN", cfg.MaxDrawdown)
	cfg.MaxPositionSize = getEnvFloat("MAX_POSITION_SIZE", cfg.MaxPositionSize)
	cfg.MaxOpenPositions = getEnvInt("MAX_OPEN_POSITIONS", cfg.MaxOpenPositions)
	cfg.MinAccountBalance = getEnvFloat("MIN_ACCOUNT_BALANCE", cfg.MinAccountBalance)

	cfg.AccountInterval = getEnvDuration("ACCOUNT_INTERVAL", cfg.AccountInterval)
	cfg.PositionInterval = getEnvDuration("POSITION_INTERVAL", cfg.PositionInterval)
	cfg.RiskInterval = getEnvDuration("RISK_INTERVAL", cfg.RiskInterval)
	cfg.HealthInterval = getEnvDuration("HEALTH_INTERVAL", cfg.HealthInterval)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", cfg.ReconcileInterval)

	cfg.MaxReconnectAttempts = getEnvInt("MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts)
	cfg.ReconnectDelay = getEnvDuration("RECONNECT_DELAY", cfg.ReconnectDelay)
	cfg.HeartbeatTimeout = getEnvDuration("HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)

	cfg.EmergencyStopEnabled = getEnvBool("EMERGENCY_STOP_ENABLED", cfg.EmergencyStopEnabled)
	cfg.Workers = getEnvInt("WORKERS", cfg.Workers)
	cfg.StartTimeout = getEnvDuration("START_TIMEOUT", cfg.StartTimeout)
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	cfg.BinanceAPISecret = os.Getenv("BINANCE_API_SECRET")
	cfg.BinanceTestnet = getEnvBool("BINANCE_TESTNET", cfg.BinanceTestnet)

	cfg.PaperInitialBalance = getEnvFloat("PAPER_INITIAL_BALANCE", cfg.PaperInitialBalance)
	cfg.PaperFeeRate = getEnvFloat("PAPER_FEE_RATE", cfg.PaperFeeRate)
	cfg.PaperSlippageBps = getEnvFloat("PAPER_SLIPPAGE_BPS", cfg.PaperSlippageBps)
	cfg.PaperLatencyMs = getEnvInt("PAPER_LATENCY_MS", cfg.PaperLatencyMs)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def Duration) Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
