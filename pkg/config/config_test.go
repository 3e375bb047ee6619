package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Connector)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Symbols)
	assert.Equal(t, 0.02, cfg.MaxRiskPerTrade)
	assert.Equal(t, 0.15, cfg.MaxDrawdown)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.EmergencyStopEnabled)
	assert.Equal(t, 30*time.Second, cfg.StartTimeout.Std())
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("CONNECTOR", "BINANCE")
	t.Setenv("SYMBOLS", "ethusdt, btcusdt ,solusdt")
	t.Setenv("MAX_RISK_PER_TRADE", "0.01")
	t.Setenv("RECONNECT_DELAY", "250ms")
	t.Setenv("EMERGENCY_STOP_ENABLED", "false")
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_API_SECRET", "s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "binance", cfg.Connector, "connector is lower-cased")
	assert.Equal(t, []string{"ethusdt", "btcusdt", "solusdt"}, cfg.Symbols)
	assert.Equal(t, 0.01, cfg.MaxRiskPerTrade)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay.Std())
	assert.False(t, cfg.EmergencyStopEnabled)
	assert.Equal(t, "k", cfg.BinanceAPIKey)
	assert.Equal(t, "s", cfg.BinanceAPISecret)
}

func TestYAMLFileThenEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.yaml")
	body := []byte("connector: binance\nmax_drawdown: 0.2\nstart_timeout: 10s\nworkers: 8\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_DRAWDOWN", "0.3")
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_API_SECRET", "s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "binance", cfg.Connector)
	assert.Equal(t, 0.3, cfg.MaxDrawdown, "environment beats the file")
	assert.Equal(t, 10*time.Second, cfg.StartTimeout.Std())
	assert.Equal(t, 8, cfg.Workers)
}

func TestBadYAMLDurationFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.yaml")
	require.NoError(t, os.WriteFile(path, []byte("start_timeout: soon\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
}

func TestMissingConfigFileFails(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.Error(t, err)
}
