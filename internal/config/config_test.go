package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundspread-aggregator/internal/venue"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10000, cfg.Port)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.OKX.Enabled)
	assert.True(t, cfg.Binance.Enabled)
	assert.Equal(t, 3, cfg.OKX.MastersCount)
	assert.Equal(t, 3, cfg.OKX.WarmStandbys)
	assert.Equal(t, 300, cfg.OKX.SymbolsPerMaster)
	assert.Equal(t, "BTCUSDT", cfg.Binance.HeartbeatSymbol)
	assert.NotZero(t, cfg.Timings.MonitorTick)
	assert.NotZero(t, cfg.Timings.DialTimeout)
}

func TestLoadYAMLThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
port: 8080
max_symbols: 50
okx:
  enabled: true
  masters_count: 5
  warm_standbys_count: 1
symbols:
  - BTCUSDT
  - ETHUSDT
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9999")
	t.Setenv("ACCESS_PASSWORD", "hunter2")

	cfg, err := Load()
	require.NoError(t, err)

	// Environment beats the file, the file beats the defaults.
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "hunter2", cfg.AccessPassword)
	assert.Equal(t, 50, cfg.MaxSymbols)
	assert.Equal(t, 5, cfg.OKX.MastersCount)
	assert.Equal(t, 1, cfg.OKX.WarmStandbys)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Binance.MastersCount)
	assert.Equal(t, DefaultTimings(), cfg.Timings)
}

func TestLoadExplicitFileMissing(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not an int"), 0o644))

	t.Setenv("CONFIG_FILE", path)
	_, err := Load()
	require.Error(t, err)
}

func TestSymbolsEnvSplitting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 10000\n"), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SYMBOLS", " btcusdt, ethUSDT ,,SOLUSDT ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, cfg.Symbols)
}

func TestVenueLookup(t *testing.T) {
	cfg := Default()
	cfg.OKX.MastersCount = 7
	cfg.Binance.MastersCount = 9
	assert.Equal(t, 7, cfg.Venue(venue.OKX).MastersCount)
	assert.Equal(t, 9, cfg.Venue(venue.Binance).MastersCount)
}

func TestSettlementZoneOffset(t *testing.T) {
	zone, offset := time.Date(2025, 8, 22, 0, 0, 0, 0, SettlementZone).Zone()
	assert.Equal(t, "UTC+8", zone)
	assert.Equal(t, 8*60*60, offset)
}
