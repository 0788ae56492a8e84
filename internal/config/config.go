// Package config carries the venue catalog, timing constants and
// credentials. Values come from built-in defaults, an optional YAML file
// and environment overrides, in that order. Configuration is read-only
// after process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fundspread-aggregator/internal/venue"
)

// SettlementZone is the display zone for settlement times. Funding
// settlement strings are rendered in UTC+8 regardless of host timezone.
var SettlementZone = time.FixedZone("UTC+8", 8*60*60)

// Config is the full service configuration.
type Config struct {
	Port           int    `yaml:"port"`
	MetricsPort    int    `yaml:"metrics_port"`
	AppURL         string `yaml:"app_url"`
	AccessPassword string `yaml:"-"`
	LogLevel       string `yaml:"log_level"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redis_db"`

	// Symbols pins the symbol universe; when empty the universe is
	// discovered from the venue B exchange info at startup.
	Symbols    []string `yaml:"symbols"`
	MaxSymbols int      `yaml:"max_symbols"`

	FundingPollInterval time.Duration `yaml:"funding_poll_interval"`

	OKX     VenueConfig `yaml:"okx"`
	Binance VenueConfig `yaml:"binance"`

	Timings Timings `yaml:"timings"`

	BinanceAPIKey    string `yaml:"-"`
	BinanceAPISecret string `yaml:"-"`
	OKXAPIKey        string `yaml:"-"`
	OKXAPISecret     string `yaml:"-"`
	OKXPassphrase    string `yaml:"-"`
}

// VenueConfig sizes and addresses one venue's connection pool.
type VenueConfig struct {
	Enabled          bool   `yaml:"enabled"`
	WSURL            string `yaml:"ws_url"`
	RESTURL          string `yaml:"rest_url"`
	MastersCount     int    `yaml:"masters_count"`
	WarmStandbys     int    `yaml:"warm_standbys_count"`
	SymbolsPerMaster int    `yaml:"symbols_per_master"`
	// HeartbeatSymbol is canonical; venue codecs convert to wire form.
	HeartbeatSymbol string `yaml:"heartbeat_symbol"`
}

// Timings holds every interval the pool and pipeline obey. Tests shrink
// these; production uses Default values.
type Timings struct {
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	CloseTimeout       time.Duration `yaml:"close_timeout"`
	MonitorTick        time.Duration `yaml:"monitor_tick"`
	HealthTick         time.Duration `yaml:"health_tick"`
	StandbyBaseDelay   time.Duration `yaml:"standby_base_delay"`
	StandbyStepDelay   time.Duration `yaml:"standby_step_delay"`
	FailoverPause      time.Duration `yaml:"failover_pause"`
	MonitorInitRetries int           `yaml:"monitor_init_retries"`
}

// Default returns the production configuration.
func Default() Config {
	return Config{
		Port:                10000,
		MetricsPort:         9090,
		LogLevel:            "info",
		RedisDB:             0,
		FundingPollInterval: time.Hour,
		OKX: VenueConfig{
			Enabled:          true,
			WSURL:            "wss://ws.okx.com:8443/ws/v5/public",
			RESTURL:          "https://www.okx.com",
			MastersCount:     3,
			WarmStandbys:     3,
			SymbolsPerMaster: 300,
			HeartbeatSymbol:  "BTCUSDT",
		},
		Binance: VenueConfig{
			Enabled:          true,
			WSURL:            "wss://fstream.binance.com/ws",
			RESTURL:          "https://fapi.binance.com",
			MastersCount:     3,
			WarmStandbys:     3,
			SymbolsPerMaster: 300,
			HeartbeatSymbol:  "BTCUSDT",
		},
		Timings: DefaultTimings(),
	}
}

// DefaultTimings returns the production timing constants.
func DefaultTimings() Timings {
	return Timings{
		DialTimeout:        30 * time.Second,
		WriteTimeout:       10 * time.Second,
		HeartbeatInterval:  15 * time.Second,
		CloseTimeout:       time.Second,
		MonitorTick:        3 * time.Second,
		HealthTick:         30 * time.Second,
		StandbyBaseDelay:   10 * time.Second,
		StandbyStepDelay:   5 * time.Second,
		FailoverPause:      time.Second,
		MonitorInitRetries: 3,
	}
}

// Venue returns the pool configuration for an exchange.
func (c *Config) Venue(ex venue.Exchange) VenueConfig {
	if ex == venue.OKX {
		return c.OKX
	}
	return c.Binance
}

// Load builds the configuration: defaults, then the YAML file when one
// exists, then environment overrides. A missing file is not an error; an
// unreadable or malformed one is.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if explicit {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnvInt("PORT", c.Port)
	c.MetricsPort = getEnvInt("METRICS_PORT", c.MetricsPort)
	c.AppURL = getEnv("APP_URL", c.AppURL)
	c.AccessPassword = getEnv("ACCESS_PASSWORD", c.AccessPassword)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)

	if raw := os.Getenv("SYMBOLS"); raw != "" {
		c.Symbols = splitSymbols(raw)
	}
	c.MaxSymbols = getEnvInt("MAX_SYMBOLS", c.MaxSymbols)

	c.BinanceAPIKey = getEnv("BINANCE_API_KEY", c.BinanceAPIKey)
	c.BinanceAPISecret = getEnv("BINANCE_API_SECRET", c.BinanceAPISecret)
	c.OKXAPIKey = getEnv("OKX_API_KEY", c.OKXAPIKey)
	c.OKXAPISecret = getEnv("OKX_API_SECRET", c.OKXAPISecret)
	c.OKXPassphrase = getEnv("OKX_PASSPHRASE", c.OKXPassphrase)
}

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.ToUpper(strings.TrimSpace(p)); s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
