package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ExchangeConfig  ExchangeConfig  `json:"exchange"`
	MarketConfig    MarketConfig    `json:"market"`
	StreamConfig    StreamConfig    `json:"stream"`
	TradingConfig   TradingConfig   `json:"trading"`
	SchedulerConfig SchedulerConfig `json:"scheduler"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
	ServerConfig    ServerConfig    `json:"server"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// ExchangeConfig holds OKX REST API configuration
type ExchangeConfig struct {
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	Passphrase string `json:"passphrase"`
	BaseURL    string `json:"base_url"`
	Demo       bool   `json:"demo"` // Demo trading (x-simulated-trading header)

	RequestTimeoutSec int `json:"request_timeout_sec"`
	MaxRetries        int `json:"max_retries"`
}

// MarketConfig tunes the candle cache and the single-flight query caches
type MarketConfig struct {
	WindowSize       int     `json:"window_size"`        // Max candles kept per symbol:timeframe
	PageSize         int     `json:"page_size"`          // Candles per pagination page
	MaxPages         int     `json:"max_pages"`          // Pagination page cap during bootstrap
	MinViableBars    int     `json:"min_viable_bars"`    // Accept thin history for new listings
	IncrementalLimit int     `json:"incremental_limit"`  // Page size for warm-path refresh
	SafetyMarginMS   int64   `json:"safety_margin_ms"`  // Wait this long past candle close before refetching
	TickerTTLSec     float64 `json:"ticker_ttl_sec"`    // TTL for ticker queries
	BalanceTTLSec    float64 `json:"balance_ttl_sec"`   // TTL for balance queries
	PositionsTTLSec  float64 `json:"positions_ttl_sec"` // TTL for position queries
}

// StreamConfig holds WebSocket streaming configuration
type StreamConfig struct {
	Enabled        bool   `json:"enabled"`
	URL            string `json:"url"`
	QueueSize      int    `json:"queue_size"`       // Bounded inbound message queue
	BackoffBaseSec int    `json:"backoff_base_sec"` // Reconnect backoff base
	BackoffMaxSec  int    `json:"backoff_max_sec"`  // Reconnect backoff cap
}

// TradingConfig holds position sizing and exit thresholds.
// These are hot-reloadable between scan cycles via Store.GetTradingParams.
type TradingConfig struct {
	Symbols             []string `json:"symbols"`
	Timeframes          []string `json:"timeframes"`
	Leverage            int      `json:"leverage"`
	PrimaryPositionPct  float64  `json:"primary_position_pct"`  // Of equity, for main entries
	SecondaryPositionPct float64 `json:"secondary_position_pct"` // Of equity, for hedge entries
	HardTakeProfitPct   float64  `json:"hard_take_profit_pct"`  // Unleveraged ROI, main-only exit
	HedgeTakeProfitPct  float64  `json:"hedge_take_profit_pct"` // Net ROI over total margin, hedged exit
	MaxNotionalPct      float64  `json:"max_notional_pct"`      // Total notional cap as fraction of equity
	PaperMode           bool     `json:"paper_mode"`            // Simulated fills instead of live orders
}

// SchedulerConfig tunes the minute-aligned scan loop
type SchedulerConfig struct {
	WorkerCount    int `json:"worker_count"`     // Parallel market-data fetchers per cycle
	TargetBars     int `json:"target_bars"`      // Candles handed to the strategy engine
	DedupCacheSize int `json:"dedup_cache_size"` // Signal dedup entries retained
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Output  string `json:"output"`
	Console bool   `json:"console"`
}

// Load reads configuration from the optional config file and applies
// environment overrides on top of the defaults.
func Load() (*Config, error) {
	cfg := Default()

	path := getEnv("CONFIG_FILE", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ExchangeConfig.APIKey = getEnv("OKX_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnv("OKX_API_SECRET", cfg.ExchangeConfig.SecretKey)
	cfg.ExchangeConfig.Passphrase = getEnv("OKX_API_PASSPHRASE", cfg.ExchangeConfig.Passphrase)
	cfg.ExchangeConfig.BaseURL = getEnv("OKX_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.StreamConfig.URL = getEnv("OKX_WS_URL", cfg.StreamConfig.URL)

	cfg.DatabaseConfig.Host = getEnv("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvInt("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnv("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnv("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnv("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnv("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Address = getEnv("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnv("REDIS_PASSWORD", cfg.RedisConfig.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ExchangeConfig: ExchangeConfig{
			BaseURL:           "https://www.okx.com",
			RequestTimeoutSec: 10,
			MaxRetries:        2,
		},
		MarketConfig: MarketConfig{
			WindowSize:       1000,
			PageSize:         100,
			MaxPages:         15,
			MinViableBars:    50,
			IncrementalLimit: 10,
			SafetyMarginMS:   1500,
			TickerTTLSec:     2,
			BalanceTTLSec:    5,
			PositionsTTLSec:  5,
		},
		StreamConfig: StreamConfig{
			Enabled:        true,
			URL:            "wss://ws.okx.com:8443/ws/v5/business",
			QueueSize:      1000,
			BackoffBaseSec: 1,
			BackoffMaxSec:  30,
		},
		TradingConfig: TradingConfig{
			Symbols:              []string{"BTC-USDT-SWAP"},
			Timeframes:           []string{"1m", "5m", "15m", "1h"},
			Leverage:             20,
			PrimaryPositionPct:   5.0,
			SecondaryPositionPct: 2.5,
			HardTakeProfitPct:    0.02,
			HedgeTakeProfitPct:   0.005,
			MaxNotionalPct:       0.10,
			PaperMode:            true,
		},
		SchedulerConfig: SchedulerConfig{
			WorkerCount:    4,
			TargetBars:     1000,
			DedupCacheSize: 512,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trading_engine",
			Database: "trading_engine",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		ServerConfig: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		LoggingConfig: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations that cannot run. Only genuinely
// unrecoverable problems are errors; everything else has a default.
func (c *Config) Validate() error {
	if c.MarketConfig.WindowSize <= 0 {
		return fmt.Errorf("market.window_size must be positive, got %d", c.MarketConfig.WindowSize)
	}
	if c.MarketConfig.PageSize <= 0 || c.MarketConfig.MaxPages <= 0 {
		return fmt.Errorf("market pagination settings must be positive")
	}
	if c.TradingConfig.Leverage <= 0 {
		return fmt.Errorf("trading.leverage must be positive, got %d", c.TradingConfig.Leverage)
	}
	if len(c.TradingConfig.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must not be empty")
	}
	if c.SchedulerConfig.WorkerCount <= 0 {
		return fmt.Errorf("scheduler.worker_count must be positive, got %d", c.SchedulerConfig.WorkerCount)
	}
	for _, tf := range c.TradingConfig.Timeframes {
		if !validTimeframes[tf] {
			return fmt.Errorf("unsupported timeframe %q", tf)
		}
	}
	return nil
}

var validTimeframes = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true,
	"30m": true, "1h": true, "4h": true, "1d": true,
}

// RequestTimeout returns the REST request timeout as a duration
func (e ExchangeConfig) RequestTimeout() time.Duration {
	if e.RequestTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(e.RequestTimeoutSec) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
