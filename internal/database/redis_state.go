package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// signalCacheKeyPrefix mirrors signal dedup entries:
	// engine:signal:{symbol}:{timeframe}:{action}
	signalCacheKeyPrefix = "engine:signal"

	// riskSnapshotKey holds the latest risk snapshot
	riskSnapshotKey = "engine:risk:snapshot"

	signalMirrorTTL = 7 * 24 * time.Hour
	snapshotTTL     = 5 * time.Minute
)

// RiskSnapshotState is the mirrored risk snapshot. Defined here rather than
// importing the engine package to avoid an import cycle.
type RiskSnapshotState struct {
	Equity            float64   `json:"equity"`
	TotalNotional     float64   `json:"total_notional"`
	TotalMargin       float64   `json:"total_margin"`
	UnrealizedPnL     float64   `json:"unrealized_pnl"`
	RemainingNotional float64   `json:"remaining_notional"`
	CanOpenNew        bool      `json:"can_open_new"`
	Reason            string    `json:"reason"`
	CheckedAt         time.Time `json:"checked_at"`
}

// RedisMirror mirrors hot-path state (signal dedup entries, the latest risk
// snapshot) into Redis for observability and fast restart. Redis being down
// never fails a caller: writes are skipped and reads return empty until the
// next successful ping flips the availability flag back.
type RedisMirror struct {
	client    *redis.Client
	logger    zerolog.Logger
	available atomic.Bool
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewRedisMirror connects to Redis. A failed initial ping is logged, not
// fatal; the mirror starts degraded and recovers on its own.
func NewRedisMirror(cfg RedisConfig, logger zerolog.Logger) *RedisMirror {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	m := &RedisMirror{client: client, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, mirror degraded")
	} else {
		m.available.Store(true)
		logger.Info().Str("address", cfg.Address).Msg("redis mirror connected")
	}
	return m
}

// Available reports whether the mirror believes Redis is reachable
func (m *RedisMirror) Available() bool {
	return m.available.Load()
}

// Ping re-checks connectivity and updates the availability flag
func (m *RedisMirror) Ping(ctx context.Context) error {
	err := m.client.Ping(ctx).Err()
	m.available.Store(err == nil)
	return err
}

// Close releases the client
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// MirrorSignal writes through one signal dedup entry
func (m *RedisMirror) MirrorSignal(ctx context.Context, e *SignalCacheEntry) {
	if !m.available.Load() {
		return
	}
	key := fmt.Sprintf("%s:%s:%s:%s", signalCacheKeyPrefix, e.Symbol, e.Timeframe, e.Action)
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := m.client.Set(ctx, key, data, signalMirrorTTL).Err(); err != nil {
		m.available.Store(false)
		m.logger.Warn().Err(err).Msg("redis signal mirror write failed")
	}
}

// MirrorRiskSnapshot writes through the latest risk snapshot
func (m *RedisMirror) MirrorRiskSnapshot(ctx context.Context, s *RiskSnapshotState) {
	if !m.available.Load() {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := m.client.Set(ctx, riskSnapshotKey, data, snapshotTTL).Err(); err != nil {
		m.available.Store(false)
		m.logger.Warn().Err(err).Msg("redis snapshot mirror write failed")
	}
}

// GetRiskSnapshot reads the mirrored snapshot, (nil, nil) when absent or
// Redis is unavailable.
func (m *RedisMirror) GetRiskSnapshot(ctx context.Context) (*RiskSnapshotState, error) {
	if !m.available.Load() {
		return nil, nil
	}
	data, err := m.client.Get(ctx, riskSnapshotKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		m.available.Store(false)
		return nil, fmt.Errorf("read mirrored snapshot: %w", err)
	}
	var s RiskSnapshotState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode mirrored snapshot: %w", err)
	}
	return &s, nil
}
