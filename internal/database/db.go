// Package database implements persistence: a pgx-backed repository for
// positions, hedges, trade history and the signal cache, plus an optional
// Redis mirror for hot-path state.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a database connection pool and verifies it
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info().Str("database", cfg.Database).Msg("connected to postgres")
	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the schema
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS main_positions (
			symbol VARCHAR(32) PRIMARY KEY,
			side VARCHAR(8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			leverage INTEGER NOT NULL,
			margin DECIMAL(20, 8) NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS hedge_positions (
			id VARCHAR(36) PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			leverage INTEGER NOT NULL,
			margin DECIMAL(20, 8) NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hedge_positions_symbol ON hedge_positions(symbol)`,

		`CREATE TABLE IF NOT EXISTS trade_history (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL,
			note VARCHAR(64)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_history_symbol ON trade_history(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_history_closed_at ON trade_history(closed_at)`,

		`CREATE TABLE IF NOT EXISTS signal_cache (
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(8) NOT NULL,
			action VARCHAR(8) NOT NULL,
			candle_timestamp BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (symbol, timeframe, action)
		)`,

		`CREATE TABLE IF NOT EXISTS trading_params (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			leverage INTEGER NOT NULL,
			primary_position_pct DECIMAL(10, 4) NOT NULL,
			secondary_position_pct DECIMAL(10, 4) NOT NULL,
			hard_take_profit_pct DECIMAL(10, 6) NOT NULL,
			hedge_take_profit_pct DECIMAL(10, 6) NOT NULL,
			max_notional_pct DECIMAL(10, 4) NOT NULL,
			max_hedge_count INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	db.logger.Info().Int("statements", len(migrations)).Msg("migrations applied")
	return nil
}
