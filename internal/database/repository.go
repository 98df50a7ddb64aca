package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository is the Postgres-backed Store
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the connection pool
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the database
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// SaveMainPosition upserts the main position for a symbol
func (r *Repository) SaveMainPosition(ctx context.Context, p *MainPosition) error {
	query := `
		INSERT INTO main_positions (symbol, side, quantity, entry_price, leverage, margin, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			side = EXCLUDED.side,
			quantity = EXCLUDED.quantity,
			entry_price = EXCLUDED.entry_price,
			leverage = EXCLUDED.leverage,
			margin = EXCLUDED.margin,
			opened_at = EXCLUDED.opened_at,
			updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query,
		p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.Leverage, p.Margin, p.OpenedAt)
	if err != nil {
		return fmt.Errorf("save main position %s: %w", p.Symbol, err)
	}
	return nil
}

// DeleteMainPosition removes the main position for a symbol
func (r *Repository) DeleteMainPosition(ctx context.Context, symbol string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM main_positions WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("delete main position %s: %w", symbol, err)
	}
	return nil
}

// GetMainPositions returns all persisted main positions
func (r *Repository) GetMainPositions(ctx context.Context) ([]MainPosition, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, side, quantity, entry_price, leverage, margin, opened_at, updated_at
		FROM main_positions`)
	if err != nil {
		return nil, fmt.Errorf("get main positions: %w", err)
	}
	defer rows.Close()

	var out []MainPosition
	for rows.Next() {
		var p MainPosition
		if err := rows.Scan(&p.Symbol, &p.Side, &p.Quantity, &p.EntryPrice,
			&p.Leverage, &p.Margin, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan main position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveHedge inserts one hedge leg
func (r *Repository) SaveHedge(ctx context.Context, h *HedgePosition) error {
	query := `
		INSERT INTO hedge_positions (id, symbol, side, quantity, entry_price, leverage, margin, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		h.ID, h.Symbol, h.Side, h.Quantity, h.EntryPrice, h.Leverage, h.Margin, h.OpenedAt)
	if err != nil {
		return fmt.Errorf("save hedge %s: %w", h.ID, err)
	}
	return nil
}

// DeleteHedge removes one hedge leg by id
func (r *Repository) DeleteHedge(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM hedge_positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete hedge %s: %w", id, err)
	}
	return nil
}

// DeleteHedgesForSymbol removes every hedge leg for a symbol
func (r *Repository) DeleteHedgesForSymbol(ctx context.Context, symbol string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM hedge_positions WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("delete hedges %s: %w", symbol, err)
	}
	return nil
}

// GetHedges returns all persisted hedge legs
func (r *Repository) GetHedges(ctx context.Context) ([]HedgePosition, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, symbol, side, quantity, entry_price, leverage, margin, opened_at
		FROM hedge_positions ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("get hedges: %w", err)
	}
	defer rows.Close()

	var out []HedgePosition
	for rows.Next() {
		var h HedgePosition
		if err := rows.Scan(&h.ID, &h.Symbol, &h.Side, &h.Quantity,
			&h.EntryPrice, &h.Leverage, &h.Margin, &h.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan hedge: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RecordTrade appends a closed trade to the history ledger
func (r *Repository) RecordTrade(ctx context.Context, t *TradeRecord) error {
	query := `
		INSERT INTO trade_history (symbol, side, quantity, entry_price, exit_price, realized_pnl, opened_at, closed_at, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		t.Symbol, t.Side, t.Quantity, t.EntryPrice, t.ExitPrice,
		t.RealizedPnL, t.OpenedAt, t.ClosedAt, t.Note).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("record trade %s: %w", t.Symbol, err)
	}
	return nil
}

// GetRecentTrades returns the newest closed trades
func (r *Repository) GetRecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, symbol, side, quantity, entry_price, exit_price, realized_pnl, opened_at, closed_at, note
		FROM trade_history ORDER BY closed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Quantity, &t.EntryPrice,
			&t.ExitPrice, &t.RealizedPnL, &t.OpenedAt, &t.ClosedAt, &t.Note); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetSignalCache loads the whole signal dedup table
func (r *Repository) GetSignalCache(ctx context.Context) ([]SignalCacheEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, timeframe, action, candle_timestamp, updated_at FROM signal_cache`)
	if err != nil {
		return nil, fmt.Errorf("get signal cache: %w", err)
	}
	defer rows.Close()

	var out []SignalCacheEntry
	for rows.Next() {
		var e SignalCacheEntry
		if err := rows.Scan(&e.Symbol, &e.Timeframe, &e.Action, &e.CandleTimestamp, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan signal cache entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertSignalCache writes through one dedup entry
func (r *Repository) UpsertSignalCache(ctx context.Context, e *SignalCacheEntry) error {
	query := `
		INSERT INTO signal_cache (symbol, timeframe, action, candle_timestamp, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (symbol, timeframe, action) DO UPDATE SET
			candle_timestamp = EXCLUDED.candle_timestamp,
			updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query, e.Symbol, e.Timeframe, e.Action, e.CandleTimestamp)
	if err != nil {
		return fmt.Errorf("upsert signal cache: %w", err)
	}
	return nil
}

// PruneSignalCache keeps only the most recently updated entries
func (r *Repository) PruneSignalCache(ctx context.Context, keep int) error {
	query := `
		DELETE FROM signal_cache WHERE (symbol, timeframe, action) NOT IN (
			SELECT symbol, timeframe, action FROM signal_cache
			ORDER BY updated_at DESC LIMIT $1
		)
	`
	_, err := r.db.Pool.Exec(ctx, query, keep)
	if err != nil {
		return fmt.Errorf("prune signal cache: %w", err)
	}
	return nil
}

// GetTradingParams returns the stored parameters, or (nil, nil) when the
// table is empty and config defaults apply.
func (r *Repository) GetTradingParams(ctx context.Context) (*TradingParams, error) {
	var p TradingParams
	err := r.db.Pool.QueryRow(ctx, `
		SELECT leverage, primary_position_pct, secondary_position_pct,
		       hard_take_profit_pct, hedge_take_profit_pct, max_notional_pct,
		       max_hedge_count, updated_at
		FROM trading_params WHERE id = 1`).Scan(
		&p.Leverage, &p.PrimaryPositionPct, &p.SecondaryPositionPct,
		&p.HardTakeProfitPct, &p.HedgeTakeProfitPct, &p.MaxNotionalPct,
		&p.MaxHedgeCount, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trading params: %w", err)
	}
	return &p, nil
}

// SaveTradingParams upserts the single parameters row
func (r *Repository) SaveTradingParams(ctx context.Context, p *TradingParams) error {
	query := `
		INSERT INTO trading_params (id, leverage, primary_position_pct, secondary_position_pct,
			hard_take_profit_pct, hedge_take_profit_pct, max_notional_pct, max_hedge_count, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			leverage = EXCLUDED.leverage,
			primary_position_pct = EXCLUDED.primary_position_pct,
			secondary_position_pct = EXCLUDED.secondary_position_pct,
			hard_take_profit_pct = EXCLUDED.hard_take_profit_pct,
			hedge_take_profit_pct = EXCLUDED.hedge_take_profit_pct,
			max_notional_pct = EXCLUDED.max_notional_pct,
			max_hedge_count = EXCLUDED.max_hedge_count,
			updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(ctx, query,
		p.Leverage, p.PrimaryPositionPct, p.SecondaryPositionPct,
		p.HardTakeProfitPct, p.HedgeTakeProfitPct, p.MaxNotionalPct, p.MaxHedgeCount)
	if err != nil {
		return fmt.Errorf("save trading params: %w", err)
	}
	p.UpdatedAt = time.Now()
	return nil
}

// Compile-time check that Repository implements Store
var _ Store = (*Repository)(nil)
