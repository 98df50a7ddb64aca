package database

import "time"

// MainPosition is the persisted main position for a symbol
type MainPosition struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // "long" or "short"
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	Leverage   int       `json:"leverage"`
	Margin     float64   `json:"margin"`
	OpenedAt   time.Time `json:"opened_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HedgePosition is one persisted hedge leg. Hedges are independent entries
// opened against the main position; a symbol carries at most a configured
// number of them.
type HedgePosition struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	Leverage   int       `json:"leverage"`
	Margin     float64   `json:"margin"`
	OpenedAt   time.Time `json:"opened_at"`
}

// TradeRecord is one closed trade in the history ledger
type TradeRecord struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	RealizedPnL float64  `json:"realized_pnl"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
	Note       string    `json:"note"` // Close reason (hedge_escape, hard_tp, ...)
}

// SignalCacheEntry records the last processed closed-candle timestamp for a
// (symbol, timeframe, action) triple. Persisted so restarts do not replay
// already-acted-on signals.
type SignalCacheEntry struct {
	Symbol          string    `json:"symbol"`
	Timeframe       string    `json:"timeframe"`
	Action          string    `json:"action"`
	CandleTimestamp int64     `json:"candle_timestamp"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TradingParams are the hot-reloadable trading parameters. The orchestrator
// re-reads them between scan cycles, so edits take effect without a restart.
type TradingParams struct {
	Leverage             int     `json:"leverage"`
	PrimaryPositionPct   float64 `json:"primary_position_pct"`
	SecondaryPositionPct float64 `json:"secondary_position_pct"`
	HardTakeProfitPct    float64 `json:"hard_take_profit_pct"`
	HedgeTakeProfitPct   float64 `json:"hedge_take_profit_pct"`
	MaxNotionalPct       float64 `json:"max_notional_pct"`
	MaxHedgeCount        int     `json:"max_hedge_count"`
	UpdatedAt            time.Time `json:"updated_at"`
}
