package database

import "context"

// Store is the persistence surface the engine depends on. The Postgres
// Repository is the production implementation; MemoryStore backs paper
// runs without a database and package tests.
type Store interface {
	// Main positions
	SaveMainPosition(ctx context.Context, p *MainPosition) error
	DeleteMainPosition(ctx context.Context, symbol string) error
	GetMainPositions(ctx context.Context) ([]MainPosition, error)

	// Hedge positions
	SaveHedge(ctx context.Context, h *HedgePosition) error
	DeleteHedge(ctx context.Context, id string) error
	DeleteHedgesForSymbol(ctx context.Context, symbol string) error
	GetHedges(ctx context.Context) ([]HedgePosition, error)

	// Trade history
	RecordTrade(ctx context.Context, t *TradeRecord) error
	GetRecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)

	// Signal dedup cache
	GetSignalCache(ctx context.Context) ([]SignalCacheEntry, error)
	UpsertSignalCache(ctx context.Context, e *SignalCacheEntry) error
	PruneSignalCache(ctx context.Context, keep int) error

	// Hot-reloadable trading parameters; (nil, nil) when none stored
	GetTradingParams(ctx context.Context) (*TradingParams, error)
	SaveTradingParams(ctx context.Context, p *TradingParams) error

	HealthCheck(ctx context.Context) error
}
