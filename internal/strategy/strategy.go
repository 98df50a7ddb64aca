package strategy

import (
	"okx-trading-engine/internal/okx"
)

// Strategy scores a closed-candle window and emits at most one signal.
// Evaluate receives ascending candles whose last element is the most recent
// closed bar. A nil signal means no opinion.
type Strategy interface {
	// Name identifies the strategy in logs and the signal ledger
	Name() string

	// DefaultCategory fills signals the strategy emits without a category
	DefaultCategory() SignalCategory

	// Evaluate scores the window for (symbol, timeframe)
	Evaluate(symbol, timeframe string, candles []okx.Candle) (*Signal, error)
}
