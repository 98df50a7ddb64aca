// Package strategy defines the signal model and the strategy boundary the
// engine evaluates on every closed candle.
package strategy

import (
	"fmt"
	"time"
)

// Action is the direction a signal asks for
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionNone Action = "none"
)

// SignalCategory controls how the engine sizes and routes a signal
type SignalCategory string

const (
	// CategoryPrimary opens or replaces the main position
	CategoryPrimary SignalCategory = "primary"
	// CategorySecondary sizes at the secondary percent (hedge entries)
	CategorySecondary SignalCategory = "secondary"
	// CategoryTakeProfitOnly may only close existing exposure
	CategoryTakeProfitOnly SignalCategory = "take_profit_only"
	// CategoryCustom leaves sizing to the strategy's own fields
	CategoryCustom SignalCategory = "custom"
)

// Signal is a strategy verdict for one (symbol, timeframe) on one closed
// candle.
type Signal struct {
	Symbol          string         `json:"symbol"`
	Timeframe       string         `json:"timeframe"`
	Action          Action         `json:"action"`
	Category        SignalCategory `json:"category"`
	CandleTimestamp int64          `json:"candle_timestamp"` // Closed candle open time, ms
	Price           float64        `json:"price"`            // Close of the signal candle
	Strategy        string         `json:"strategy"`
	Reason          string         `json:"reason"`
	CreatedAt       time.Time      `json:"created_at"`
}

var validCategories = map[SignalCategory]bool{
	CategoryPrimary:        true,
	CategorySecondary:      true,
	CategoryTakeProfitOnly: true,
	CategoryCustom:         true,
}

// Validate normalizes a signal at the engine boundary. A missing category
// is filled with defaultCategory; anything structurally wrong is an error
// so malformed strategy output never reaches order placement.
func (s *Signal) Validate(defaultCategory SignalCategory) error {
	if s.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if s.Timeframe == "" {
		return fmt.Errorf("signal %s missing timeframe", s.Symbol)
	}
	if s.Action != ActionBuy && s.Action != ActionSell {
		return fmt.Errorf("signal %s has invalid action %q", s.Symbol, s.Action)
	}
	if s.CandleTimestamp <= 0 {
		return fmt.Errorf("signal %s missing candle timestamp", s.Symbol)
	}
	if s.Category == "" {
		s.Category = defaultCategory
	}
	if !validCategories[s.Category] {
		return fmt.Errorf("signal %s has unknown category %q", s.Symbol, s.Category)
	}
	return nil
}
