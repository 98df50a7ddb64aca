package strategy

import (
	"fmt"
	"time"

	"okx-trading-engine/internal/okx"
)

// EMACrossConfig configures the EMA crossover strategy
type EMACrossConfig struct {
	FastPeriod int `json:"fast_period"`
	SlowPeriod int `json:"slow_period"`
}

// DefaultEMACrossConfig returns the standard 9/21 crossover
func DefaultEMACrossConfig() EMACrossConfig {
	return EMACrossConfig{FastPeriod: 9, SlowPeriod: 21}
}

// EMACrossStrategy emits a buy when the fast EMA crosses above the slow EMA
// on the latest closed bar, and a sell on the opposite cross. Continuation
// bars (no cross) emit nothing.
type EMACrossStrategy struct {
	config EMACrossConfig
}

// NewEMACrossStrategy creates the crossover strategy
func NewEMACrossStrategy(config EMACrossConfig) *EMACrossStrategy {
	if config.FastPeriod <= 0 || config.SlowPeriod <= config.FastPeriod {
		config = DefaultEMACrossConfig()
	}
	return &EMACrossStrategy{config: config}
}

func (s *EMACrossStrategy) Name() string {
	return fmt.Sprintf("ema-cross-%d-%d", s.config.FastPeriod, s.config.SlowPeriod)
}

func (s *EMACrossStrategy) DefaultCategory() SignalCategory {
	return CategoryPrimary
}

func (s *EMACrossStrategy) Evaluate(symbol, timeframe string, candles []okx.Candle) (*Signal, error) {
	// One bar of history beyond the slow period to detect the cross itself
	if len(candles) < s.config.SlowPeriod+2 {
		return nil, nil
	}

	prev := candles[:len(candles)-1]
	fastPrev := EMA(prev, s.config.FastPeriod)
	slowPrev := EMA(prev, s.config.SlowPeriod)
	fastNow := EMA(candles, s.config.FastPeriod)
	slowNow := EMA(candles, s.config.SlowPeriod)

	last := candles[len(candles)-1]
	var action Action
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		action = ActionBuy
	case fastPrev >= slowPrev && fastNow < slowNow:
		action = ActionSell
	default:
		return nil, nil
	}

	return &Signal{
		Symbol:          symbol,
		Timeframe:       timeframe,
		Action:          action,
		CandleTimestamp: last.Timestamp,
		Price:           last.Close,
		Strategy:        s.Name(),
		Reason: fmt.Sprintf("ema%d/%d cross: %.4f vs %.4f",
			s.config.FastPeriod, s.config.SlowPeriod, fastNow, slowNow),
		CreatedAt: time.Now(),
	}, nil
}
