package strategy

import (
	"okx-trading-engine/internal/okx"
)

// SMA calculates the simple moving average of closes over the last period
// bars. Returns 0 when the window is too short.
func SMA(candles []okx.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average of closes, seeded with the
// SMA of the first period bars.
func EMA(candles []okx.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	ema := SMA(candles[:period], period)
	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(candles); i++ {
		ema = candles[i].Close*multiplier + ema*(1-multiplier)
	}
	return ema
}

// RSI calculates the relative strength index over period. Returns the
// neutral 50 when the window is too short.
func RSI(candles []okx.Candle, period int) float64 {
	if len(candles) < period+1 || period <= 0 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}
