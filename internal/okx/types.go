// Package okx implements the OKX v5 exchange client: REST market/trade
// endpoints and the candle WebSocket stream.
package okx

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Candle is one OHLCV bar. Timestamp is the bar open time in milliseconds.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Ticker is the latest trade price for an instrument
type Ticker struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
	BidPrice  float64 `json:"bid_price"`
	AskPrice  float64 `json:"ask_price"`
	Timestamp int64   `json:"timestamp"`
}

// Balance is the USDT trading-account balance
type Balance struct {
	Equity    float64 `json:"equity"`
	Available float64 `json:"available"`
	Currency  string  `json:"currency"`
}

// ExchangePosition is a position as reported by the exchange
type ExchangePosition struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "long" or "short"
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage"`
	Margin        float64 `json:"margin"`
}

// OrderRequest describes an order submission
type OrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`     // "buy" or "sell"
	PosSide       string  `json:"pos_side"` // "long" or "short" (hedge-mode accounts)
	OrderType     string  `json:"order_type"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price,omitempty"` // Limit orders only
	ReduceOnly    bool    `json:"reduce_only"`
	ClientOrderID string  `json:"client_order_id"`
}

// OrderResponse is the exchange acknowledgement of an order
type OrderResponse struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	AvgPrice      float64 `json:"avg_price"`
	Status        string  `json:"status"`
	CreatedAt     int64   `json:"created_at"`
}

// Order sides and types as OKX spells them
const (
	SideBuy  = "buy"
	SideSell = "sell"

	PosSideLong  = "long"
	PosSideShort = "short"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

var timeframeDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// TimeframeDuration returns the bar duration for a timeframe string,
// or zero for an unknown timeframe.
func TimeframeDuration(timeframe string) time.Duration {
	return timeframeDurations[strings.ToLower(timeframe)]
}

// TimeframeMS returns the bar duration in milliseconds
func TimeframeMS(timeframe string) int64 {
	return timeframeDurations[strings.ToLower(timeframe)].Milliseconds()
}

// ToBar converts an internal timeframe string to the OKX bar notation.
// OKX uses lowercase m for minutes and uppercase H/D for hours and days.
func ToBar(timeframe string) string {
	tf := strings.ToLower(timeframe)
	switch {
	case strings.HasSuffix(tf, "m"):
		return tf
	case strings.HasSuffix(tf, "h"):
		return strings.TrimSuffix(tf, "h") + "H"
	case strings.HasSuffix(tf, "d"):
		return strings.TrimSuffix(tf, "d") + "D"
	default:
		return tf
	}
}

// parseCandleRow converts one OKX kline array into a Candle.
//
// Wire layout (REST and WS share it):
//
//	[0] ts   (open time, ms)
//	[1] o
//	[2] h
//	[3] l
//	[4] c
//	[5] vol
//	[6..] volCcy, volCcyQuote, confirm flag
func parseCandleRow(row []string) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
	}

	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("kline timestamp: %w", err)
	}

	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return Candle{}, fmt.Errorf("kline field %d: %w", i+1, err)
		}
		vals[i] = v
	}

	return Candle{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

// candleRowClosed reports whether a kline row carries the confirm flag
func candleRowClosed(row []string) bool {
	return len(row) > 8 && row[8] == "1"
}
