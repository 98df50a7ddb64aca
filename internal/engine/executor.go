package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-engine/internal/okx"
)

// Fill is the normalized result of an executed order
type Fill struct {
	OrderID  string
	Symbol   string
	PosSide  string // "long" or "short"
	Quantity float64
	Price    float64
	Time     time.Time
}

// Executor places position-changing orders. LiveExecutor routes to the
// exchange; PaperExecutor simulates fills at the reference price.
type Executor interface {
	// OpenPosition opens or adds to a position on posSide
	OpenPosition(ctx context.Context, symbol, posSide string, quantity, refPrice float64) (*Fill, error)
	// ClosePosition reduces a position on posSide
	ClosePosition(ctx context.Context, symbol, posSide string, quantity, refPrice float64) (*Fill, error)
}

// orderClient matches the okx REST client's PlaceOrder
type orderClient interface {
	PlaceOrder(ctx context.Context, req okx.OrderRequest) (*okx.OrderResponse, error)
}

// LiveExecutor submits market orders to the exchange in hedge-mode
// position semantics: opening a long buys on posSide long, closing it
// sells on posSide long with reduceOnly set.
type LiveExecutor struct {
	client orderClient
	logger zerolog.Logger
}

// NewLiveExecutor creates an executor over the exchange client
func NewLiveExecutor(client orderClient, logger zerolog.Logger) *LiveExecutor {
	return &LiveExecutor{client: client, logger: logger}
}

func (e *LiveExecutor) OpenPosition(ctx context.Context, symbol, posSide string, quantity, refPrice float64) (*Fill, error) {
	side := okx.SideBuy
	if posSide == okx.PosSideShort {
		side = okx.SideSell
	}
	return e.place(ctx, symbol, side, posSide, quantity, refPrice, false)
}

func (e *LiveExecutor) ClosePosition(ctx context.Context, symbol, posSide string, quantity, refPrice float64) (*Fill, error) {
	side := okx.SideSell
	if posSide == okx.PosSideShort {
		side = okx.SideBuy
	}
	return e.place(ctx, symbol, side, posSide, quantity, refPrice, true)
}

func (e *LiveExecutor) place(ctx context.Context, symbol, side, posSide string, quantity, refPrice float64, reduceOnly bool) (*Fill, error) {
	resp, err := e.client.PlaceOrder(ctx, okx.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		PosSide:    posSide,
		OrderType:  okx.OrderTypeMarket,
		Quantity:   quantity,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("place %s %s %s: %w", symbol, side, posSide, err)
	}

	price := resp.AvgPrice
	if price == 0 {
		// Market order ack may not carry the fill price yet
		price = refPrice
	}
	fill := &Fill{
		OrderID:  resp.OrderID,
		Symbol:   symbol,
		PosSide:  posSide,
		Quantity: quantity,
		Price:    price,
		Time:     time.Now(),
	}
	e.logger.Info().
		Str("symbol", symbol).
		Str("side", side).
		Str("pos_side", posSide).
		Float64("quantity", quantity).
		Float64("price", price).
		Bool("reduce_only", reduceOnly).
		Str("order_id", resp.OrderID).
		Msg("order placed")
	return fill, nil
}

// PaperExecutor fills every order instantly at the reference price
type PaperExecutor struct {
	logger zerolog.Logger
}

// NewPaperExecutor creates the simulated executor
func NewPaperExecutor(logger zerolog.Logger) *PaperExecutor {
	return &PaperExecutor{logger: logger}
}

func (e *PaperExecutor) OpenPosition(_ context.Context, symbol, posSide string, quantity, refPrice float64) (*Fill, error) {
	return e.fill(symbol, posSide, quantity, refPrice, "open"), nil
}

func (e *PaperExecutor) ClosePosition(_ context.Context, symbol, posSide string, quantity, refPrice float64) (*Fill, error) {
	return e.fill(symbol, posSide, quantity, refPrice, "close"), nil
}

func (e *PaperExecutor) fill(symbol, posSide string, quantity, price float64, action string) *Fill {
	f := &Fill{
		OrderID:  "paper-" + okx.NewClientOrderID(),
		Symbol:   symbol,
		PosSide:  posSide,
		Quantity: quantity,
		Price:    price,
		Time:     time.Now(),
	}
	e.logger.Info().
		Str("symbol", symbol).
		Str("pos_side", posSide).
		Str("action", action).
		Float64("quantity", quantity).
		Float64("price", price).
		Msg("paper fill")
	return f
}
