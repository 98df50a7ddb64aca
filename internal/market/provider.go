// Package market implements the cached market-data layer: single-flight
// TTL query caches, the smart OHLCV cache, and the provider that fronts
// the exchange client for the rest of the engine.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-engine/internal/okx"
)

// ExchangeClient is the REST surface the provider consumes
type ExchangeClient interface {
	CandleFetcher
	GetTicker(ctx context.Context, symbol string) (*okx.Ticker, error)
	GetBalance(ctx context.Context) (*okx.Balance, error)
	GetPositions(ctx context.Context) ([]okx.ExchangePosition, error)
}

// ProviderConfig holds serving TTLs for the query caches
type ProviderConfig struct {
	TickerTTL    time.Duration
	BalanceTTL   time.Duration
	PositionsTTL time.Duration
}

// DefaultProviderConfig returns production defaults
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		TickerTTL:    2 * time.Second,
		BalanceTTL:   5 * time.Second,
		PositionsTTL: 5 * time.Second,
	}
}

// Provider fronts the exchange client with the candle cache and single-
// flight query caches. All engine reads of market or account data go
// through here; nothing else talks to the REST client directly.
type Provider struct {
	config  ProviderConfig
	client  ExchangeClient
	candles *CandleCache
	queries *QueryCache
	breaker BreakerGate
	logger  zerolog.Logger
}

// NewProvider wires the provider
func NewProvider(config ProviderConfig, client ExchangeClient, candles *CandleCache, breaker BreakerGate, logger zerolog.Logger) *Provider {
	if config.TickerTTL <= 0 {
		config = DefaultProviderConfig()
	}
	return &Provider{
		config:  config,
		client:  client,
		candles: candles,
		queries: NewQueryCache(),
		breaker: breaker,
		logger:  logger,
	}
}

// GetCandles returns up to targetLength ascending candles with a staleness
// flag. See CandleCache.GetCandles.
func (p *Provider) GetCandles(ctx context.Context, symbol, timeframe string, targetLength int, forceRefresh bool) ([]okx.Candle, bool, error) {
	return p.candles.GetCandles(ctx, symbol, timeframe, targetLength, forceRefresh)
}

// MergeClosedCandle folds a confirmed stream bar into the candle cache
func (p *Provider) MergeClosedCandle(symbol, timeframe string, candle okx.Candle) {
	p.candles.MergeClosedCandle(symbol, timeframe, candle)
}

// PendingInits returns the candle bootstrap backlog
func (p *Provider) PendingInits() []PendingInit {
	return p.candles.PendingInits()
}

// GetTicker returns the latest price, served from cache within the TTL
func (p *Provider) GetTicker(ctx context.Context, symbol string) (*okx.Ticker, error) {
	v, err := p.queries.Get("ticker:"+symbol, p.config.TickerTTL, func() (interface{}, error) {
		return p.fetch(EndpointTicker, symbol, func() (interface{}, error) {
			return p.client.GetTicker(ctx, symbol)
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(*okx.Ticker), nil
}

// GetBalance returns the account balance, served from cache within the TTL
func (p *Provider) GetBalance(ctx context.Context) (*okx.Balance, error) {
	v, err := p.queries.Get("balance", p.config.BalanceTTL, func() (interface{}, error) {
		return p.fetch(EndpointBalance, "", func() (interface{}, error) {
			return p.client.GetBalance(ctx)
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(*okx.Balance), nil
}

// GetPositions returns open exchange positions, served from cache within
// the TTL.
func (p *Provider) GetPositions(ctx context.Context) ([]okx.ExchangePosition, error) {
	v, err := p.queries.Get("positions", p.config.PositionsTTL, func() (interface{}, error) {
		return p.fetch(EndpointPositions, "", func() (interface{}, error) {
			return p.client.GetPositions(ctx)
		})
	})
	if err != nil {
		return nil, err
	}
	return v.([]okx.ExchangePosition), nil
}

// InvalidateAccountData drops balance and position caches, called after
// order placement so the next read reflects the fill.
func (p *Provider) InvalidateAccountData() {
	p.queries.Invalidate("balance")
	p.queries.Invalidate("positions")
}

// CandleStats returns per-window cache statistics
func (p *Provider) CandleStats() []EntryStats {
	return p.candles.Stats()
}

// QueryStats returns query cache statistics
func (p *Provider) QueryStats() QueryCacheStats {
	return p.queries.Stats()
}

// fetch runs one upstream call under circuit breaker accounting
func (p *Provider) fetch(endpoint, symbol string, call func() (interface{}, error)) (interface{}, error) {
	if p.breaker.IsOpen(endpoint, symbol) {
		return nil, fmt.Errorf("%s %s: %w", endpoint, symbol, ErrBreakerOpen)
	}
	v, err := call()
	if err != nil {
		p.breaker.RecordFailure(endpoint, symbol)
		return nil, err
	}
	p.breaker.RecordSuccess(endpoint, symbol)
	return v, nil
}
