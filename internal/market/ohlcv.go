package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-engine/internal/okx"
)

// Endpoint keys used for circuit breaker accounting
const (
	EndpointCandles   = "candles"
	EndpointTicker    = "ticker"
	EndpointBalance   = "balance"
	EndpointPositions = "positions"
)

// staleWarnThreshold is the consecutive-stale count that triggers a feed
// lag warning.
const staleWarnThreshold = 3

// CandleFetcher is the REST surface the candle cache needs
type CandleFetcher interface {
	// GetHistoryCandles returns candles strictly older than after
	// (0 = newest page), newest-first.
	GetHistoryCandles(ctx context.Context, symbol, timeframe string, after int64, limit int) ([]okx.Candle, error)
	// GetCandles returns the most recent candles strictly newer than
	// before, newest-first, including the still-forming bar.
	GetCandles(ctx context.Context, symbol, timeframe string, before int64, limit int) ([]okx.Candle, error)
}

// BreakerGate is the circuit breaker surface used by the market layer
type BreakerGate interface {
	IsOpen(endpoint, symbol string) bool
	RecordFailure(endpoint, symbol string)
	RecordSuccess(endpoint, symbol string)
}

// CandleCacheConfig tunes the OHLCV cache
type CandleCacheConfig struct {
	Window           int           // Max candles kept per (symbol, timeframe)
	PageSize         int           // Bootstrap pagination page size
	MaxPages         int           // Bootstrap pagination page cap
	MinViableBars    int           // Accept thin history at or above this
	IncrementalLimit int           // Refresh page size
	SafetyMargin     time.Duration // Grace past candle close before refetching
}

// DefaultCandleCacheConfig returns production defaults
func DefaultCandleCacheConfig() CandleCacheConfig {
	return CandleCacheConfig{
		Window:           1000,
		PageSize:         100,
		MaxPages:         15,
		MinViableBars:    50,
		IncrementalLimit: 10,
		SafetyMargin:     1500 * time.Millisecond,
	}
}

type cacheEntry struct {
	mu          sync.Mutex
	candles     []okx.Candle // ascending, deduplicated by timestamp
	fetchedAt   time.Time
	stale       bool
	staleCount  int
	initialized bool
}

// PendingInit describes a (symbol, timeframe) whose bootstrap has not
// succeeded yet. The orchestrator retries these before regular fetches.
type PendingInit struct {
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	Retries     int       `json:"retries"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error"`
}

// EntryStats describes one cache entry for the status API
type EntryStats struct {
	Symbol        string    `json:"symbol"`
	Timeframe     string    `json:"timeframe"`
	Candles       int       `json:"candles"`
	LastTimestamp int64     `json:"last_timestamp"`
	FetchedAt     time.Time `json:"fetched_at"`
	Stale         bool      `json:"stale"`
	StaleCount    int       `json:"stale_count"`
}

// CandleCache maintains one bounded ascending candle window per (symbol,
// timeframe). A cold entry is bootstrapped by reverse pagination over the
// history endpoint; a warm entry refreshes incrementally with a small page.
// Entry mutexes double as single-flight: concurrent callers for the same key
// serialize and the second one finds fresh data.
type CandleCache struct {
	config  CandleCacheConfig
	fetcher CandleFetcher
	breaker BreakerGate
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	pending map[string]*PendingInit

	// test seam, defaults to time.Now
	now func() time.Time
}

// NewCandleCache creates an empty candle cache
func NewCandleCache(config CandleCacheConfig, fetcher CandleFetcher, breaker BreakerGate, logger zerolog.Logger) *CandleCache {
	if config.Window <= 0 {
		config = DefaultCandleCacheConfig()
	}
	return &CandleCache{
		config:  config,
		fetcher: fetcher,
		breaker: breaker,
		logger:  logger,
		entries: make(map[string]*cacheEntry),
		pending: make(map[string]*PendingInit),
		now:     time.Now,
	}
}

// GetCandles returns up to targetLength candles for (symbol, timeframe),
// ascending by timestamp. stale is true when the window could not be
// advanced to the expected boundary. forceRefresh bypasses the boundary
// check and always attempts an incremental fetch.
func (cc *CandleCache) GetCandles(ctx context.Context, symbol, timeframe string, targetLength int, forceRefresh bool) ([]okx.Candle, bool, error) {
	if targetLength <= 0 || targetLength > cc.config.Window {
		targetLength = cc.config.Window
	}

	entry := cc.entry(symbol, timeframe)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.initialized {
		if err := cc.bootstrap(ctx, entry, symbol, timeframe, targetLength); err != nil {
			return nil, false, err
		}
		return tail(entry.candles, targetLength), false, nil
	}

	cc.refresh(ctx, entry, symbol, timeframe, forceRefresh)
	return tail(entry.candles, targetLength), entry.stale, nil
}

// MergeClosedCandle folds a confirmed bar from the WebSocket stream into an
// initialized window. Uninitialized entries are skipped; bootstrap owns the
// first fill.
func (cc *CandleCache) MergeClosedCandle(symbol, timeframe string, candle okx.Candle) {
	cc.mu.Lock()
	entry, ok := cc.entries[key(symbol, timeframe)]
	cc.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.initialized {
		return
	}
	entry.candles = mergeCandles(entry.candles, []okx.Candle{candle}, cc.config.Window)
	entry.stale = false
	entry.staleCount = 0
	entry.fetchedAt = cc.now()
}

// PendingInits returns the bootstrap backlog, oldest attempt first
func (cc *CandleCache) PendingInits() []PendingInit {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	out := make([]PendingInit, 0, len(cc.pending))
	for _, p := range cc.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAttempt.Before(out[j].LastAttempt)
	})
	return out
}

// Stats returns per-entry statistics for every cached window
func (cc *CandleCache) Stats() []EntryStats {
	cc.mu.Lock()
	keys := make([]string, 0, len(cc.entries))
	entries := make([]*cacheEntry, 0, len(cc.entries))
	for k, e := range cc.entries {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	cc.mu.Unlock()

	out := make([]EntryStats, 0, len(entries))
	for i, e := range entries {
		symbol, timeframe := splitKey(keys[i])
		e.mu.Lock()
		s := EntryStats{
			Symbol:     symbol,
			Timeframe:  timeframe,
			Candles:    len(e.candles),
			FetchedAt:  e.fetchedAt,
			Stale:      e.stale,
			StaleCount: e.staleCount,
		}
		if n := len(e.candles); n > 0 {
			s.LastTimestamp = e.candles[n-1].Timestamp
		}
		e.mu.Unlock()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}

// bootstrap fills a cold entry by reverse pagination: each page's oldest
// timestamp becomes the next page's exclusive upper bound, walking backward
// through history until the target is met or pagination exhausts.
func (cc *CandleCache) bootstrap(ctx context.Context, entry *cacheEntry, symbol, timeframe string, targetLength int) error {
	if cc.breaker.IsOpen(EndpointCandles, symbol) {
		cc.recordPending(symbol, timeframe, ErrBreakerOpen)
		return fmt.Errorf("bootstrap %s %s: %w", symbol, timeframe, ErrBreakerOpen)
	}

	seen := make(map[int64]okx.Candle)
	var after int64 // 0 = newest page

	for page := 0; page < cc.config.MaxPages && len(seen) < targetLength; page++ {
		batch, err := cc.fetcher.GetHistoryCandles(ctx, symbol, timeframe, after, cc.config.PageSize)
		if err != nil {
			cc.breaker.RecordFailure(EndpointCandles, symbol)
			cc.recordPending(symbol, timeframe, err)
			return fmt.Errorf("bootstrap %s %s page %d: %w", symbol, timeframe, page, err)
		}
		if len(batch) == 0 {
			break
		}

		added := 0
		oldest := batch[0].Timestamp
		for _, c := range batch {
			if c.Timestamp < oldest {
				oldest = c.Timestamp
			}
			if _, dup := seen[c.Timestamp]; !dup {
				seen[c.Timestamp] = c
				added++
			}
		}
		if added == 0 {
			// Cursor no longer advances, history exhausted
			break
		}
		after = oldest
	}

	if len(seen) < cc.config.MinViableBars {
		err := fmt.Errorf("bootstrap %s %s: %w: got %d bars, need %d",
			symbol, timeframe, ErrInsufficientData, len(seen), cc.config.MinViableBars)
		cc.recordPending(symbol, timeframe, err)
		return err
	}

	candles := make([]okx.Candle, 0, len(seen))
	for _, c := range seen {
		candles = append(candles, c)
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp < candles[j].Timestamp
	})
	if len(candles) > cc.config.Window {
		candles = candles[len(candles)-cc.config.Window:]
	}

	entry.candles = candles
	entry.initialized = true
	entry.stale = false
	entry.staleCount = 0
	entry.fetchedAt = cc.now()

	cc.breaker.RecordSuccess(EndpointCandles, symbol)
	cc.clearPending(symbol, timeframe)

	cc.logger.Info().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Int("candles", len(candles)).
		Msg("candle window bootstrapped")
	return nil
}

// refresh advances a warm entry. Inside the current bar plus the safety
// margin the cached window is current by definition and no fetch happens.
func (cc *CandleCache) refresh(ctx context.Context, entry *cacheEntry, symbol, timeframe string, forceRefresh bool) {
	lastTs := entry.candles[len(entry.candles)-1].Timestamp
	expectedNext := lastTs + okx.TimeframeMS(timeframe)
	nowMs := cc.now().UnixMilli()

	if !forceRefresh && nowMs < expectedNext+cc.config.SafetyMargin.Milliseconds() {
		entry.stale = false
		return
	}

	if cc.breaker.IsOpen(EndpointCandles, symbol) {
		entry.stale = true
		return
	}

	// before is an exclusive lower bound; lastTs-1 re-fetches the final
	// revision of the last cached bar along with anything newer.
	batch, err := cc.fetcher.GetCandles(ctx, symbol, timeframe, lastTs-1, cc.config.IncrementalLimit)
	if err != nil {
		cc.breaker.RecordFailure(EndpointCandles, symbol)
		entry.stale = true
		cc.logger.Warn().Err(err).
			Str("symbol", symbol).
			Str("timeframe", timeframe).
			Msg("incremental refresh failed, serving cached window")
		return
	}
	cc.breaker.RecordSuccess(EndpointCandles, symbol)

	entry.candles = mergeCandles(entry.candles, batch, cc.config.Window)
	entry.fetchedAt = cc.now()

	newLast := entry.candles[len(entry.candles)-1].Timestamp
	if newLast > lastTs {
		entry.stale = false
		entry.staleCount = 0
		return
	}

	entry.stale = true
	entry.staleCount++
	if entry.staleCount >= staleWarnThreshold {
		cc.logger.Warn().
			Str("symbol", symbol).
			Str("timeframe", timeframe).
			Int("stale_count", entry.staleCount).
			Int64("last_timestamp", newLast).
			Msg("candle feed lagging")
	}
}

func (cc *CandleCache) entry(symbol, timeframe string) *cacheEntry {
	k := key(symbol, timeframe)
	cc.mu.Lock()
	defer cc.mu.Unlock()
	e, ok := cc.entries[k]
	if !ok {
		e = &cacheEntry{}
		cc.entries[k] = e
	}
	return e
}

func (cc *CandleCache) recordPending(symbol, timeframe string, err error) {
	k := key(symbol, timeframe)
	cc.mu.Lock()
	defer cc.mu.Unlock()
	p, ok := cc.pending[k]
	if !ok {
		p = &PendingInit{Symbol: symbol, Timeframe: timeframe}
		cc.pending[k] = p
	}
	p.Retries++
	p.LastAttempt = cc.now()
	p.LastError = err.Error()
}

func (cc *CandleCache) clearPending(symbol, timeframe string) {
	cc.mu.Lock()
	delete(cc.pending, key(symbol, timeframe))
	cc.mu.Unlock()
}

func key(symbol, timeframe string) string {
	return symbol + ":" + timeframe
}

func splitKey(k string) (string, string) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == ':' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

// mergeCandles folds batch into an ascending window: matching timestamps
// overwrite in place, new timestamps insert in order, and the result is
// trimmed to the newest window entries.
func mergeCandles(window []okx.Candle, batch []okx.Candle, cap int) []okx.Candle {
	for _, c := range batch {
		n := len(window)
		switch {
		case n == 0 || c.Timestamp > window[n-1].Timestamp:
			window = append(window, c)
		case c.Timestamp == window[n-1].Timestamp:
			window[n-1] = c
		default:
			i := sort.Search(n, func(i int) bool {
				return window[i].Timestamp >= c.Timestamp
			})
			if i < n && window[i].Timestamp == c.Timestamp {
				window[i] = c
			} else {
				window = append(window, okx.Candle{})
				copy(window[i+1:], window[i:])
				window[i] = c
			}
		}
	}
	if len(window) > cap {
		window = window[len(window)-cap:]
	}
	return window
}

func tail(candles []okx.Candle, n int) []okx.Candle {
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	out := make([]okx.Candle, len(candles))
	copy(out, candles)
	return out
}
