package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-engine/internal/okx"
)

const minuteMS = int64(60_000)

// fakeFetcher serves a scripted ascending history the way OKX does:
// newest-first pages bounded by exclusive cursors.
type fakeFetcher struct {
	mu          sync.Mutex
	history     []okx.Candle // ascending
	histCalls   int
	recentCalls int
	histErr     error
	recentErr   error
}

func (f *fakeFetcher) GetHistoryCandles(_ context.Context, _, _ string, after int64, limit int) ([]okx.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histCalls++
	if f.histErr != nil {
		return nil, f.histErr
	}

	var out []okx.Candle
	for i := len(f.history) - 1; i >= 0 && len(out) < limit; i-- {
		c := f.history[i]
		if after > 0 && c.Timestamp >= after {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeFetcher) GetCandles(_ context.Context, _, _ string, before int64, limit int) ([]okx.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentCalls++
	if f.recentErr != nil {
		return nil, f.recentErr
	}

	var out []okx.Candle
	for i := len(f.history) - 1; i >= 0 && len(out) < limit; i-- {
		c := f.history[i]
		if c.Timestamp <= before {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeFetcher) appendBar(c okx.Candle) {
	f.mu.Lock()
	f.history = append(f.history, c)
	f.mu.Unlock()
}

// fakeBreaker implements BreakerGate and records calls
type fakeBreaker struct {
	mu        sync.Mutex
	open      bool
	failures  int
	successes int
}

func (b *fakeBreaker) IsOpen(string, string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *fakeBreaker) RecordFailure(string, string) {
	b.mu.Lock()
	b.failures++
	b.mu.Unlock()
}

func (b *fakeBreaker) RecordSuccess(string, string) {
	b.mu.Lock()
	b.successes++
	b.mu.Unlock()
}

func genHistory(n int, startTs int64) []okx.Candle {
	out := make([]okx.Candle, n)
	for i := range out {
		ts := startTs + int64(i)*minuteMS
		out[i] = okx.Candle{
			Timestamp: ts,
			Open:      100, High: 101, Low: 99,
			Close:  100 + float64(i%10),
			Volume: 10,
		}
	}
	return out
}

func newTestCache(history []okx.Candle) (*CandleCache, *fakeFetcher, *fakeBreaker, *time.Time) {
	fetcher := &fakeFetcher{history: history}
	breaker := &fakeBreaker{}
	cache := NewCandleCache(DefaultCandleCacheConfig(), fetcher, breaker, zerolog.Nop())

	var now time.Time
	if n := len(history); n > 0 {
		// Just after the last closed bar's own bar closes
		now = time.UnixMilli(history[n-1].Timestamp + minuteMS)
	} else {
		now = time.UnixMilli(0)
	}
	cache.now = func() time.Time { return now }
	return cache, fetcher, breaker, &now
}

func assertAscending(t *testing.T, candles []okx.Candle) {
	t.Helper()
	for i := 1; i < len(candles); i++ {
		if candles[i].Timestamp <= candles[i-1].Timestamp {
			t.Fatalf("window not strictly ascending at %d: %d then %d",
				i, candles[i-1].Timestamp, candles[i].Timestamp)
		}
	}
}

func TestBootstrapPaginatesToTarget(t *testing.T) {
	history := genHistory(2000, 0)
	cache, fetcher, breaker, _ := newTestCache(history)

	candles, stale, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 1000, false)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if stale {
		t.Error("fresh bootstrap marked stale")
	}
	if len(candles) != 1000 {
		t.Fatalf("got %d candles, want 1000", len(candles))
	}
	assertAscending(t, candles)

	// Newest 1000 of 2000: window ends at the newest bar
	wantLast := history[len(history)-1].Timestamp
	if got := candles[len(candles)-1].Timestamp; got != wantLast {
		t.Errorf("last ts = %d, want %d", got, wantLast)
	}
	if fetcher.histCalls != 10 {
		t.Errorf("history pages = %d, want 10 for 1000 bars at page size 100", fetcher.histCalls)
	}
	if breaker.successes == 0 {
		t.Error("bootstrap success not reported to breaker")
	}
}

func TestBootstrapAcceptsThinHistory(t *testing.T) {
	cache, _, _, _ := newTestCache(genHistory(60, 0))

	candles, _, err := cache.GetCandles(context.Background(), "NEW-USDT-SWAP", "1m", 1000, false)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(candles) != 60 {
		t.Fatalf("got %d candles, want all 60 available", len(candles))
	}
	if len(cache.PendingInits()) != 0 {
		t.Error("thin but viable history left a pending init")
	}
}

func TestBootstrapInsufficientDataGoesPending(t *testing.T) {
	cache, _, _, _ := newTestCache(genHistory(10, 0))

	_, _, err := cache.GetCandles(context.Background(), "NEW-USDT-SWAP", "1m", 1000, false)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}

	pending := cache.PendingInits()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Retries != 1 {
		t.Errorf("retries = %d, want 1", pending[0].Retries)
	}

	// Second failed attempt increments the counter
	cache.GetCandles(context.Background(), "NEW-USDT-SWAP", "1m", 1000, false)
	if got := cache.PendingInits()[0].Retries; got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
}

func TestBootstrapErrorGoesPendingThenRecovers(t *testing.T) {
	cache, fetcher, breaker, _ := newTestCache(genHistory(200, 0))
	fetcher.histErr = errors.New("502 bad gateway")

	_, _, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	if err == nil {
		t.Fatal("want bootstrap error")
	}
	if breaker.failures != 1 {
		t.Errorf("breaker failures = %d, want 1", breaker.failures)
	}
	if len(cache.PendingInits()) != 1 {
		t.Fatal("failed bootstrap not registered as pending")
	}

	fetcher.mu.Lock()
	fetcher.histErr = nil
	fetcher.mu.Unlock()

	candles, _, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if len(candles) != 100 {
		t.Errorf("got %d candles", len(candles))
	}
	if len(cache.PendingInits()) != 0 {
		t.Error("pending init not cleared after successful bootstrap")
	}
}

func TestWarmPathServesCachedWithinBoundary(t *testing.T) {
	cache, fetcher, _, now := newTestCache(genHistory(200, 0))

	if _, _, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// Still inside the current bar plus safety margin
	*now = now.Add(500 * time.Millisecond)
	candles, stale, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	if err != nil {
		t.Fatalf("warm read: %v", err)
	}
	if stale {
		t.Error("within-boundary read marked stale")
	}
	if fetcher.recentCalls != 0 {
		t.Errorf("recent fetches = %d, want 0 inside the boundary", fetcher.recentCalls)
	}
	if len(candles) != 100 {
		t.Errorf("got %d candles", len(candles))
	}
}

func TestWarmIncrementalAdvancesWindow(t *testing.T) {
	history := genHistory(200, 0)
	cache, fetcher, _, now := newTestCache(history)

	cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)

	// A new bar closes upstream
	lastTs := history[len(history)-1].Timestamp
	fetcher.appendBar(okx.Candle{Timestamp: lastTs + minuteMS, Open: 100, High: 102, Low: 99, Close: 101.5, Volume: 20})
	*now = time.UnixMilli(lastTs + 2*minuteMS)

	candles, stale, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	if err != nil {
		t.Fatalf("warm refresh: %v", err)
	}
	if stale {
		t.Error("advanced window marked stale")
	}
	if len(candles) != 100 {
		t.Fatalf("window grew past target: %d", len(candles))
	}
	if got := candles[len(candles)-1].Timestamp; got != lastTs+minuteMS {
		t.Errorf("last ts = %d, want %d", got, lastTs+minuteMS)
	}
	assertAscending(t, candles)
	if fetcher.recentCalls != 1 {
		t.Errorf("recent fetches = %d, want 1", fetcher.recentCalls)
	}
}

func TestWarmRefreshOverwritesRevisedBar(t *testing.T) {
	history := genHistory(200, 0)
	cache, fetcher, _, now := newTestCache(history)

	cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)

	// The last bar's close is revised and a new bar appears
	lastTs := history[len(history)-1].Timestamp
	fetcher.mu.Lock()
	fetcher.history[len(fetcher.history)-1].Close = 999
	fetcher.mu.Unlock()
	fetcher.appendBar(okx.Candle{Timestamp: lastTs + minuteMS, Close: 100})
	*now = time.UnixMilli(lastTs + 2*minuteMS)

	candles, _, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	if err != nil {
		t.Fatalf("warm refresh: %v", err)
	}
	if got := candles[len(candles)-2].Close; got != 999 {
		t.Errorf("revised bar close = %v, want 999 (overwrite in place)", got)
	}
}

func TestWarmStaleCounterAndRecovery(t *testing.T) {
	history := genHistory(200, 0)
	cache, _, _, now := newTestCache(history)

	cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)

	// Time moves on, the feed does not
	lastTs := history[len(history)-1].Timestamp
	for i := 1; i <= 3; i++ {
		*now = time.UnixMilli(lastTs + int64(i+1)*minuteMS)
		_, stale, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
		if err != nil {
			t.Fatalf("stale refresh %d: %v", i, err)
		}
		if !stale {
			t.Fatalf("refresh %d not marked stale", i)
		}
	}

	stats := cache.Stats()
	if len(stats) != 1 || stats[0].StaleCount != 3 {
		t.Fatalf("stale count = %+v, want 3", stats)
	}

	// Feed recovers
	cacheFetcher := cache.fetcher.(*fakeFetcher)
	cacheFetcher.appendBar(okx.Candle{Timestamp: lastTs + minuteMS, Close: 100})
	_, stale, _ := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	if stale {
		t.Error("recovered window still stale")
	}
	if got := cache.Stats()[0].StaleCount; got != 0 {
		t.Errorf("stale count = %d, want 0 after recovery", got)
	}
}

func TestWarmFetchErrorServesCachedStale(t *testing.T) {
	history := genHistory(200, 0)
	cache, fetcher, breaker, now := newTestCache(history)

	cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)

	fetcher.mu.Lock()
	fetcher.recentErr = errors.New("timeout")
	fetcher.mu.Unlock()
	*now = now.Add(2 * time.Minute)

	candles, stale, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	if err != nil {
		t.Fatalf("warm error must not fail the read: %v", err)
	}
	if !stale {
		t.Error("error path not marked stale")
	}
	if len(candles) != 100 {
		t.Errorf("cached window not served: %d candles", len(candles))
	}
	if breaker.failures != 1 {
		t.Errorf("breaker failures = %d, want 1", breaker.failures)
	}
}

func TestBreakerOpenBlocksColdServesWarm(t *testing.T) {
	history := genHistory(200, 0)
	cache, fetcher, breaker, now := newTestCache(history)

	// Cold with open breaker fails fast
	breaker.open = true
	_, _, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}

	// Warm entry with open breaker serves cached, stale
	breaker.open = false
	cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	breaker.open = true
	*now = now.Add(2 * time.Minute)
	calls := fetcher.recentCalls

	candles, stale, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	if err != nil {
		t.Fatalf("warm read with open breaker: %v", err)
	}
	if !stale || len(candles) != 100 {
		t.Errorf("stale=%v candles=%d, want stale cached window", stale, len(candles))
	}
	if fetcher.recentCalls != calls {
		t.Error("fetch attempted while breaker open")
	}
}

func TestForceRefreshBypassesBoundary(t *testing.T) {
	cache, fetcher, _, _ := newTestCache(genHistory(200, 0))

	cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	if fetcher.recentCalls != 0 {
		t.Fatal("unexpected refresh during bootstrap read")
	}

	cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, true)
	if fetcher.recentCalls != 1 {
		t.Errorf("force refresh did not fetch: %d calls", fetcher.recentCalls)
	}
}

func TestMergeClosedCandleFromStream(t *testing.T) {
	history := genHistory(200, 0)
	cache, _, _, now := newTestCache(history)

	cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)

	lastTs := history[len(history)-1].Timestamp
	cache.MergeClosedCandle("BTC-USDT-SWAP", "1m", okx.Candle{Timestamp: lastTs + minuteMS, Close: 123})

	// The merged bar satisfies the next boundary check without a fetch
	*now = time.UnixMilli(lastTs + minuteMS + 500)
	candles, stale, err := cache.GetCandles(context.Background(), "BTC-USDT-SWAP", "1m", 100, false)
	if err != nil {
		t.Fatalf("read after merge: %v", err)
	}
	if stale {
		t.Error("stream-advanced window marked stale")
	}
	if got := candles[len(candles)-1].Close; got != 123 {
		t.Errorf("merged bar missing: last close = %v", got)
	}

	// Uninitialized entries ignore stream bars
	cache.MergeClosedCandle("ETH-USDT-SWAP", "1m", okx.Candle{Timestamp: 60000})
	for _, s := range cache.Stats() {
		if s.Symbol == "ETH-USDT-SWAP" {
			t.Error("stream merge created an uninitialized entry")
		}
	}
}
