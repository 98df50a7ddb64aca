package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-engine/internal/database"
	"okx-trading-engine/internal/strategy"
)

// SignalDeduper suppresses repeat signals: a (symbol, timeframe, action)
// triple is acted on at most once per closed candle. The map is written
// through to the store so restarts do not replay signals, and mirrored to
// Redis when available.
type SignalDeduper struct {
	mu      sync.Mutex
	seen    map[string]int64 // key -> last acted-on candle timestamp
	maxSize int
	store   database.Store
	mirror  *database.RedisMirror
	logger  zerolog.Logger
}

// NewSignalDeduper creates the deduper; mirror may be nil
func NewSignalDeduper(maxSize int, store database.Store, mirror *database.RedisMirror, logger zerolog.Logger) *SignalDeduper {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &SignalDeduper{
		seen:    make(map[string]int64),
		maxSize: maxSize,
		store:   store,
		mirror:  mirror,
		logger:  logger,
	}
}

// Load seeds the in-memory map from the persisted cache
func (d *SignalDeduper) Load(ctx context.Context) error {
	entries, err := d.store.GetSignalCache(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, e := range entries {
		d.seen[dedupKey(e.Symbol, e.Timeframe, e.Action)] = e.CandleTimestamp
	}
	n := len(d.seen)
	d.mu.Unlock()

	d.logger.Info().Int("entries", n).Msg("signal dedup cache loaded")
	return nil
}

// Seen reports whether this signal's candle was already acted on. Candles
// only move forward, so any timestamp at or before the recorded one is a
// duplicate.
func (d *SignalDeduper) Seen(sig *strategy.Signal) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.seen[dedupKey(sig.Symbol, sig.Timeframe, string(sig.Action))]
	return ok && sig.CandleTimestamp <= last
}

// Mark records an acted-on signal and writes it through
func (d *SignalDeduper) Mark(ctx context.Context, sig *strategy.Signal) {
	key := dedupKey(sig.Symbol, sig.Timeframe, string(sig.Action))

	d.mu.Lock()
	d.seen[key] = sig.CandleTimestamp
	overflow := len(d.seen) > d.maxSize
	d.mu.Unlock()

	entry := &database.SignalCacheEntry{
		Symbol:          sig.Symbol,
		Timeframe:       sig.Timeframe,
		Action:          string(sig.Action),
		CandleTimestamp: sig.CandleTimestamp,
		UpdatedAt:       time.Now(),
	}
	if err := d.store.UpsertSignalCache(ctx, entry); err != nil {
		d.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("signal cache write failed")
	}
	if d.mirror != nil {
		d.mirror.MirrorSignal(ctx, entry)
	}

	if overflow {
		d.prune(ctx)
	}
}

// Size returns the current entry count
func (d *SignalDeduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// prune drops the oldest entries down to maxSize, in memory and in the
// store. Entries fall out by candle timestamp; with a fixed symbol and
// timeframe set the map is naturally bounded, so pruning only matters when
// the configuration shrinks.
func (d *SignalDeduper) prune(ctx context.Context) {
	d.mu.Lock()
	type kv struct {
		key string
		ts  int64
	}
	entries := make([]kv, 0, len(d.seen))
	for k, ts := range d.seen {
		entries = append(entries, kv{k, ts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts > entries[j].ts })
	dropped := 0
	for _, e := range entries[d.maxSize:] {
		delete(d.seen, e.key)
		dropped++
	}
	d.mu.Unlock()

	if err := d.store.PruneSignalCache(ctx, d.maxSize); err != nil {
		d.logger.Error().Err(err).Msg("signal cache prune failed")
	}
	d.logger.Debug().Int("dropped", dropped).Msg("signal dedup cache pruned")
}

func dedupKey(symbol, timeframe, action string) string {
	return symbol + ":" + timeframe + ":" + action
}
