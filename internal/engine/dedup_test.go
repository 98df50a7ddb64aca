package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"okx-trading-engine/internal/database"
	"okx-trading-engine/internal/strategy"
)

func dedupSignal(symbol, timeframe string, action strategy.Action, candleTs int64) *strategy.Signal {
	return &strategy.Signal{
		Symbol: symbol, Timeframe: timeframe, Action: action,
		Category: strategy.CategoryPrimary, CandleTimestamp: candleTs, Price: 100,
	}
}

func TestDeduperSuppressesRepeatAndOlderCandles(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	d := NewSignalDeduper(512, store, nil, zerolog.Nop())

	sig := dedupSignal("BTC-USDT-SWAP", "1m", strategy.ActionBuy, 60_000)
	if d.Seen(sig) {
		t.Fatal("fresh signal reported as seen")
	}
	d.Mark(ctx, sig)

	if !d.Seen(sig) {
		t.Fatal("marked signal not suppressed")
	}
	if !d.Seen(dedupSignal("BTC-USDT-SWAP", "1m", strategy.ActionBuy, 30_000)) {
		t.Fatal("older candle not suppressed")
	}
	if d.Seen(dedupSignal("BTC-USDT-SWAP", "1m", strategy.ActionBuy, 120_000)) {
		t.Fatal("newer candle suppressed")
	}
}

func TestDeduperKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	d := NewSignalDeduper(512, database.NewMemoryStore(), nil, zerolog.Nop())

	d.Mark(ctx, dedupSignal("BTC-USDT-SWAP", "1m", strategy.ActionBuy, 60_000))

	if d.Seen(dedupSignal("BTC-USDT-SWAP", "1m", strategy.ActionSell, 60_000)) {
		t.Fatal("different action suppressed")
	}
	if d.Seen(dedupSignal("BTC-USDT-SWAP", "5m", strategy.ActionBuy, 60_000)) {
		t.Fatal("different timeframe suppressed")
	}
	if d.Seen(dedupSignal("ETH-USDT-SWAP", "1m", strategy.ActionBuy, 60_000)) {
		t.Fatal("different symbol suppressed")
	}
}

func TestDeduperSurvivesRestartViaStore(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()

	first := NewSignalDeduper(512, store, nil, zerolog.Nop())
	first.Mark(ctx, dedupSignal("BTC-USDT-SWAP", "1m", strategy.ActionBuy, 60_000))

	second := NewSignalDeduper(512, store, nil, zerolog.Nop())
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !second.Seen(dedupSignal("BTC-USDT-SWAP", "1m", strategy.ActionBuy, 60_000)) {
		t.Fatal("persisted entry not suppressing after reload")
	}
}

func TestDeduperPrunesOldestBeyondCap(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	d := NewSignalDeduper(4, store, nil, zerolog.Nop())

	for i := 0; i < 6; i++ {
		sym := fmt.Sprintf("SYM%d-USDT-SWAP", i)
		d.Mark(ctx, dedupSignal(sym, "1m", strategy.ActionBuy, int64((i+1)*60_000)))
	}

	if got := d.Size(); got != 4 {
		t.Fatalf("size = %d, want 4", got)
	}
	// The newest entries survive
	if !d.Seen(dedupSignal("SYM5-USDT-SWAP", "1m", strategy.ActionBuy, 360_000)) {
		t.Fatal("newest entry pruned")
	}
	if d.Seen(dedupSignal("SYM0-USDT-SWAP", "1m", strategy.ActionBuy, 60_000)) {
		t.Fatal("oldest entry survived prune")
	}
}
