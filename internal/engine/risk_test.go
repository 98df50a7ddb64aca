package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-engine/internal/okx"
)

type fakeRiskSource struct {
	balance   *okx.Balance
	positions []okx.ExchangePosition
	tickers   map[string]float64
	balErr    error
	posErr    error
}

func (f *fakeRiskSource) GetBalance(context.Context) (*okx.Balance, error) {
	return f.balance, f.balErr
}

func (f *fakeRiskSource) GetPositions(context.Context) ([]okx.ExchangePosition, error) {
	return f.positions, f.posErr
}

func (f *fakeRiskSource) GetTicker(_ context.Context, symbol string) (*okx.Ticker, error) {
	if p, ok := f.tickers[symbol]; ok {
		return &okx.Ticker{Symbol: symbol, LastPrice: p}, nil
	}
	return nil, errors.New("no ticker")
}

func newTestMonitor(src *fakeRiskSource) *RiskMonitor {
	cfg := RiskConfig{MaxNotionalPct: 0.10, Leverage: 20, MaxAge: 2 * time.Minute}
	return NewRiskMonitor(cfg, src, nil, zerolog.Nop())
}

func TestRefreshBuildsSnapshot(t *testing.T) {
	src := &fakeRiskSource{
		balance: &okx.Balance{Equity: 1000, Available: 800, Currency: "USDT"},
		positions: []okx.ExchangePosition{
			{Symbol: "BTC-USDT-SWAP", Side: "long", Quantity: 0.5, EntryPrice: 100, MarkPrice: 110, UnrealizedPnL: 5, Margin: 2.5},
		},
	}
	rm := newTestMonitor(src)
	rm.Refresh(context.Background())

	s := rm.Snapshot()
	if s == nil {
		t.Fatal("no snapshot after refresh")
	}
	if s.TotalNotional != 55 {
		t.Fatalf("notional = %v, want 55", s.TotalNotional)
	}
	// Cap is 1000 * 20 * 0.10 = 2000, well above 55
	if !s.CanOpenNew {
		t.Fatalf("CanOpenNew = false, reason %q", s.Reason)
	}
	if s.RemainingNotional != 2000-55 {
		t.Fatalf("remaining = %v", s.RemainingNotional)
	}

	ok, _ := rm.CanOpenNew()
	if !ok {
		t.Fatal("CanOpenNew() = false with fresh permissive snapshot")
	}
}

func TestRefreshBlocksAtNotionalCap(t *testing.T) {
	src := &fakeRiskSource{
		balance: &okx.Balance{Equity: 100},
		positions: []okx.ExchangePosition{
			// 100 * 20 * 0.10 = 200 cap; this position uses 250
			{Symbol: "BTC-USDT-SWAP", Side: "long", Quantity: 2.5, MarkPrice: 100, EntryPrice: 100},
		},
	}
	rm := newTestMonitor(src)
	rm.Refresh(context.Background())

	ok, reason := rm.CanOpenNew()
	if ok {
		t.Fatal("CanOpenNew = true above the notional cap")
	}
	if reason != "notional cap reached" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestRefreshFallsBackToTickerForMissingMark(t *testing.T) {
	src := &fakeRiskSource{
		balance: &okx.Balance{Equity: 1000},
		positions: []okx.ExchangePosition{
			{Symbol: "ETH-USDT-SWAP", Side: "short", Quantity: 2, EntryPrice: 90, MarkPrice: 0},
		},
		tickers: map[string]float64{"ETH-USDT-SWAP": 95},
	}
	rm := newTestMonitor(src)
	rm.Refresh(context.Background())

	if s := rm.Snapshot(); s.TotalNotional != 190 {
		t.Fatalf("notional = %v, want ticker-priced 190", s.TotalNotional)
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	src := &fakeRiskSource{balance: &okx.Balance{Equity: 1000}}
	rm := newTestMonitor(src)
	rm.Refresh(context.Background())
	first := rm.Snapshot()

	src.balErr = errors.New("balance endpoint down")
	rm.Refresh(context.Background())

	second := rm.Snapshot()
	if second == nil || !second.CheckedAt.Equal(first.CheckedAt) {
		t.Fatalf("snapshot replaced on failed refresh: %+v", second)
	}
}

func TestCanOpenNewBlocksWithoutOrStaleSnapshot(t *testing.T) {
	rm := newTestMonitor(&fakeRiskSource{balance: &okx.Balance{Equity: 1000}})

	if ok, reason := rm.CanOpenNew(); ok || reason != "no risk snapshot yet" {
		t.Fatalf("missing snapshot: ok=%v reason=%q", ok, reason)
	}

	rm.Refresh(context.Background())
	rm.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	if ok, reason := rm.CanOpenNew(); ok || reason != "risk snapshot stale" {
		t.Fatalf("stale snapshot: ok=%v reason=%q", ok, reason)
	}
}

func TestUntilNextSlot(t *testing.T) {
	rm := newTestMonitor(&fakeRiskSource{})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		sec  int
		want time.Duration
	}{
		{0, 30 * time.Second},
		{29, 1 * time.Second},
		{30, 25 * time.Second},
		{54, 1 * time.Second},
		{55, 35 * time.Second},
		{59, 31 * time.Second},
	}
	for _, tc := range cases {
		rm.now = func() time.Time { return base.Add(time.Duration(tc.sec) * time.Second) }
		if got := rm.untilNextSlot(); got != tc.want {
			t.Errorf("second %d: wait = %v, want %v", tc.sec, got, tc.want)
		}
	}
}
