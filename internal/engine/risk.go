package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-engine/internal/database"
	"okx-trading-engine/internal/okx"
)

// RiskSnapshot is the point-in-time account risk view the orchestrator
// consults before opening new exposure. It is rebuilt in the background so
// scan cycles never block on account endpoints.
type RiskSnapshot struct {
	Equity            float64   `json:"equity"`
	TotalNotional     float64   `json:"total_notional"`
	TotalMargin       float64   `json:"total_margin"`
	UnrealizedPnL     float64   `json:"unrealized_pnl"`
	RemainingNotional float64   `json:"remaining_notional"`
	CanOpenNew        bool      `json:"can_open_new"`
	Reason            string    `json:"reason"`
	CheckedAt         time.Time `json:"checked_at"`
}

// riskDataSource is the account surface the refresher reads
type riskDataSource interface {
	GetBalance(ctx context.Context) (*okx.Balance, error)
	GetPositions(ctx context.Context) ([]okx.ExchangePosition, error)
	GetTicker(ctx context.Context, symbol string) (*okx.Ticker, error)
}

// RiskConfig controls the refresher
type RiskConfig struct {
	// MaxNotionalPct caps total open notional as a fraction of leveraged
	// equity. New entries are blocked above the cap.
	MaxNotionalPct float64
	Leverage       int
	// MaxAge marks a snapshot unusable once it is this old
	MaxAge time.Duration
}

// DefaultRiskConfig returns production defaults
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxNotionalPct: 0.10,
		Leverage:       20,
		MaxAge:         2 * time.Minute,
	}
}

// RiskMonitor rebuilds the risk snapshot twice a minute, at wall-clock
// seconds 30 and 55, offset from the minute-aligned scan so account calls
// never land inside the candle fetch burst. Reads take an atomic copy.
type RiskMonitor struct {
	config   RiskConfig
	source   riskDataSource
	mirror   *database.RedisMirror
	logger   zerolog.Logger
	snapshot atomic.Value // *RiskSnapshot

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// NewRiskMonitor creates the monitor; mirror may be nil
func NewRiskMonitor(config RiskConfig, source riskDataSource, mirror *database.RedisMirror, logger zerolog.Logger) *RiskMonitor {
	if config.MaxNotionalPct <= 0 {
		config = DefaultRiskConfig()
	}
	return &RiskMonitor{
		config: config,
		source: source,
		mirror: mirror,
		logger: logger,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// UpdateLimits swaps the notional cap and leverage between cycles
func (rm *RiskMonitor) UpdateLimits(maxNotionalPct float64, leverage int) {
	rm.mu.Lock()
	rm.config.MaxNotionalPct = maxNotionalPct
	rm.config.Leverage = leverage
	rm.mu.Unlock()
}

// Start launches the refresh loop. Refresh runs once immediately so the
// first scan cycle has a snapshot to consult.
func (rm *RiskMonitor) Start(ctx context.Context) {
	rm.Refresh(ctx)
	rm.wg.Add(1)
	go rm.loop(ctx)
}

// Stop terminates the refresh loop
func (rm *RiskMonitor) Stop() {
	rm.stopOnce.Do(func() { close(rm.stopCh) })
	rm.wg.Wait()
}

// Snapshot returns the latest snapshot, nil before the first refresh
func (rm *RiskMonitor) Snapshot() *RiskSnapshot {
	v := rm.snapshot.Load()
	if v == nil {
		return nil
	}
	s := *v.(*RiskSnapshot)
	return &s
}

// CanOpenNew reports whether new exposure is allowed. A missing or stale
// snapshot blocks entries; exits are never blocked by risk state.
func (rm *RiskMonitor) CanOpenNew() (bool, string) {
	s := rm.Snapshot()
	if s == nil {
		return false, "no risk snapshot yet"
	}
	rm.mu.Lock()
	maxAge := rm.config.MaxAge
	rm.mu.Unlock()
	if rm.now().Sub(s.CheckedAt) > maxAge {
		return false, "risk snapshot stale"
	}
	return s.CanOpenNew, s.Reason
}

func (rm *RiskMonitor) loop(ctx context.Context) {
	defer rm.wg.Done()
	for {
		wait := rm.untilNextSlot()
		select {
		case <-rm.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
			rm.Refresh(ctx)
		}
	}
}

// untilNextSlot returns the wait until the next of the two refresh slots
// in the current or following minute.
func (rm *RiskMonitor) untilNextSlot() time.Duration {
	t := rm.now()
	sec := t.Second()
	var target time.Time
	switch {
	case sec < 30:
		target = t.Truncate(time.Minute).Add(30 * time.Second)
	case sec < 55:
		target = t.Truncate(time.Minute).Add(55 * time.Second)
	default:
		target = t.Truncate(time.Minute).Add(90 * time.Second)
	}
	return target.Sub(t)
}

// Refresh rebuilds the snapshot from balance and positions. On upstream
// failure the previous snapshot is kept and ages toward MaxAge instead of
// being replaced by a blocking one.
func (rm *RiskMonitor) Refresh(ctx context.Context) {
	balance, err := rm.source.GetBalance(ctx)
	if err != nil {
		rm.logger.Warn().Err(err).Msg("risk refresh: balance unavailable")
		return
	}
	positions, err := rm.source.GetPositions(ctx)
	if err != nil {
		rm.logger.Warn().Err(err).Msg("risk refresh: positions unavailable")
		return
	}

	var notional, margin, unrealized float64
	for _, p := range positions {
		price := p.MarkPrice
		if price == 0 {
			if t, err := rm.source.GetTicker(ctx, p.Symbol); err == nil {
				price = t.LastPrice
			} else {
				price = p.EntryPrice
			}
		}
		notional += p.Quantity * price
		margin += p.Margin
		unrealized += p.UnrealizedPnL
	}

	rm.mu.Lock()
	maxPct := rm.config.MaxNotionalPct
	leverage := rm.config.Leverage
	rm.mu.Unlock()

	capNotional := balance.Equity * float64(leverage) * maxPct
	remaining := capNotional - notional

	s := &RiskSnapshot{
		Equity:            balance.Equity,
		TotalNotional:     notional,
		TotalMargin:       margin,
		UnrealizedPnL:     unrealized,
		RemainingNotional: remaining,
		CanOpenNew:        remaining > 0,
		CheckedAt:         rm.now(),
	}
	if !s.CanOpenNew {
		s.Reason = "notional cap reached"
	}
	rm.snapshot.Store(s)

	rm.logger.Debug().
		Float64("equity", s.Equity).
		Float64("notional", s.TotalNotional).
		Float64("remaining", s.RemainingNotional).
		Bool("can_open", s.CanOpenNew).
		Msg("risk snapshot refreshed")

	if rm.mirror != nil {
		rm.mirror.MirrorRiskSnapshot(ctx, &database.RiskSnapshotState{
			Equity:            s.Equity,
			TotalNotional:     s.TotalNotional,
			TotalMargin:       s.TotalMargin,
			UnrealizedPnL:     s.UnrealizedPnL,
			RemainingNotional: s.RemainingNotional,
			CanOpenNew:        s.CanOpenNew,
			Reason:            s.Reason,
			CheckedAt:         s.CheckedAt,
		})
	}
}
