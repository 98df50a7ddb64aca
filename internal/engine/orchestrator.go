package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-engine/internal/database"
	"okx-trading-engine/internal/market"
	"okx-trading-engine/internal/okx"
	"okx-trading-engine/internal/strategy"
)

// marketData is the provider surface the orchestrator consumes
type marketData interface {
	GetCandles(ctx context.Context, symbol, timeframe string, targetLength int, forceRefresh bool) ([]okx.Candle, bool, error)
	MergeClosedCandle(symbol, timeframe string, candle okx.Candle)
	PendingInits() []market.PendingInit
	GetTicker(ctx context.Context, symbol string) (*okx.Ticker, error)
	GetBalance(ctx context.Context) (*okx.Balance, error)
	InvalidateAccountData()
}

// riskGate is the risk monitor surface the orchestrator consults
type riskGate interface {
	CanOpenNew() (bool, string)
	UpdateLimits(maxNotionalPct float64, leverage int)
}

// paramsSource reloads trading parameters between cycles. Satisfied by the
// database Store; (nil, nil) means no stored overrides.
type paramsSource interface {
	GetTradingParams(ctx context.Context) (*database.TradingParams, error)
}

// OrchestratorConfig drives the scan loop
type OrchestratorConfig struct {
	Symbols              []string
	Timeframes           []string
	WorkerCount          int
	TargetBars           int
	Leverage             int
	PrimaryPositionPct   float64 // Of equity, main entries
	SecondaryPositionPct float64 // Of equity, hedge entries
	MaxNotionalPct       float64
}

// Orchestrator runs the minute-aligned scan loop: refresh candles for every
// due (symbol, timeframe) pair through a worker pool, evaluate strategies on
// the closed bars, route deduplicated signals into the hedge state machine,
// then run price-driven exit checks for every symbol with open exposure.
type Orchestrator struct {
	config     OrchestratorConfig
	provider   marketData
	strategies []strategy.Strategy
	deduper    *SignalDeduper
	hedge      *HedgeManager
	risk       riskGate
	params     paramsSource
	logger     zerolog.Logger

	mu       sync.Mutex // guards config during hot reload
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	lastCycle   time.Time
	streamStats func() okx.StreamStats

	now func() time.Time
}

// NewOrchestrator wires the scan loop; params may be nil to disable hot
// reload.
func NewOrchestrator(config OrchestratorConfig, provider marketData, strategies []strategy.Strategy,
	deduper *SignalDeduper, hedge *HedgeManager, risk riskGate, params paramsSource, logger zerolog.Logger) *Orchestrator {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.TargetBars <= 0 {
		config.TargetBars = 1000
	}
	return &Orchestrator{
		config:     config,
		provider:   provider,
		strategies: strategies,
		deduper:    deduper,
		hedge:      hedge,
		risk:       risk,
		params:     params,
		logger:     logger,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// BindStream folds confirmed stream bars into the candle cache so warm
// refreshes find the boundary already satisfied.
func (o *Orchestrator) BindStream(stream *okx.Stream) error {
	o.mu.Lock()
	symbols := append([]string(nil), o.config.Symbols...)
	timeframes := append([]string(nil), o.config.Timeframes...)
	o.mu.Unlock()

	for _, sym := range symbols {
		for _, tf := range timeframes {
			if err := stream.SubscribeCandles(sym, tf); err != nil {
				return err
			}
		}
	}
	stream.OnCandle(func(symbol, timeframe string, candle okx.Candle, closed bool) {
		if closed {
			o.provider.MergeClosedCandle(symbol, timeframe, candle)
		}
	})
	o.mu.Lock()
	o.streamStats = stream.Stats
	o.mu.Unlock()
	return nil
}

// Start launches the scan loop
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go o.loop(ctx)
}

// Stop terminates the scan loop and waits for the current cycle
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// LastCycle returns the start time of the most recent completed cycle
func (o *Orchestrator) LastCycle() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCycle
}

// loop fires one cycle per minute, within the first seconds after the
// boundary so every due timeframe has a freshly closed bar.
func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	for {
		wait := untilNextMinute(o.now())
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
			o.RunCycle(ctx)
		}
	}
}

// untilNextMinute returns the wait to just past the next minute boundary.
// The one second offset keeps the fetch burst clear of the exact close,
// when the exchange may not have sealed the bar yet.
func untilNextMinute(t time.Time) time.Duration {
	next := t.Truncate(time.Minute).Add(time.Minute + time.Second)
	return next.Sub(t)
}

// dueTimeframes returns the timeframes whose bar closed at this minute
// boundary. The 1m frame is due every minute; larger frames align to their
// own boundaries, with 4h and 1d anchored to UTC.
func dueTimeframes(t time.Time, configured []string) []string {
	utc := t.UTC()
	minute := utc.Minute()
	hour := utc.Hour()

	due := make([]string, 0, len(configured))
	for _, tf := range configured {
		ok := false
		switch tf {
		case "1m":
			ok = true
		case "3m":
			ok = minute%3 == 0
		case "5m":
			ok = minute%5 == 0
		case "15m":
			ok = minute%15 == 0
		case "30m":
			ok = minute%30 == 0
		case "1h":
			ok = minute == 0
		case "4h":
			ok = minute == 0 && hour%4 == 0
		case "1d":
			ok = minute == 0 && hour == 0
		}
		if ok {
			due = append(due, tf)
		}
	}
	return due
}

type scanTask struct {
	symbol    string
	timeframe string
	retry     bool // pending-init retry, forced ahead of the regular scan
}

// RunCycle executes one full scan cycle. Exposed for the API's manual
// trigger endpoint; the loop calls it on schedule.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	start := o.now()
	defer func() {
		ScanCycleDuration.Observe(o.now().Sub(start).Seconds())
	}()

	o.reloadParams(ctx)

	tasks := o.buildTasks(start)
	if len(tasks) > 0 {
		signals := o.fanOut(ctx, tasks)
		o.processSignals(ctx, signals)
	}
	o.checkExits(ctx)

	pending := o.provider.PendingInits()
	PendingCandleInits.Set(float64(len(pending)))
	book := o.hedge.Book()
	OpenPositions.WithLabelValues("main").Set(float64(len(book.Mains)))
	OpenPositions.WithLabelValues("hedge").Set(float64(len(book.Hedges)))

	o.mu.Lock()
	statsFn := o.streamStats
	o.mu.Unlock()
	if statsFn != nil {
		ss := statsFn()
		StreamDroppedMessages.Set(float64(ss.Dropped))
		StreamReconnects.Set(float64(ss.Reconnects))
	}

	o.mu.Lock()
	o.lastCycle = start
	o.mu.Unlock()

	o.logger.Debug().
		Int("tasks", len(tasks)).
		Int("pending_inits", len(pending)).
		Dur("elapsed", o.now().Sub(start)).
		Msg("scan cycle complete")
}

// buildTasks lists this cycle's work: bootstrap retries first, then every
// due (symbol, timeframe) pair not already covered by a retry.
func (o *Orchestrator) buildTasks(t time.Time) []scanTask {
	o.mu.Lock()
	symbols := append([]string(nil), o.config.Symbols...)
	timeframes := append([]string(nil), o.config.Timeframes...)
	o.mu.Unlock()

	seen := make(map[string]bool)
	var tasks []scanTask
	for _, p := range o.provider.PendingInits() {
		tasks = append(tasks, scanTask{symbol: p.Symbol, timeframe: p.Timeframe, retry: true})
		seen[p.Symbol+":"+p.Timeframe] = true
	}
	for _, tf := range dueTimeframes(t, timeframes) {
		for _, sym := range symbols {
			if seen[sym+":"+tf] {
				continue
			}
			tasks = append(tasks, scanTask{symbol: sym, timeframe: tf})
		}
	}
	return tasks
}

// fanOut runs the tasks through the worker pool and collects the signals
// the strategies emit.
func (o *Orchestrator) fanOut(ctx context.Context, tasks []scanTask) []*strategy.Signal {
	taskCh := make(chan scanTask)
	resultCh := make(chan *strategy.Signal, len(tasks)*len(o.strategies))

	var wg sync.WaitGroup
	for i := 0; i < o.config.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				for _, sig := range o.runTask(ctx, task) {
					resultCh <- sig
				}
			}
		}()
	}

	for _, task := range tasks {
		select {
		case taskCh <- task:
		case <-ctx.Done():
		}
	}
	close(taskCh)
	wg.Wait()
	close(resultCh)

	var signals []*strategy.Signal
	for sig := range resultCh {
		signals = append(signals, sig)
	}
	return signals
}

// runTask refreshes one (symbol, timeframe) window and evaluates every
// strategy against it.
func (o *Orchestrator) runTask(ctx context.Context, task scanTask) []*strategy.Signal {
	mode := "incremental"
	if task.retry {
		mode = "bootstrap"
	}

	candles, stale, err := o.provider.GetCandles(ctx, task.symbol, task.timeframe, o.config.TargetBars, false)
	if err != nil {
		CandleFetches.WithLabelValues(mode, "error").Inc()
		o.logger.Warn().Err(err).
			Str("symbol", task.symbol).
			Str("timeframe", task.timeframe).
			Msg("candle refresh failed")
		return nil
	}
	if stale {
		// Stale windows are served for observability but never traded on
		CandleFetches.WithLabelValues(mode, "stale").Inc()
		o.logger.Debug().
			Str("symbol", task.symbol).
			Str("timeframe", task.timeframe).
			Msg("stale window, skipping strategy evaluation")
		return nil
	}
	CandleFetches.WithLabelValues(mode, "ok").Inc()
	if len(candles) == 0 {
		return nil
	}

	var signals []*strategy.Signal
	for _, strat := range o.strategies {
		sig, err := strat.Evaluate(task.symbol, task.timeframe, candles)
		if err != nil {
			o.logger.Warn().Err(err).
				Str("strategy", strat.Name()).
				Str("symbol", task.symbol).
				Msg("strategy evaluation failed")
			continue
		}
		if sig == nil {
			continue
		}
		if err := sig.Validate(strat.DefaultCategory()); err != nil {
			recordSignal(string(sig.Action), "rejected")
			o.logger.Warn().Err(err).Str("strategy", strat.Name()).Msg("signal rejected")
			continue
		}
		signals = append(signals, sig)
	}
	return signals
}

// processSignals routes validated signals through dedup, the risk gate,
// and the hedge state machine. Signals apply sequentially so the position
// book never sees two concurrent decisions for one symbol.
func (o *Orchestrator) processSignals(ctx context.Context, signals []*strategy.Signal) {
	if len(signals) == 0 {
		return
	}

	equity := o.cycleEquity(ctx)

	for _, sig := range signals {
		if o.deduper.Seen(sig) {
			recordSignal(string(sig.Action), "duplicate")
			continue
		}

		if ok, reason := o.risk.CanOpenNew(); !ok {
			// Exposure-reducing transitions still run; demoting the
			// category blocks only fresh entries
			sig.Category = strategy.CategoryTakeProfitOnly
			recordSignal(string(sig.Action), "risk_blocked")
			o.logger.Warn().
				Str("symbol", sig.Symbol).
				Str("reason", reason).
				Msg("new exposure blocked by risk gate")
		}

		action, err := o.hedge.OnSignal(ctx, sig, sig.Price, o.sizing(equity, sig.Price))
		if err != nil {
			recordOrder("signal", err)
			o.logger.Error().Err(err).
				Str("symbol", sig.Symbol).
				Msg("signal execution failed")
			continue
		}
		if action == "" {
			continue
		}

		recordSignal(string(sig.Action), "acted")
		recordOrder(action, nil)
		o.deduper.Mark(ctx, sig)
		o.provider.InvalidateAccountData()
		o.logger.Info().
			Str("symbol", sig.Symbol).
			Str("timeframe", sig.Timeframe).
			Str("action", action).
			Str("strategy", sig.Strategy).
			Msg("signal executed")
	}
}

// checkExits runs the price-driven exit rules for every symbol with open
// exposure.
func (o *Orchestrator) checkExits(ctx context.Context) {
	for _, symbol := range o.hedge.Symbols() {
		ticker, err := o.provider.GetTicker(ctx, symbol)
		if err != nil {
			o.logger.Warn().Err(err).Str("symbol", symbol).Msg("exit check skipped, no price")
			continue
		}
		note, err := o.hedge.CheckExits(ctx, symbol, ticker.LastPrice)
		if err != nil {
			recordOrder("close", err)
			o.logger.Error().Err(err).Str("symbol", symbol).Msg("exit execution failed")
			continue
		}
		if note != "" {
			recordOrder("close", nil)
			o.provider.InvalidateAccountData()
		}
	}
}

// cycleEquity reads the account equity once per cycle for sizing. Zero
// equity produces zero quantities, which the hedge manager rejects, so a
// balance outage fails safe.
func (o *Orchestrator) cycleEquity(ctx context.Context) float64 {
	balance, err := o.provider.GetBalance(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("balance unavailable for sizing")
		return 0
	}
	return balance.Equity
}

// sizing converts equity percentages into contract quantities at the
// signal price. The percentage allocates margin; notional is margin times
// leverage.
func (o *Orchestrator) sizing(equity, price float64) Sizing {
	if price <= 0 || equity <= 0 {
		return Sizing{}
	}
	o.mu.Lock()
	primary := o.config.PrimaryPositionPct
	secondary := o.config.SecondaryPositionPct
	leverage := float64(o.config.Leverage)
	o.mu.Unlock()

	return Sizing{
		MainQuantity:  equity * primary / 100 * leverage / price,
		HedgeQuantity: equity * secondary / 100 * leverage / price,
	}
}

// reloadParams applies stored trading parameters so edits take effect at
// the next cycle without a restart.
func (o *Orchestrator) reloadParams(ctx context.Context) {
	if o.params == nil {
		return
	}
	p, err := o.params.GetTradingParams(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("trading params reload failed")
		return
	}
	if p == nil {
		return
	}

	o.mu.Lock()
	o.config.Leverage = p.Leverage
	o.config.PrimaryPositionPct = p.PrimaryPositionPct
	o.config.SecondaryPositionPct = p.SecondaryPositionPct
	o.config.MaxNotionalPct = p.MaxNotionalPct
	o.mu.Unlock()

	o.hedge.UpdateParams(HedgeParams{
		Leverage:           p.Leverage,
		HardTakeProfitPct:  p.HardTakeProfitPct,
		HedgeTakeProfitPct: p.HedgeTakeProfitPct,
		MaxHedgeCount:      p.MaxHedgeCount,
	})
	o.risk.UpdateLimits(p.MaxNotionalPct, p.Leverage)
}
