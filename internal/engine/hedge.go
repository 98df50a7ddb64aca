package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"okx-trading-engine/internal/database"
	"okx-trading-engine/internal/okx"
	"okx-trading-engine/internal/strategy"
)

// HedgeParams are the thresholds the hedge state machine runs on.
// They come from the trading-params store and reload between cycles.
type HedgeParams struct {
	Leverage           int
	HardTakeProfitPct  float64 // Unleveraged ROI threshold, main-only exit
	HedgeTakeProfitPct float64 // Net ROI over total margin, hedged exit
	MaxHedgeCount      int
}

// DefaultHedgeParams returns the standard thresholds
func DefaultHedgeParams() HedgeParams {
	return HedgeParams{
		Leverage:           20,
		HardTakeProfitPct:  0.02,
		HedgeTakeProfitPct: 0.005,
		MaxHedgeCount:      2,
	}
}

// Sizing carries the quantities the orchestrator computed for this signal
type Sizing struct {
	MainQuantity  float64
	HedgeQuantity float64
}

// Close reasons recorded in the trade ledger
const (
	NoteHedgeEscape = "hedge_escape"
	NoteHardTP      = "hard_take_profit"
	NoteSmartUnhook = "smart_unhook"
)

// HedgeManager owns the per-symbol position state machine: a symbol is
// flat, main-only, main-plus-hedges, or hedge-only (after the main closed
// out-of-band). Exit rules run on every price tick; signal rules run when a
// strategy fires. Rules are mutually exclusive per evaluation and apply in
// priority order:
//
//  1. hedge escape    main + hedges, net ROI over total margin at threshold
//  2. hard take-profit main only, unleveraged ROI at threshold
//  3. smart unhook    signal matches main side while hedged
//  4. inheritance     no main, a hedge matches the signal side
//  5. hedge open      signal opposes the main side, capped
//
// Order placement and the ledger delegate to the executor and store; the
// manager owns only the decision and its position view.
type HedgeManager struct {
	mu       sync.Mutex
	params   HedgeParams
	mains    map[string]*database.MainPosition
	hedges   map[string][]*database.HedgePosition
	store    database.Store
	executor Executor
	logger   zerolog.Logger

	now func() time.Time
}

// NewHedgeManager creates an empty manager; call Restore to load persisted
// positions.
func NewHedgeManager(params HedgeParams, store database.Store, executor Executor, logger zerolog.Logger) *HedgeManager {
	if params.MaxHedgeCount <= 0 {
		params = DefaultHedgeParams()
	}
	return &HedgeManager{
		params:   params,
		mains:    make(map[string]*database.MainPosition),
		hedges:   make(map[string][]*database.HedgePosition),
		store:    store,
		executor: executor,
		logger:   logger,
		now:      time.Now,
	}
}

// Restore loads the persisted position book
func (hm *HedgeManager) Restore(ctx context.Context) error {
	mains, err := hm.store.GetMainPositions(ctx)
	if err != nil {
		return fmt.Errorf("restore main positions: %w", err)
	}
	hedges, err := hm.store.GetHedges(ctx)
	if err != nil {
		return fmt.Errorf("restore hedges: %w", err)
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()
	for i := range mains {
		p := mains[i]
		hm.mains[p.Symbol] = &p
	}
	for i := range hedges {
		h := hedges[i]
		hm.hedges[h.Symbol] = append(hm.hedges[h.Symbol], &h)
	}

	hm.logger.Info().
		Int("mains", len(hm.mains)).
		Int("hedged_symbols", len(hm.hedges)).
		Msg("position book restored")
	return nil
}

// UpdateParams swaps the thresholds between cycles
func (hm *HedgeManager) UpdateParams(params HedgeParams) {
	hm.mu.Lock()
	hm.params = params
	hm.mu.Unlock()
}

// CheckExits runs the price-driven exit rules (hedge escape, hard
// take-profit) for one symbol. Returns the note of the rule that fired, or
// "" when nothing did.
func (hm *HedgeManager) CheckExits(ctx context.Context, symbol string, price float64) (string, error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	main := hm.mains[symbol]
	hedges := hm.hedges[symbol]

	// Rule 1: hedge escape
	if main != nil && len(hedges) > 0 {
		netPnL, netROI := hm.netROI(main, hedges, price)
		if netROI >= hm.params.HedgeTakeProfitPct {
			hm.logger.Info().
				Str("symbol", symbol).
				Float64("net_pnl", netPnL).
				Float64("net_roi", netROI).
				Msg("hedge escape triggered")
			if err := hm.flattenLocked(ctx, symbol, price, NoteHedgeEscape); err != nil {
				return "", err
			}
			return NoteHedgeEscape, nil
		}
		return "", nil
	}

	// Rule 2: hard take-profit, main-only state
	if main != nil && len(hedges) == 0 {
		roi := unleveragedROI(main.Side, main.EntryPrice, price)
		if roi >= hm.params.HardTakeProfitPct {
			hm.logger.Info().
				Str("symbol", symbol).
				Float64("roi", roi).
				Msg("hard take-profit triggered")
			if err := hm.closeMainLocked(ctx, symbol, price, NoteHardTP); err != nil {
				return "", err
			}
			return NoteHardTP, nil
		}
	}
	return "", nil
}

// OnSignal runs the signal-driven rules for a validated, deduplicated
// signal. Returns a short description of the action taken.
func (hm *HedgeManager) OnSignal(ctx context.Context, sig *strategy.Signal, price float64, sizing Sizing) (string, error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	symbol := sig.Symbol
	signalSide := sideForAction(sig.Action)
	main := hm.mains[symbol]
	hedges := hm.hedges[symbol]

	// Rule 3: smart unhook, signal confirms the main direction
	if main != nil && len(hedges) > 0 && signalSide == main.Side {
		if err := hm.closeHedgesLocked(ctx, symbol, price, NoteSmartUnhook); err != nil {
			return "", err
		}
		return "smart_unhook", nil
	}

	// Rule 4: hedge inheritance, orphaned hedge matches the signal
	if main == nil && len(hedges) > 0 {
		for _, h := range hedges {
			if h.Side != signalSide {
				continue
			}
			if err := hm.promoteHedgeLocked(ctx, h); err != nil {
				return "", err
			}
			return "hedge_inheritance", nil
		}
		// No matching hedge; fall through to nothing rather than stacking
		// a fresh position against orphaned exposure
		return "", nil
	}

	// Rule 5: hedge open, signal opposes the main direction
	if main != nil && signalSide != main.Side {
		if len(hedges) >= hm.params.MaxHedgeCount {
			hm.logger.Warn().
				Str("symbol", symbol).
				Int("hedges", len(hedges)).
				Msg("hedge cap reached, signal rejected")
			return "", nil
		}
		if sig.Category == strategy.CategoryTakeProfitOnly {
			return "", nil
		}
		if err := hm.openHedgeLocked(ctx, symbol, signalSide, sizing.HedgeQuantity, price); err != nil {
			return "", err
		}
		return "hedge_open", nil
	}

	// Flat symbol: open the main position
	if main == nil && len(hedges) == 0 {
		if sig.Category == strategy.CategoryTakeProfitOnly {
			return "", nil
		}
		if err := hm.openMainLocked(ctx, symbol, signalSide, sizing.MainQuantity, price); err != nil {
			return "", err
		}
		return "main_open", nil
	}

	// Signal matches an unhedged main: position already aligned
	return "", nil
}

// PositionBook is a copy of the current position state for the status API
type PositionBook struct {
	Mains  []database.MainPosition  `json:"mains"`
	Hedges []database.HedgePosition `json:"hedges"`
}

// Book returns a snapshot of the position book
func (hm *HedgeManager) Book() PositionBook {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	book := PositionBook{}
	for _, p := range hm.mains {
		book.Mains = append(book.Mains, *p)
	}
	for _, list := range hm.hedges {
		for _, h := range list {
			book.Hedges = append(book.Hedges, *h)
		}
	}
	return book
}

// Symbols returns every symbol with open exposure
func (hm *HedgeManager) Symbols() []string {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	set := make(map[string]bool)
	for s := range hm.mains {
		set[s] = true
	}
	for s, list := range hm.hedges {
		if len(list) > 0 {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// flattenLocked closes the main and every hedge in one pass. State is
// removed leg by leg as each close succeeds, so a partial failure leaves
// only the still-open legs for the next cycle instead of re-closing
// everything.
func (hm *HedgeManager) flattenLocked(ctx context.Context, symbol string, price float64, note string) error {
	if err := hm.closeMainLocked(ctx, symbol, price, note); err != nil {
		return err
	}
	return hm.closeHedgesLocked(ctx, symbol, price, note)
}

func (hm *HedgeManager) closeMainLocked(ctx context.Context, symbol string, price float64, note string) error {
	main := hm.mains[symbol]
	if main == nil {
		return nil
	}

	fill, err := hm.executor.ClosePosition(ctx, symbol, main.Side, main.Quantity, price)
	if err != nil {
		return fmt.Errorf("close main %s: %w", symbol, err)
	}

	pnl := positionPnL(main.Side, main.EntryPrice, main.Quantity, fill.Price)
	hm.recordTrade(ctx, &database.TradeRecord{
		Symbol:      symbol,
		Side:        main.Side,
		Quantity:    main.Quantity,
		EntryPrice:  main.EntryPrice,
		ExitPrice:   fill.Price,
		RealizedPnL: pnl,
		OpenedAt:    main.OpenedAt,
		ClosedAt:    hm.now(),
		Note:        note,
	})

	delete(hm.mains, symbol)
	if err := hm.store.DeleteMainPosition(ctx, symbol); err != nil {
		hm.logger.Error().Err(err).Str("symbol", symbol).Msg("main position delete failed")
	}
	return nil
}

func (hm *HedgeManager) closeHedgesLocked(ctx context.Context, symbol string, price float64, note string) error {
	hedges := hm.hedges[symbol]
	remaining := hedges[:0]
	var firstErr error

	for _, h := range hedges {
		fill, err := hm.executor.ClosePosition(ctx, symbol, h.Side, h.Quantity, price)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("close hedge %s: %w", h.ID, err)
			}
			remaining = append(remaining, h)
			continue
		}

		pnl := positionPnL(h.Side, h.EntryPrice, h.Quantity, fill.Price)
		hm.recordTrade(ctx, &database.TradeRecord{
			Symbol:      symbol,
			Side:        h.Side,
			Quantity:    h.Quantity,
			EntryPrice:  h.EntryPrice,
			ExitPrice:   fill.Price,
			RealizedPnL: pnl,
			OpenedAt:    h.OpenedAt,
			ClosedAt:    hm.now(),
			Note:        note,
		})
		if err := hm.store.DeleteHedge(ctx, h.ID); err != nil {
			hm.logger.Error().Err(err).Str("hedge_id", h.ID).Msg("hedge delete failed")
		}
	}

	if len(remaining) == 0 {
		delete(hm.hedges, symbol)
	} else {
		hm.hedges[symbol] = remaining
	}
	return firstErr
}

// promoteHedgeLocked moves a hedge into the main slot without touching the
// exchange; exposure is unchanged, only the bookkeeping role flips.
func (hm *HedgeManager) promoteHedgeLocked(ctx context.Context, h *database.HedgePosition) error {
	main := &database.MainPosition{
		Symbol:     h.Symbol,
		Side:       h.Side,
		Quantity:   h.Quantity,
		EntryPrice: h.EntryPrice,
		Leverage:   h.Leverage,
		Margin:     h.Margin,
		OpenedAt:   h.OpenedAt,
	}

	if err := hm.store.SaveMainPosition(ctx, main); err != nil {
		return fmt.Errorf("promote hedge %s: %w", h.ID, err)
	}
	if err := hm.store.DeleteHedge(ctx, h.ID); err != nil {
		hm.logger.Error().Err(err).Str("hedge_id", h.ID).Msg("promoted hedge delete failed")
	}

	hm.mains[h.Symbol] = main
	list := hm.hedges[h.Symbol]
	for i, other := range list {
		if other.ID == h.ID {
			hm.hedges[h.Symbol] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(hm.hedges[h.Symbol]) == 0 {
		delete(hm.hedges, h.Symbol)
	}

	hm.logger.Info().
		Str("symbol", h.Symbol).
		Str("side", h.Side).
		Str("hedge_id", h.ID).
		Msg("hedge promoted to main position")
	return nil
}

func (hm *HedgeManager) openMainLocked(ctx context.Context, symbol, side string, quantity, price float64) error {
	if quantity <= 0 {
		return fmt.Errorf("open main %s: non-positive quantity %v", symbol, quantity)
	}

	fill, err := hm.executor.OpenPosition(ctx, symbol, side, quantity, price)
	if err != nil {
		return fmt.Errorf("open main %s: %w", symbol, err)
	}

	main := &database.MainPosition{
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		EntryPrice: fill.Price,
		Leverage:   hm.params.Leverage,
		Margin:     quantity * fill.Price / float64(hm.params.Leverage),
		OpenedAt:   hm.now(),
	}
	hm.mains[symbol] = main
	if err := hm.store.SaveMainPosition(ctx, main); err != nil {
		hm.logger.Error().Err(err).Str("symbol", symbol).Msg("main position save failed")
	}
	return nil
}

func (hm *HedgeManager) openHedgeLocked(ctx context.Context, symbol, side string, quantity, price float64) error {
	if quantity <= 0 {
		return fmt.Errorf("open hedge %s: non-positive quantity %v", symbol, quantity)
	}
	// Hedges oppose the main by construction; reject anything else before
	// it reaches the exchange
	if main := hm.mains[symbol]; main != nil && side == main.Side {
		return fmt.Errorf("open hedge %s: side %s matches main position", symbol, side)
	}

	fill, err := hm.executor.OpenPosition(ctx, symbol, side, quantity, price)
	if err != nil {
		return fmt.Errorf("open hedge %s: %w", symbol, err)
	}

	h := &database.HedgePosition{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		EntryPrice: fill.Price,
		Leverage:   hm.params.Leverage,
		Margin:     quantity * fill.Price / float64(hm.params.Leverage),
		OpenedAt:   hm.now(),
	}
	hm.hedges[symbol] = append(hm.hedges[symbol], h)
	if err := hm.store.SaveHedge(ctx, h); err != nil {
		hm.logger.Error().Err(err).Str("hedge_id", h.ID).Msg("hedge save failed")
	}
	return nil
}

func (hm *HedgeManager) recordTrade(ctx context.Context, t *database.TradeRecord) {
	if err := hm.store.RecordTrade(ctx, t); err != nil {
		hm.logger.Error().Err(err).Str("symbol", t.Symbol).Msg("trade record failed")
	}
}

// netROI computes net PnL across all legs over the total pre-leverage
// margin (sum of notionals divided by leverage).
func (hm *HedgeManager) netROI(main *database.MainPosition, hedges []*database.HedgePosition, price float64) (float64, float64) {
	netPnL := positionPnL(main.Side, main.EntryPrice, main.Quantity, price)
	totalValue := main.Quantity * main.EntryPrice
	for _, h := range hedges {
		netPnL += positionPnL(h.Side, h.EntryPrice, h.Quantity, price)
		totalValue += h.Quantity * h.EntryPrice
	}

	totalMargin := totalValue / float64(hm.params.Leverage)
	if totalMargin <= 0 {
		return netPnL, 0
	}
	return netPnL, netPnL / totalMargin
}

// positionPnL is the notional-scaled floating PnL of one leg
func positionPnL(side string, entry, quantity, price float64) float64 {
	if entry <= 0 || quantity <= 0 {
		return 0
	}
	value := quantity * entry
	if side == okx.PosSideLong {
		return (price - entry) / entry * value
	}
	return (entry - price) / entry * value
}

// unleveragedROI is the pure price move relative to entry
func unleveragedROI(side string, entry, price float64) float64 {
	if entry <= 0 {
		return 0
	}
	if side == okx.PosSideLong {
		return (price - entry) / entry
	}
	return (entry - price) / entry
}

func sideForAction(a strategy.Action) string {
	if a == strategy.ActionSell {
		return okx.PosSideShort
	}
	return okx.PosSideLong
}
