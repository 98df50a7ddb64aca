package database

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for paper runs without a database.
// Behavior mirrors the Repository; state is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	mains   map[string]MainPosition
	hedges  map[string]HedgePosition
	trades  []TradeRecord
	signals map[string]SignalCacheEntry
	params  *TradingParams
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mains:   make(map[string]MainPosition),
		hedges:  make(map[string]HedgePosition),
		signals: make(map[string]SignalCacheEntry),
		nextID:  1,
	}
}

func (m *MemoryStore) SaveMainPosition(_ context.Context, p *MainPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.UpdatedAt = time.Now()
	m.mains[p.Symbol] = cp
	return nil
}

func (m *MemoryStore) DeleteMainPosition(_ context.Context, symbol string) error {
	m.mu.Lock()
	delete(m.mains, symbol)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetMainPositions(context.Context) ([]MainPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MainPosition, 0, len(m.mains))
	for _, p := range m.mains {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryStore) SaveHedge(_ context.Context, h *HedgePosition) error {
	m.mu.Lock()
	m.hedges[h.ID] = *h
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteHedge(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.hedges, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteHedgesForSymbol(_ context.Context, symbol string) error {
	m.mu.Lock()
	for id, h := range m.hedges {
		if h.Symbol == symbol {
			delete(m.hedges, id)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetHedges(context.Context) ([]HedgePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HedgePosition, 0, len(m.hedges))
	for _, h := range m.hedges {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *MemoryStore) RecordTrade(_ context.Context, t *TradeRecord) error {
	m.mu.Lock()
	t.ID = m.nextID
	m.nextID++
	m.trades = append(m.trades, *t)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetRecentTrades(_ context.Context, limit int) ([]TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TradeRecord, len(m.trades))
	copy(out, m.trades)
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetSignalCache(context.Context) ([]SignalCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SignalCacheEntry, 0, len(m.signals))
	for _, e := range m.signals {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) UpsertSignalCache(_ context.Context, e *SignalCacheEntry) error {
	m.mu.Lock()
	cp := *e
	cp.UpdatedAt = time.Now()
	m.signals[e.Symbol+":"+e.Timeframe+":"+e.Action] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PruneSignalCache(_ context.Context, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.signals) <= keep {
		return nil
	}
	entries := make([]SignalCacheEntry, 0, len(m.signals))
	for _, e := range m.signals {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UpdatedAt.After(entries[j].UpdatedAt) })
	for _, e := range entries[keep:] {
		delete(m.signals, e.Symbol+":"+e.Timeframe+":"+e.Action)
	}
	return nil
}

func (m *MemoryStore) GetTradingParams(context.Context) (*TradingParams, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.params == nil {
		return nil, nil
	}
	cp := *m.params
	return &cp, nil
}

func (m *MemoryStore) SaveTradingParams(_ context.Context, p *TradingParams) error {
	m.mu.Lock()
	cp := *p
	cp.UpdatedAt = time.Now()
	m.params = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
