package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"okx-trading-engine/internal/circuit"
	"okx-trading-engine/internal/database"
	"okx-trading-engine/internal/engine"
	"okx-trading-engine/internal/market"
	"okx-trading-engine/internal/okx"
	"okx-trading-engine/internal/strategy"
)

// stubExchange serves a fixed ascending minute history
type stubExchange struct {
	history []okx.Candle
}

func newStubExchange(bars int) *stubExchange {
	s := &stubExchange{}
	for i := 0; i < bars; i++ {
		ts := int64(i+1) * 60_000
		s.history = append(s.history, okx.Candle{
			Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100, Volume: 1,
		})
	}
	return s
}

func (s *stubExchange) page(pred func(okx.Candle) bool, limit int) []okx.Candle {
	var out []okx.Candle
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if pred(s.history[i]) {
			out = append(out, s.history[i])
		}
	}
	return out
}

func (s *stubExchange) GetHistoryCandles(_ context.Context, _, _ string, after int64, limit int) ([]okx.Candle, error) {
	return s.page(func(c okx.Candle) bool { return after == 0 || c.Timestamp < after }, limit), nil
}

func (s *stubExchange) GetCandles(_ context.Context, _, _ string, before int64, limit int) ([]okx.Candle, error) {
	return s.page(func(c okx.Candle) bool { return c.Timestamp > before }, limit), nil
}

func (s *stubExchange) GetTicker(_ context.Context, symbol string) (*okx.Ticker, error) {
	return &okx.Ticker{Symbol: symbol, LastPrice: 100}, nil
}

func (s *stubExchange) GetBalance(context.Context) (*okx.Balance, error) {
	return &okx.Balance{Equity: 10_000, Available: 10_000, Currency: "USDT"}, nil
}

func (s *stubExchange) GetPositions(context.Context) ([]okx.ExchangePosition, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *database.MemoryStore) {
	t.Helper()
	logger := zerolog.Nop()
	store := database.NewMemoryStore()
	exchange := newStubExchange(200)

	breaker := circuit.NewBreaker(circuit.DefaultBreakerConfig(), logger)
	candles := market.NewCandleCache(market.DefaultCandleCacheConfig(), exchange, breaker, logger)
	provider := market.NewProvider(market.DefaultProviderConfig(), exchange, candles, breaker, logger)

	executor := engine.NewPaperExecutor(logger)
	hedge := engine.NewHedgeManager(engine.DefaultHedgeParams(), store, executor, logger)
	deduper := engine.NewSignalDeduper(512, store, nil, logger)
	risk := engine.NewRiskMonitor(engine.DefaultRiskConfig(), provider, nil, logger)
	risk.Refresh(context.Background())

	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
		Symbols:              []string{"BTC-USDT-SWAP"},
		Timeframes:           []string{"1m"},
		WorkerCount:          2,
		TargetBars:           100,
		Leverage:             20,
		PrimaryPositionPct:   5,
		SecondaryPositionPct: 2.5,
	}, provider, []strategy.Strategy{}, deduper, hedge, risk, store, logger)

	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0, ProductionMode: true}, EngineStatus{
		Store:        store,
		Breaker:      breaker,
		Provider:     provider,
		Hedge:        hedge,
		Risk:         risk,
		Orchestrator: orch,
		StartedAt:    time.Now(),
	}, logger)
	return srv, store
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "healthy" || resp["redis"] != "disabled" {
		t.Fatalf("health = %v", resp)
	}
}

func TestStatusAndPositionsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/positions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("positions endpoint = %d", w.Code)
	}
	var book engine.PositionBook
	if err := json.Unmarshal(w.Body.Bytes(), &book); err != nil {
		t.Fatalf("decode book: %v", err)
	}
	if len(book.Mains) != 0 || len(book.Hedges) != 0 {
		t.Fatalf("expected empty book, got %+v", book)
	}
}

func TestScanEndpointRunsCycle(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/scan", "")
	if w.Code != http.StatusOK {
		t.Fatalf("scan = %d, body %s", w.Code, w.Body.String())
	}

	// The cycle bootstrapped the configured pair; cache stats reflect it
	w = doRequest(t, srv, http.MethodGet, "/api/caches", "")
	var resp struct {
		Candles []market.EntryStats `json:"candles"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode caches: %v", err)
	}
	if len(resp.Candles) != 1 {
		t.Fatalf("candle cache entries = %d, want 1", len(resp.Candles))
	}
}

func TestParamsRoundTripAndValidation(t *testing.T) {
	srv, store := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/params", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"source":"config"`) {
		t.Fatalf("empty params: %d %s", w.Code, w.Body.String())
	}

	body := `{"leverage":10,"primary_position_pct":3,"secondary_position_pct":1.5,
		"hard_take_profit_pct":0.025,"hedge_take_profit_pct":0.004,
		"max_notional_pct":0.08,"max_hedge_count":2}`
	w = doRequest(t, srv, http.MethodPut, "/api/params", body)
	if w.Code != http.StatusOK {
		t.Fatalf("put params = %d, body %s", w.Code, w.Body.String())
	}

	params, err := store.GetTradingParams(context.Background())
	if err != nil || params == nil || params.Leverage != 10 {
		t.Fatalf("stored params = %+v, err %v", params, err)
	}

	invalid := `{"leverage":0,"primary_position_pct":3,"secondary_position_pct":1.5,
		"hard_take_profit_pct":0.025,"hedge_take_profit_pct":0.004,
		"max_notional_pct":0.08,"max_hedge_count":2}`
	w = doRequest(t, srv, http.MethodPut, "/api/params", invalid)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid params accepted: %d", w.Code)
	}
}

func TestTradesEndpointLimit(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.RecordTrade(ctx, &database.TradeRecord{
			Symbol: "BTC-USDT-SWAP", Side: "long", Quantity: 1,
			EntryPrice: 100, ExitPrice: 102, RealizedPnL: 2,
			OpenedAt: time.Now(), ClosedAt: time.Now(),
		})
	}

	w := doRequest(t, srv, http.MethodGet, "/api/trades?limit=2", "")
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}

	if w := doRequest(t, srv, http.MethodGet, "/api/trades?limit=9999", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("oversized limit accepted: %d", w.Code)
	}
}
