package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeConn scripts one WebSocket session: queued inbound messages are
// served by ReadMessage, then readErr ends the session. Writes are recorded.
type fakeConn struct {
	mu        sync.Mutex
	inbound   chan []byte
	written   []wsRequest
	textMsgs  []string
	closed    bool
	readErr   error
	closeOnce sync.Once
}

func newFakeConn(readErr error) *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), readErr: readErr}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return 0, nil, f.readErr
	}
	return websocket.TextMessage, msg, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textMsgs = append(f.textMsgs, string(data))
	return nil
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := v.(wsRequest)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	f.written = append(f.written, req)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	// Unblock ReadMessage like the real conn does
	f.closeInbound()
	return nil
}

func (f *fakeConn) closeInbound() {
	f.closeOnce.Do(func() { close(f.inbound) })
}

func (f *fakeConn) requests() []wsRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wsRequest, len(f.written))
	copy(out, f.written)
	return out
}

func newTestStream(conns ...*fakeConn) (*Stream, chan struct{}) {
	cfg := DefaultStreamConfig("wss://test")
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	s := NewStream(cfg, zerolog.Nop())

	dialed := make(chan struct{}, len(conns))
	i := 0
	var mu sync.Mutex
	s.dial = func(ctx context.Context) (wsConn, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(conns) {
			// Hold further dials until Stop
			return nil, errors.New("no more scripted connections")
		}
		c := conns[i]
		i++
		dialed <- struct{}{}
		return c, nil
	}
	return s, dialed
}

func candleMsg(channel, instID string, ts int64, closed bool) []byte {
	confirm := "0"
	if closed {
		confirm = "1"
	}
	msg := map[string]interface{}{
		"arg": map[string]string{"channel": channel, "instId": instID},
		"data": [][]string{{
			fmt.Sprintf("%d", ts), "100", "101", "99", "100.5", "10", "1000", "1000", confirm,
		}},
	}
	b, _ := json.Marshal(msg)
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamResubscribesOnceAfterReconnect(t *testing.T) {
	first := newFakeConn(errors.New("connection reset"))
	second := newFakeConn(errors.New("closed"))
	s, dialed := newTestStream(first, second)

	if err := s.SubscribeCandles("BTC-USDT-SWAP", "1m"); err != nil {
		t.Fatalf("SubscribeCandles before start: %v", err)
	}
	// Duplicate subscribe is a no-op
	if err := s.SubscribeCandles("BTC-USDT-SWAP", "1m"); err != nil {
		t.Fatalf("duplicate SubscribeCandles: %v", err)
	}

	s.Start()
	defer s.Stop()

	<-dialed
	waitFor(t, "first replay", func() bool { return len(first.requests()) == 1 })

	// Kill the first session, the stream must reconnect and replay
	first.closeInbound()
	<-dialed
	waitFor(t, "second replay", func() bool { return len(second.requests()) == 1 })

	req := second.requests()[0]
	if req.Op != "subscribe" {
		t.Errorf("op = %q", req.Op)
	}
	if len(req.Args) != 1 {
		t.Fatalf("replayed %d subscriptions, want exactly 1", len(req.Args))
	}
	if req.Args[0].Channel != "candle1m" || req.Args[0].InstID != "BTC-USDT-SWAP" {
		t.Errorf("replayed %+v", req.Args[0])
	}
}

func TestStreamAnswersTextPing(t *testing.T) {
	conn := newFakeConn(errors.New("closed"))
	s, dialed := newTestStream(conn)
	s.Start()
	defer s.Stop()

	<-dialed
	conn.inbound <- []byte("ping")

	waitFor(t, "pong", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.textMsgs) == 1 && conn.textMsgs[0] == "pong"
	})
}

func TestStreamDispatchesAndCachesCandles(t *testing.T) {
	conn := newFakeConn(errors.New("closed"))
	s, dialed := newTestStream(conn)

	type update struct {
		symbol, timeframe string
		ts                int64
		closed            bool
	}
	var mu sync.Mutex
	var got []update
	s.OnCandle(func(symbol, timeframe string, c Candle, closed bool) {
		mu.Lock()
		got = append(got, update{symbol, timeframe, c.Timestamp, closed})
		mu.Unlock()
	})

	s.Start()
	defer s.Stop()
	<-dialed

	conn.inbound <- candleMsg("candle1H", "BTC-USDT-SWAP", 60000, false)
	conn.inbound <- candleMsg("candle1H", "BTC-USDT-SWAP", 60000, true)
	conn.inbound <- candleMsg("candle1H", "BTC-USDT-SWAP", 120000, false)

	waitFor(t, "3 dispatches", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	mu.Lock()
	if got[0].timeframe != "1h" {
		t.Errorf("timeframe = %q, want 1h (bar notation normalized)", got[0].timeframe)
	}
	if got[0].closed || !got[1].closed {
		t.Error("confirm flag not propagated")
	}
	mu.Unlock()

	window := s.CandleWindow("BTC-USDT-SWAP", "1h")
	if len(window) != 2 {
		t.Fatalf("window = %d candles, want 2 (duplicate ts overwrites)", len(window))
	}
	if window[0].Timestamp != 60000 || window[1].Timestamp != 120000 {
		t.Errorf("window order: %d, %d", window[0].Timestamp, window[1].Timestamp)
	}
}

func TestStreamIgnoresEventMessages(t *testing.T) {
	conn := newFakeConn(errors.New("closed"))
	s, dialed := newTestStream(conn)

	var called bool
	s.OnCandle(func(string, string, Candle, bool) { called = true })

	s.Start()
	defer s.Stop()
	<-dialed

	ack, _ := json.Marshal(map[string]interface{}{
		"event": "subscribe",
		"arg":   map[string]string{"channel": "candle1m", "instId": "BTC-USDT-SWAP"},
	})
	conn.inbound <- ack
	conn.inbound <- candleMsg("candle1m", "BTC-USDT-SWAP", 60000, true)

	waitFor(t, "candle after ack", func() bool {
		return len(s.CandleWindow("BTC-USDT-SWAP", "1m")) == 1
	})
	if !called {
		t.Error("candle handler not called")
	}
}

func TestStreamCacheWindowBounded(t *testing.T) {
	cache := newStreamCache(3)
	for ts := int64(1); ts <= 5; ts++ {
		cache.merge(Candle{Timestamp: ts * 60000})
	}
	window := cache.snapshot()
	if len(window) != 3 {
		t.Fatalf("window = %d, want 3", len(window))
	}
	if window[0].Timestamp != 180000 {
		t.Errorf("oldest kept = %d, want newest three", window[0].Timestamp)
	}
}

func TestStreamCacheOutOfOrderInsert(t *testing.T) {
	cache := newStreamCache(10)
	cache.merge(Candle{Timestamp: 60000, Close: 1})
	cache.merge(Candle{Timestamp: 180000, Close: 3})
	cache.merge(Candle{Timestamp: 120000, Close: 2})
	// Late revision of an existing bar
	cache.merge(Candle{Timestamp: 120000, Close: 2.5})

	window := cache.snapshot()
	if len(window) != 3 {
		t.Fatalf("window = %d, want 3", len(window))
	}
	for i := 1; i < len(window); i++ {
		if window[i].Timestamp <= window[i-1].Timestamp {
			t.Fatal("window not strictly ascending")
		}
	}
	if window[1].Close != 2.5 {
		t.Errorf("revision not applied: close = %v", window[1].Close)
	}
}

func TestStreamUnsubscribeRemovesFromReplay(t *testing.T) {
	first := newFakeConn(errors.New("reset"))
	second := newFakeConn(errors.New("closed"))
	s, dialed := newTestStream(first, second)

	s.SubscribeCandles("BTC-USDT-SWAP", "1m")
	s.SubscribeCandles("ETH-USDT-SWAP", "1m")
	s.Start()
	defer s.Stop()
	<-dialed
	waitFor(t, "initial replay", func() bool { return len(first.requests()) >= 1 })

	if err := s.UnsubscribeCandles("ETH-USDT-SWAP", "1m"); err != nil {
		t.Fatalf("UnsubscribeCandles: %v", err)
	}

	first.closeInbound()
	<-dialed
	waitFor(t, "second replay", func() bool { return len(second.requests()) >= 1 })

	req := second.requests()[0]
	if len(req.Args) != 1 || req.Args[0].InstID != "BTC-USDT-SWAP" {
		t.Errorf("replay after unsubscribe = %+v", req.Args)
	}
}
