package okx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// StreamState is the connection state of the streaming client
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamStopped
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StreamConfig holds streaming client configuration
type StreamConfig struct {
	URL         string
	QueueSize   int           // Bounded inbound queue
	BackoffBase time.Duration // First reconnect delay
	BackoffMax  time.Duration // Reconnect delay cap
	CacheWindow int           // Candles kept per (instId, timeframe)
}

// DefaultStreamConfig returns production defaults
func DefaultStreamConfig(url string) StreamConfig {
	return StreamConfig{
		URL:         url,
		QueueSize:   1000,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
		CacheWindow: 1000,
	}
}

// CandleHandler receives every candle update from the stream.
// closed is true for confirmed (final) bars.
type CandleHandler func(symbol, timeframe string, candle Candle, closed bool)

// wsConn is the subset of *websocket.Conn the stream uses.
// Tests substitute a scripted implementation.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	Close() error
}

type subscription struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsRequest struct {
	Op   string         `json:"op"`
	Args []subscription `json:"args"`
}

type wsMessage struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data [][]string `json:"data"`
}

// Stream maintains a single OKX WebSocket session with automatic reconnect,
// subscription replay, and a bounded processing queue. The read loop never
// blocks on message handling: a full queue drops the incoming message and a
// separate worker drains the queue.
type Stream struct {
	config StreamConfig
	logger zerolog.Logger

	dial func(ctx context.Context) (wsConn, error)

	conn    wsConn
	writeMu sync.Mutex // serializes all writes on the active conn
	connMu  sync.Mutex

	state      int32
	reconnects int64
	dropped    int64

	queue    chan []byte
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	subs   map[string]subscription
	subsMu sync.Mutex

	handlers   []CandleHandler
	handlersMu sync.RWMutex

	caches  map[string]*streamCache
	cacheMu sync.RWMutex
}

// NewStream creates a streaming client. Start must be called to connect.
func NewStream(config StreamConfig, logger zerolog.Logger) *Stream {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}
	if config.BackoffMax < config.BackoffBase {
		config.BackoffMax = 30 * time.Second
	}
	if config.CacheWindow <= 0 {
		config.CacheWindow = 1000
	}

	s := &Stream{
		config:   config,
		logger:   logger,
		queue:    make(chan []byte, config.QueueSize),
		stopChan: make(chan struct{}),
		subs:     make(map[string]subscription),
		caches:   make(map[string]*streamCache),
	}
	s.dial = func(ctx context.Context) (wsConn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, config.URL, nil)
		return conn, err
	}
	return s
}

// OnCandle registers a handler for candle updates
func (s *Stream) OnCandle(handler CandleHandler) {
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, handler)
	s.handlersMu.Unlock()
}

// Start launches the connection loop and the queue worker
func (s *Stream) Start() {
	s.wg.Add(2)
	go s.connectLoop()
	go s.worker()
}

// Stop closes the connection and stops all goroutines
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		atomic.StoreInt32(&s.state, int32(StreamStopped))
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
	})
	s.wg.Wait()
}

// State returns the current connection state
func (s *Stream) State() StreamState {
	return StreamState(atomic.LoadInt32(&s.state))
}

// SubscribeCandles records a candle subscription and sends it when
// connected. Subscribing twice to the same (symbol, timeframe) is a no-op.
// Recorded subscriptions are replayed verbatim after every reconnect.
func (s *Stream) SubscribeCandles(symbol, timeframe string) error {
	sub := subscription{Channel: "candle" + ToBar(timeframe), InstID: symbol}
	k := sub.Channel + ":" + sub.InstID

	s.subsMu.Lock()
	if _, exists := s.subs[k]; exists {
		s.subsMu.Unlock()
		return nil
	}
	s.subs[k] = sub
	s.subsMu.Unlock()

	if s.State() != StreamConnected {
		// Will be sent during the next subscription replay
		return nil
	}
	return s.send(wsRequest{Op: "subscribe", Args: []subscription{sub}})
}

// UnsubscribeCandles removes the subscription and notifies the exchange
func (s *Stream) UnsubscribeCandles(symbol, timeframe string) error {
	sub := subscription{Channel: "candle" + ToBar(timeframe), InstID: symbol}
	k := sub.Channel + ":" + sub.InstID

	s.subsMu.Lock()
	_, exists := s.subs[k]
	delete(s.subs, k)
	s.subsMu.Unlock()

	if !exists || s.State() != StreamConnected {
		return nil
	}
	return s.send(wsRequest{Op: "unsubscribe", Args: []subscription{sub}})
}

// CandleWindow returns a copy of the cached candles for (symbol, timeframe),
// ascending by timestamp.
func (s *Stream) CandleWindow(symbol, timeframe string) []Candle {
	s.cacheMu.RLock()
	cache, ok := s.caches[symbol+":"+strings.ToLower(timeframe)]
	s.cacheMu.RUnlock()
	if !ok {
		return nil
	}
	return cache.snapshot()
}

// StreamStats describes the stream for the status API
type StreamStats struct {
	State         string `json:"state"`
	Subscriptions int    `json:"subscriptions"`
	QueueLength   int    `json:"queue_length"`
	QueueCapacity int    `json:"queue_capacity"`
	Dropped       int64  `json:"dropped"`
	Reconnects    int64  `json:"reconnects"`
}

// Stats returns a snapshot of stream health
func (s *Stream) Stats() StreamStats {
	s.subsMu.Lock()
	subs := len(s.subs)
	s.subsMu.Unlock()

	return StreamStats{
		State:         s.State().String(),
		Subscriptions: subs,
		QueueLength:   len(s.queue),
		QueueCapacity: cap(s.queue),
		Dropped:       atomic.LoadInt64(&s.dropped),
		Reconnects:    atomic.LoadInt64(&s.reconnects),
	}
}

// DroppedCount returns the number of messages dropped by the full queue
func (s *Stream) DroppedCount() int64 {
	return atomic.LoadInt64(&s.dropped)
}

func (s *Stream) connectLoop() {
	defer s.wg.Done()

	backoff := s.config.BackoffBase
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		atomic.StoreInt32(&s.state, int32(StreamConnecting))
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			atomic.StoreInt32(&s.state, int32(StreamDisconnected))
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("stream dial failed")
			if !s.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.config.BackoffMax)
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		atomic.StoreInt32(&s.state, int32(StreamConnected))
		backoff = s.config.BackoffBase

		if err := s.replaySubscriptions(); err != nil {
			s.logger.Warn().Err(err).Msg("subscription replay failed")
		}

		s.logger.Info().Str("url", s.config.URL).Msg("stream connected")
		err = s.readLoop(conn)

		select {
		case <-s.stopChan:
			return
		default:
		}

		atomic.StoreInt32(&s.state, int32(StreamDisconnected))
		atomic.AddInt64(&s.reconnects, 1)
		conn.Close()
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("stream disconnected")
		if !s.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff, s.config.BackoffMax)
	}
}

func (s *Stream) readLoop(conn wsConn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		// OKX heartbeats are plain text frames, not WS protocol pings
		if string(msg) == "ping" {
			s.writeMu.Lock()
			werr := conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			s.writeMu.Unlock()
			if werr != nil {
				return fmt.Errorf("pong: %w", werr)
			}
			continue
		}

		select {
		case s.queue <- msg:
		default:
			// Queue full. Dropping keeps the read loop responsive; the
			// cache self-heals from the next update for the same bar.
			atomic.AddInt64(&s.dropped, 1)
		}
	}
}

func (s *Stream) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case msg := <-s.queue:
			s.handleMessage(msg)
		}
	}
}

func (s *Stream) handleMessage(msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("stream message handler panicked")
		}
	}()

	var m wsMessage
	if err := jsonFast.Unmarshal(msg, &m); err != nil {
		s.logger.Debug().Err(err).Msg("undecodable stream message")
		return
	}

	if m.Event != "" {
		if m.Event == "error" {
			s.logger.Error().Str("code", m.Code).Str("msg", m.Msg).Msg("stream api error")
		}
		return
	}
	if len(m.Data) == 0 || !strings.HasPrefix(m.Arg.Channel, "candle") {
		return
	}

	symbol := m.Arg.InstID
	timeframe := fromBar(strings.TrimPrefix(m.Arg.Channel, "candle"))

	for _, row := range m.Data {
		candle, err := parseCandleRow(row)
		if err != nil {
			s.logger.Debug().Err(err).Str("symbol", symbol).Msg("bad candle row")
			continue
		}
		closed := candleRowClosed(row)
		s.mergeCandle(symbol, timeframe, candle)
		s.dispatch(symbol, timeframe, candle, closed)
	}
}

func (s *Stream) dispatch(symbol, timeframe string, candle Candle, closed bool) {
	s.handlersMu.RLock()
	handlers := s.handlers
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(symbol, timeframe, candle, closed)
	}
}

func (s *Stream) mergeCandle(symbol, timeframe string, candle Candle) {
	k := symbol + ":" + timeframe
	s.cacheMu.Lock()
	cache, ok := s.caches[k]
	if !ok {
		cache = newStreamCache(s.config.CacheWindow)
		s.caches[k] = cache
	}
	s.cacheMu.Unlock()
	cache.merge(candle)
}

func (s *Stream) replaySubscriptions() error {
	s.subsMu.Lock()
	args := make([]subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		args = append(args, sub)
	}
	s.subsMu.Unlock()

	if len(args) == 0 {
		return nil
	}
	sort.Slice(args, func(i, j int) bool {
		if args[i].InstID != args[j].InstID {
			return args[i].InstID < args[j].InstID
		}
		return args[i].Channel < args[j].Channel
	})
	return s.send(wsRequest{Op: "subscribe", Args: args})
}

func (s *Stream) send(req wsRequest) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(req)
}

func (s *Stream) sleep(d time.Duration) bool {
	select {
	case <-s.stopChan:
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// fromBar converts the OKX bar notation back to the internal timeframe form
func fromBar(bar string) string {
	return strings.ToLower(bar)
}

// streamCache is a bounded ascending candle window for one (instId,
// timeframe). Duplicate timestamps overwrite in place.
type streamCache struct {
	mu      sync.Mutex
	candles []Candle
	window  int
}

func newStreamCache(window int) *streamCache {
	return &streamCache{window: window}
}

func (c *streamCache) merge(candle Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.candles)
	switch {
	case n == 0 || candle.Timestamp > c.candles[n-1].Timestamp:
		c.candles = append(c.candles, candle)
	case candle.Timestamp == c.candles[n-1].Timestamp:
		c.candles[n-1] = candle
	default:
		i := sort.Search(n, func(i int) bool {
			return c.candles[i].Timestamp >= candle.Timestamp
		})
		if i < n && c.candles[i].Timestamp == candle.Timestamp {
			c.candles[i] = candle
		} else {
			c.candles = append(c.candles, Candle{})
			copy(c.candles[i+1:], c.candles[i:])
			c.candles[i] = candle
		}
	}

	if len(c.candles) > c.window {
		c.candles = c.candles[len(c.candles)-c.window:]
	}
}

func (c *streamCache) snapshot() []Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Candle, len(c.candles))
	copy(out, c.candles)
	return out
}
