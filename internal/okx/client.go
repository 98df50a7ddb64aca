package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	pathHistoryCandles = "/api/v5/market/history-candles"
	pathCandles        = "/api/v5/market/candles"
	pathTicker         = "/api/v5/market/ticker"
	pathBalance        = "/api/v5/account/balance"
	pathPositions      = "/api/v5/account/positions"
	pathOrder          = "/api/v5/trade/order"
)

// ClientConfig holds REST client configuration
type ClientConfig struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	BaseURL    string
	Demo       bool
	Timeout    time.Duration
	MaxRetries int
}

// Client is the OKX v5 REST client. Public market endpoints need no
// credentials; account and trade endpoints are signed per request.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates an OKX REST client
func NewClient(config ClientConfig, logger zerolog.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://www.okx.com"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

type apiEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// GetHistoryCandles fetches one page of historical candles older than the
// `after` cursor (exclusive: returned timestamps are strictly below it).
// Pass after=0 for the newest page. Rows come back newest-first and are
// returned that way; callers own ordering.
func (c *Client) GetHistoryCandles(ctx context.Context, symbol, timeframe string, after int64, limit int) ([]Candle, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("bar", ToBar(timeframe))
	q.Set("limit", strconv.Itoa(limit))
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}

	var rows [][]string
	if err := c.get(ctx, pathHistoryCandles, q, &rows); err != nil {
		return nil, err
	}
	return parseCandleRows(rows)
}

// GetCandles fetches the most recent candles, including the still-forming
// bar. The `before` cursor (exclusive lower bound) limits the fetch to
// timestamps above it, which keeps incremental refreshes to a small page.
func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, before int64, limit int) ([]Candle, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("bar", ToBar(timeframe))
	q.Set("limit", strconv.Itoa(limit))
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}

	var rows [][]string
	if err := c.get(ctx, pathCandles, q, &rows); err != nil {
		return nil, err
	}
	return parseCandleRows(rows)
}

// GetTicker fetches the latest price for an instrument
func (c *Client) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	q := url.Values{}
	q.Set("instId", symbol)

	var rows []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		BidPx  string `json:"bidPx"`
		AskPx  string `json:"askPx"`
		TS     string `json:"ts"`
	}
	if err := c.get(ctx, pathTicker, q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("ticker %s: empty response", symbol)
	}

	r := rows[0]
	last, _ := strconv.ParseFloat(r.Last, 64)
	bid, _ := strconv.ParseFloat(r.BidPx, 64)
	ask, _ := strconv.ParseFloat(r.AskPx, 64)
	ts, _ := strconv.ParseInt(r.TS, 10, 64)

	return &Ticker{
		Symbol:    r.InstID,
		LastPrice: last,
		BidPrice:  bid,
		AskPrice:  ask,
		Timestamp: ts,
	}, nil
}

// GetBalance fetches the USDT trading-account balance
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	q := url.Values{}
	q.Set("ccy", "USDT")

	var rows []struct {
		Details []struct {
			Ccy     string `json:"ccy"`
			Eq      string `json:"eq"`
			AvailEq string `json:"availEq"`
		} `json:"details"`
	}
	if err := c.getSigned(ctx, pathBalance, q, &rows); err != nil {
		return nil, err
	}

	for _, row := range rows {
		for _, d := range row.Details {
			if d.Ccy != "USDT" {
				continue
			}
			eq, _ := strconv.ParseFloat(d.Eq, 64)
			avail, _ := strconv.ParseFloat(d.AvailEq, 64)
			return &Balance{Equity: eq, Available: avail, Currency: d.Ccy}, nil
		}
	}
	return &Balance{Currency: "USDT"}, nil
}

// GetPositions fetches all open swap positions
func (c *Client) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")

	var rows []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Upl     string `json:"upl"`
		Lever   string `json:"lever"`
		Margin  string `json:"margin"`
		IMR     string `json:"imr"`
	}
	if err := c.getSigned(ctx, pathPositions, q, &rows); err != nil {
		return nil, err
	}

	positions := make([]ExchangePosition, 0, len(rows))
	for _, r := range rows {
		qty, _ := strconv.ParseFloat(r.Pos, 64)
		if qty == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.AvgPx, 64)
		mark, _ := strconv.ParseFloat(r.MarkPx, 64)
		upl, _ := strconv.ParseFloat(r.Upl, 64)
		lever, _ := strconv.Atoi(r.Lever)
		margin, _ := strconv.ParseFloat(r.Margin, 64)
		if margin == 0 {
			margin, _ = strconv.ParseFloat(r.IMR, 64)
		}

		side := r.PosSide
		if side == "" || side == "net" {
			side = PosSideLong
			if qty < 0 {
				side = PosSideShort
				qty = -qty
			}
		}

		positions = append(positions, ExchangePosition{
			Symbol:        r.InstID,
			Side:          side,
			Quantity:      qty,
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnL: upl,
			Leverage:      lever,
			Margin:        margin,
		})
	}
	return positions, nil
}

// PlaceOrder submits an order. A client order ID is generated when the
// request does not carry one, so retries after a transport error stay
// idempotent on the exchange side.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID()
	}

	body := map[string]string{
		"instId":  req.Symbol,
		"tdMode":  "cross",
		"side":    req.Side,
		"ordType": req.OrderType,
		"sz":      strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"clOrdId": req.ClientOrderID,
	}
	if req.PosSide != "" {
		body["posSide"] = req.PosSide
	}
	if req.OrderType == OrderTypeLimit {
		body["px"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = "true"
	}

	var rows []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := c.postSigned(ctx, pathOrder, body, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("place order %s: empty response", req.Symbol)
	}
	if rows[0].SCode != "" && rows[0].SCode != "0" {
		return nil, fmt.Errorf("place order %s rejected: %s %s", req.Symbol, rows[0].SCode, rows[0].SMsg)
	}

	return &OrderResponse{
		OrderID:       rows[0].OrdID,
		ClientOrderID: rows[0].ClOrdID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Status:        "live",
		CreatedAt:     time.Now().UnixMilli(),
	}, nil
}

// NewClientOrderID generates an OKX-compatible client order ID.
// OKX allows up to 32 alphanumeric characters; a compacted UUID fits.
func NewClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, q, nil, false, out)
}

func (c *Client) getSigned(ctx context.Context, path string, q url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, q, nil, true, out)
}

func (c *Client) postSigned(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, true, out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body interface{}, signed bool, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doOnce(ctx, method, path, q, body, signed, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		// Orders are not retried blindly, the exchange may have accepted
		// the first attempt. Idempotency comes from the client order ID,
		// so a retry with the same ID is safe for transport errors only.
		if method == http.MethodPost && !isTransportError(err) {
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, q url.Values, body interface{}, signed bool, out interface{}) error {
	requestPath := path
	if len(q) > 0 {
		requestPath += "?" + q.Encode()
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+requestPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", c.config.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, requestPath, bodyBytes))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.config.Passphrase)
		if c.config.Demo {
			req.Header.Set("x-simulated-trading", "1")
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transportError{err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: fmt.Errorf("%s %s: read body: %w", method, path, err)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(data, 200))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("%s %s: decode envelope: %w", method, path, err)
	}
	if envelope.Code != "0" {
		return fmt.Errorf("%s %s: api error %s: %s", method, path, envelope.Code, envelope.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// sign produces the OKX v5 request signature:
// base64(hmac-sha256(timestamp + method + requestPath + body, secret))
func (c *Client) sign(timestamp, method, requestPath string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.config.SecretKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(requestPath))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransportError(err error) bool {
	_, ok := err.(*transportError)
	return ok
}

func retryDelay(attempt int) time.Duration {
	base := time.Duration(attempt) * 500 * time.Millisecond
	jitter := time.Duration(rand.Intn(250)) * time.Millisecond
	return base + jitter
}

func parseCandleRows(rows [][]string) ([]Candle, error) {
	candles := make([]Candle, 0, len(rows))
	for i, row := range rows {
		c, err := parseCandleRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
