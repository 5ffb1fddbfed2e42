// Package exchange implements the upstream market-data collaborator of
// §6/§4.10: REST kline history, the WS kline stream, and funding-rate
// polling. It owns reconnect/backoff for the stream; callers get a plain
// channel of parsed bars.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"perpsim/internal/market"
	"perpsim/internal/portfolio"
)

// Config is the upstream endpoint configuration (§6 `binance` section).
type Config struct {
	BaseRESTURL   string
	BaseWSURL     string
	Symbol        string
	BaseDelayMs   int
	MaxDelayMs    int
	MaxRetries    int // 0 means infinite
}

// Client is ExchangeClient.
type Client struct {
	cfg    Config
	http   *http.Client
}

// New builds a Client with sane REST timeouts.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}}
}

// klineTuple mirrors the 12-field array Binance-style kline history
// endpoints return; only the fields §6 lists are consumed.
type klineTuple [12]json.Number

// FetchKlines implements the REST history call of §6, oldest-first.
func (c *Client) FetchKlines(ctx context.Context, interval market.Interval, limit int, endTime int64) ([]market.Bar, error) {
	u, err := url.Parse(c.cfg.BaseRESTURL + "/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("exchange.FetchKlines: bad base url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", c.cfg.Symbol)
	q.Set("interval", string(interval))
	q.Set("limit", strconv.Itoa(limit))
	if endTime > 0 {
		q.Set("endTime", strconv.FormatInt(endTime, 10))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("exchange.FetchKlines: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange.FetchKlines: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("exchange.FetchKlines: upstream 5xx: %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("exchange.FetchKlines: upstream error: %d", resp.StatusCode)
	}

	var raw []klineTuple
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("exchange.FetchKlines: decode: %w", err)
	}

	bars := make([]market.Bar, 0, len(raw))
	for _, t := range raw {
		bar, err := tupleToBar(t)
		if err != nil {
			log.Printf("exchange.FetchKlines: dropping malformed tuple: %v", err)
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func tupleToBar(t klineTuple) (market.Bar, error) {
	openTime, err := t[0].Int64()
	if err != nil {
		return market.Bar{}, fmt.Errorf("open_time: %w", err)
	}
	open, err := t[1].Float64()
	if err != nil {
		return market.Bar{}, fmt.Errorf("open: %w", err)
	}
	high, err := t[2].Float64()
	if err != nil {
		return market.Bar{}, fmt.Errorf("high: %w", err)
	}
	low, err := t[3].Float64()
	if err != nil {
		return market.Bar{}, fmt.Errorf("low: %w", err)
	}
	closePrice, err := t[4].Float64()
	if err != nil {
		return market.Bar{}, fmt.Errorf("close: %w", err)
	}
	volume, err := t[5].Float64()
	if err != nil {
		return market.Bar{}, fmt.Errorf("volume: %w", err)
	}
	closeTime, err := t[6].Int64()
	if err != nil {
		return market.Bar{}, fmt.Errorf("close_time: %w", err)
	}
	trades, err := t[8].Int64()
	if err != nil {
		return market.Bar{}, fmt.Errorf("trades: %w", err)
	}
	return market.Bar{
		OpenTime: openTime, CloseTime: closeTime, Open: open, High: high, Low: low,
		Close: closePrice, Volume: volume, Trades: trades, IsClosed: true, Source: "rest",
	}, nil
}

// FetchFundingRate implements the REST funding-rate poll of §6. Returns
// the latest observation (limit=1).
func (c *Client) FetchFundingRate(ctx context.Context) (portfolio.FundingRate, error) {
	u, err := url.Parse(c.cfg.BaseRESTURL + "/fapi/v1/fundingRate")
	if err != nil {
		return portfolio.FundingRate{}, fmt.Errorf("exchange.FetchFundingRate: bad base url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", c.cfg.Symbol)
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return portfolio.FundingRate{}, fmt.Errorf("exchange.FetchFundingRate: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return portfolio.FundingRate{}, fmt.Errorf("exchange.FetchFundingRate: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return portfolio.FundingRate{}, fmt.Errorf("exchange.FetchFundingRate: upstream error: %d", resp.StatusCode)
	}

	var raw []struct {
		FundingTime int64  `json:"fundingTime"`
		FundingRate string `json:"fundingRate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return portfolio.FundingRate{}, fmt.Errorf("exchange.FetchFundingRate: decode: %w", err)
	}
	if len(raw) == 0 {
		return portfolio.FundingRate{}, fmt.Errorf("exchange.FetchFundingRate: empty response")
	}
	rate, err := strconv.ParseFloat(raw[0].FundingRate, 64)
	if err != nil {
		return portfolio.FundingRate{}, fmt.Errorf("exchange.FetchFundingRate: parse rate: %w", err)
	}
	return portfolio.FundingRate{FundingTime: raw[0].FundingTime, Rate: rate}, nil
}

// StreamFrame is one parsed kline WS frame.
type StreamFrame struct {
	Interval market.Interval
	Bar      market.Bar
}

// wireFrame mirrors the `{stream, data:{k:{...}}}` envelope of §6.
type wireFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Kline struct {
			OpenTime  int64       `json:"t"`
			CloseTime int64       `json:"T"`
			Open      json.Number `json:"o"`
			High      json.Number `json:"h"`
			Low       json.Number `json:"l"`
			Close     json.Number `json:"c"`
			Volume    json.Number `json:"v"`
			Trades    int64       `json:"n"`
			IsClosed  bool        `json:"x"`
			Interval  string      `json:"i"`
		} `json:"k"`
	} `json:"data"`
}

func (w wireFrame) toFrame() (StreamFrame, error) {
	open, err := w.Data.Kline.Open.Float64()
	if err != nil {
		return StreamFrame{}, err
	}
	high, err := w.Data.Kline.High.Float64()
	if err != nil {
		return StreamFrame{}, err
	}
	low, err := w.Data.Kline.Low.Float64()
	if err != nil {
		return StreamFrame{}, err
	}
	closePrice, err := w.Data.Kline.Close.Float64()
	if err != nil {
		return StreamFrame{}, err
	}
	volume, err := w.Data.Kline.Volume.Float64()
	if err != nil {
		return StreamFrame{}, err
	}
	return StreamFrame{
		Interval: market.Interval(w.Data.Kline.Interval),
		Bar: market.Bar{
			OpenTime: w.Data.Kline.OpenTime, CloseTime: w.Data.Kline.CloseTime,
			Open: open, High: high, Low: low, Close: closePrice, Volume: volume,
			Trades: w.Data.Kline.Trades, IsClosed: w.Data.Kline.IsClosed, Source: "ws",
		},
	}, nil
}

// StreamKlines subscribes to the combined 15m/1h kline stream and emits
// parsed frames on the returned channel in arrival order. It reconnects
// with exponential backoff (base_delay_ms * 2^retries, capped at
// max_delay_ms; max_retries=0 means infinite) and closes the channel when
// ctx is cancelled or, with max_retries > 0, once that many reconnect
// attempts have been used up (§5).
func (c *Client) StreamKlines(ctx context.Context) <-chan StreamFrame {
	out := make(chan StreamFrame, 256)
	go c.streamLoop(ctx, out)
	return out
}

func (c *Client) streamLoop(ctx context.Context, out chan<- StreamFrame) {
	defer close(out)
	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.streamOnce(ctx, out); err != nil {
			log.Printf("exchange: stream disconnected: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
		if c.cfg.MaxRetries > 0 && retries >= c.cfg.MaxRetries {
			log.Printf("exchange: max retries (%d) reached, giving up", c.cfg.MaxRetries)
			return
		}
		delay := backoff(c.cfg.BaseDelayMs, c.cfg.MaxDelayMs, retries)
		retries++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func backoff(baseMs, maxMs, retries int) time.Duration {
	if baseMs <= 0 {
		baseMs = 500
	}
	if maxMs <= 0 {
		maxMs = 30000
	}
	delay := baseMs
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= maxMs {
			delay = maxMs
			break
		}
	}
	return time.Duration(delay) * time.Millisecond
}

func (c *Client) streamURL() string {
	streams := fmt.Sprintf("%s@kline_15m/%s@kline_1h", lower(c.cfg.Symbol), lower(c.cfg.Symbol))
	return fmt.Sprintf("%s/stream?streams=%s", c.cfg.BaseWSURL, streams)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (c *Client) streamOnce(ctx context.Context, out chan<- StreamFrame) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var frame wireFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			log.Printf("exchange: dropping malformed frame: %v", err)
			continue
		}
		parsed, err := frame.toFrame()
		if err != nil {
			log.Printf("exchange: dropping malformed kline in frame: %v", err)
			continue
		}
		select {
		case out <- parsed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
