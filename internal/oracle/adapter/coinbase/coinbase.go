// Package coinbase implements the Coinbase Exchange ticker adapter:
// per-symbol subscribe over the `ticker` channel, ISO-8601 timestamps,
// `-`-separated product IDs.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sawpanic/priceoracle/internal/oracle/adapter"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

const (
	streamURL  = "wss://ws-feed.exchange.coinbase.com"
	restURLFmt = "https://api.exchange.coinbase.com/products/%s/ticker"
)

// Mapper implements adapter.SymbolMapper for Coinbase: BTC/USD -> BTC-USD.
type Mapper struct{}

func (Mapper) ToExchange(feedSymbol string) string {
	return strings.ToUpper(strings.ReplaceAll(feedSymbol, "/", "-"))
}

func (Mapper) FromExchange(exchangeSymbol string) (string, bool) {
	parts := strings.SplitN(strings.ToUpper(exchangeSymbol), "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0] + "/" + parts[1], true
}

type tickerMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
}

type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type pingRequest struct {
	Type string `json:"type"`
}

// Transport implements adapter.Transport over Coinbase's ticker channel.
type Transport struct {
	mu   sync.Mutex
	conn *websocket.Conn
	base *adapter.Base
}

func NewTransport(base *adapter.Base) *Transport { return &Transport{base: base} }

func (t *Transport) Dial(ctx context.Context) error {
	u, err := url.Parse(streamURL)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *Transport) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	done := make(chan error, 1)
	go func() {
		for {
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()
			if conn == nil {
				done <- fmt.Errorf("not dialed")
				return
			}
			conn.SetReadDeadline(time.Now().Add(45 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			t.handleFrame(data)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			return err
		case <-pingTicker.C:
			t.send(pingRequest{Type: "ping"})
		}
	}
}

func (t *Transport) handleFrame(data []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "ticker" {
		return
	}
	tsMs := int64(0)
	if parsed, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
		tsMs = parsed.UnixMilli()
	}
	obs, ok := t.base.NormalizePrice(adapter.RawTick{
		ExchangeSymbol: msg.ProductID,
		LastPrice:      msg.Price,
		Bid:            msg.BestBid,
		Ask:            msg.BestAsk,
		Volume:         msg.Volume24h,
		TimestampMs:    tsMs,
	})
	if ok {
		t.base.Deliver(obs)
	}
}

func (t *Transport) send(v interface{}) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not dialed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) SendSubscribe(symbols []string) error {
	return t.send(subscribeRequest{Type: "subscribe", ProductIDs: symbols, Channels: []string{"ticker"}})
}

func (t *Transport) SendUnsubscribe(symbols []string) error {
	return t.send(struct {
		Type       string   `json:"type"`
		ProductIDs []string `json:"product_ids"`
		Channels   []string `json:"channels"`
	}{Type: "unsubscribe", ProductIDs: symbols, Channels: []string{"ticker"}})
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// Adapter wires a Base to the Coinbase Transport and REST fallback.
type Adapter struct {
	*adapter.Base
	httpClient *http.Client
}

// New builds a ready-to-Connect Coinbase adapter using cfg for the base
// contract's retry/ping timings.
func New(cfg adapter.Config) *Adapter {
	base := adapter.New(
		"coinbase",
		feed.CategoryCrypto,
		adapter.Capabilities{SupportsWebSocket: true, SupportsREST: true, SupportsVolume: true, SupportedCategories: []feed.Category{feed.CategoryCrypto}},
		cfg,
		Mapper{},
		nil,
		nil,
		classify,
	)
	a := &Adapter{Base: base, httpClient: adapter.DefaultHTTPClient()}
	base.SetTransport(NewTransport(base))
	base.SetRESTFetcher(a)
	return a
}

type restTicker struct {
	Price  string `json:"price"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Volume string `json:"volume"`
	Time   string `json:"time"`
}

func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (feed.PriceObservation, error) {
	ex := Mapper{}.ToExchange(symbol)
	var out restTicker
	if err := adapter.HTTPGetJSON(ctx, a.httpClient, fmt.Sprintf(restURLFmt, ex), &out); err != nil {
		return feed.PriceObservation{}, err
	}
	tsMs := int64(0)
	if parsed, err := time.Parse(time.RFC3339Nano, out.Time); err == nil {
		tsMs = parsed.UnixMilli()
	}
	obs, ok := a.Base.NormalizePrice(adapter.RawTick{
		ExchangeSymbol: ex,
		LastPrice:      out.Price,
		Bid:            out.Bid,
		Ask:            out.Ask,
		Volume:         out.Volume,
		TimestampMs:    tsMs,
	})
	if !ok {
		return feed.PriceObservation{}, fmt.Errorf("%w: malformed ticker", adapter.ErrParse)
	}
	return obs, nil
}

func classify(err error) adapter.Classification {
	msg := err.Error()
	if strings.Contains(msg, "HTTP 429") {
		return adapter.Classification{Type: "rate-limited", Severity: adapter.SeverityWarn, Retryable: true}
	}
	return adapter.Classification{Type: "network", Severity: adapter.SeverityWarn, Retryable: true}
}
