// Package binance implements the Binance venue adapter: the public
// all-tickers array stream, filtered client-side against the
// subscription set, plus a REST ticker fallback.
package binance

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
	streamURL = "wss://stream.binance.com:9443/ws/!ticker@arr"
	restURL   = "https://api.binance.com/api/v3/ticker/24hr"
)

var quoteTokens = []string{"USDT", "USDC", "BTC", "ETH", "EUR", "USD"}

// Mapper implements adapter.SymbolMapper for Binance: BTC/USDT -> BTCUSDT.
type Mapper struct{}

func (Mapper) ToExchange(feedSymbol string) string {
	return strings.ToUpper(strings.ReplaceAll(feedSymbol, "/", ""))
}

func (Mapper) FromExchange(exchangeSymbol string) (string, bool) {
	s := strings.ToUpper(exchangeSymbol)
	for _, q := range quoteTokens {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "/" + q, true
		}
	}
	return "", false
}

// tickerFrame is one element of Binance's !ticker@arr payload.
type tickerFrame struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BidPrice  string `json:"b"`
	AskPrice  string `json:"a"`
	Volume    string `json:"v"`
	EventTime int64  `json:"E"`
}

// restTicker is the /api/v3/ticker/24hr response shape.
type restTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	Volume    string `json:"volume"`
}

// Transport implements adapter.Transport over Binance's server-pushed
// array stream. There is no per-symbol subscribe frame; filtering
// against the subscription set happens client-side in onFrame.
type Transport struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	watching map[string]struct{} // exchange-form symbols currently subscribed
	onTick   func(tickerFrame)
}

// NewTransport creates a Transport whose onTick callback is invoked once
// per ticker frame matching the current subscription set.
func NewTransport(onTick func(tickerFrame)) *Transport {
	return &Transport{watching: make(map[string]struct{}), onTick: onTick}
}

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

// pingRequest is Binance's application-level keepalive, distinct from
// the WebSocket protocol ping frame.
type pingRequest struct {
	Method string `json:"method"`
}

func (t *Transport) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(30 * time.Second)
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
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}

			var frames []tickerFrame
			if err := json.Unmarshal(data, &frames); err != nil {
				continue
			}
			for _, f := range frames {
				t.mu.Lock()
				_, watching := t.watching[strings.ToUpper(f.Symbol)]
				t.mu.Unlock()
				if !watching {
					continue
				}
				if t.onTick != nil {
					t.onTick(f)
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			return err
		case <-pingTicker.C:
			t.send(pingRequest{Method: "ping"})
		}
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

// SendSubscribe installs symbols in the client-side filter; Binance's
// public array stream requires no server-side subscribe message.
func (t *Transport) SendSubscribe(symbols []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range symbols {
		t.watching[strings.ToUpper(s)] = struct{}{}
	}
	return nil
}

func (t *Transport) SendUnsubscribe(symbols []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range symbols {
		delete(t.watching, strings.ToUpper(s))
	}
	return nil
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

// Adapter wires a Base to the Binance Transport and REST fallback.
type Adapter struct {
	*adapter.Base
	httpClient *http.Client
}

// New builds a ready-to-Connect Binance adapter using cfg for the base
// contract's retry/ping timings.
func New(cfg adapter.Config) *Adapter {
	base := adapter.New(
		"binance",
		feed.CategoryCrypto,
		adapter.Capabilities{SupportsWebSocket: true, SupportsREST: true, SupportsVolume: true, SupportedCategories: []feed.Category{feed.CategoryCrypto}},
		cfg,
		Mapper{},
		nil, // transport wired below once Base exists, since it needs NormalizePrice
		nil,
		classify,
	)

	a := &Adapter{Base: base, httpClient: adapter.DefaultHTTPClient()}

	transport := NewTransport(func(f tickerFrame) {
		obs, ok := base.NormalizePrice(adapter.RawTick{
			ExchangeSymbol: f.Symbol,
			LastPrice:      f.LastPrice,
			Bid:            f.BidPrice,
			Ask:            f.AskPrice,
			Volume:         f.Volume,
			TimestampMs:    f.EventTime,
		})
		if ok {
			base.Deliver(obs)
		}
	})
	base.SetTransport(transport)
	base.SetRESTFetcher(a)
	return a
}

// FetchTickerREST implements adapter.RESTFetcher for Binance.
func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (feed.PriceObservation, error) {
	ex := Mapper{}.ToExchange(symbol)
	var out restTicker
	if err := adapter.HTTPGetJSON(ctx, a.httpClient, restURL+"?symbol="+ex, &out); err != nil {
		return feed.PriceObservation{}, err
	}
	obs, ok := a.Base.NormalizePrice(adapter.RawTick{
		ExchangeSymbol: out.Symbol,
		LastPrice:      out.LastPrice,
		Bid:            out.BidPrice,
		Ask:            out.AskPrice,
		Volume:         out.Volume,
	})
	if !ok {
		return feed.PriceObservation{}, fmt.Errorf("%w: malformed ticker", adapter.ErrParse)
	}
	return obs, nil
}

func classify(err error) adapter.Classification {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "HTTP 418"), strings.Contains(msg, "HTTP 429"):
		return adapter.Classification{Type: "rate-limited", Severity: adapter.SeverityWarn, Retryable: true}
	case strings.Contains(msg, "timeout"):
		return adapter.Classification{Type: "timeout", Severity: adapter.SeverityWarn, Retryable: true}
	default:
		return adapter.Classification{Type: "network", Severity: adapter.SeverityWarn, Retryable: true}
	}
}
