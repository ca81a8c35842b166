// Package kraken implements the Kraken venue adapter: the ticker
// channel's 4-tuple array frames, the BTC<->XBT symbol alias, and a
// longer ping/pong budget than the other venues.
package kraken

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
	streamURL  = "wss://ws.kraken.com"
	restURLFmt = "https://api.kraken.com/0/public/Ticker?pair=%s"
)

// Mapper implements adapter.SymbolMapper for Kraken: BTC/USD -> XBTUSD.
type Mapper struct{}

func (Mapper) ToExchange(feedSymbol string) string {
	parts := strings.SplitN(strings.ToUpper(feedSymbol), "/", 2)
	if len(parts) != 2 {
		return strings.ToUpper(strings.ReplaceAll(feedSymbol, "/", ""))
	}
	base, quote := aliasToKraken(parts[0]), aliasToKraken(parts[1])
	return base + quote
}

func (Mapper) FromExchange(exchangeSymbol string) (string, bool) {
	s := strings.ToUpper(exchangeSymbol)
	for _, quote := range []string{"USDT", "USDC", "USD", "EUR", "XBT", "ETH"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			base := s[:len(s)-len(quote)]
			return aliasFromKraken(base) + "/" + aliasFromKraken(quote), true
		}
	}
	return "", false
}

func aliasToKraken(token string) string {
	if token == "BTC" {
		return "XBT"
	}
	return token
}

func aliasFromKraken(token string) string {
	if token == "XBT" {
		return "BTC"
	}
	return token
}

type subscribeRequest struct {
	Event        string                 `json:"event"`
	Pair         []string               `json:"pair"`
	Subscription map[string]interface{} `json:"subscription"`
}

type pingRequest struct {
	Event string `json:"event"`
}

// tickerInfo is the a/b/c ticker info Kraken nests inside the array
// frame: [channelID, {..., "c": [price, lotVolume], "v": [today, 24h], ...}, "ticker", pair].
type tickerInfo struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Close  []string `json:"c"`
	Volume []string `json:"v"`
}

// Transport implements adapter.Transport for Kraken's array-framed
// ticker channel.
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
	pingTicker := time.NewTicker(45 * time.Second)
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
			conn.SetReadDeadline(time.Now().Add(90 * time.Second))
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
			t.send(pingRequest{Event: "ping"})
		}
	}
}

func (t *Transport) handleFrame(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 4 {
		return // events (subscriptionStatus, heartbeat, pong) are objects, not arrays
	}

	var channelType string
	if err := json.Unmarshal(frame[2], &channelType); err != nil || channelType != "ticker" {
		return
	}

	var info tickerInfo
	if err := json.Unmarshal(frame[1], &info); err != nil {
		return
	}

	var pair string
	if err := json.Unmarshal(frame[3], &pair); err != nil {
		return
	}

	raw := adapter.RawTick{ExchangeSymbol: strings.ReplaceAll(pair, "/", "")}
	if len(info.Close) > 0 {
		raw.LastPrice = info.Close[0]
	}
	if len(info.Bid) > 0 {
		raw.Bid = info.Bid[0]
	}
	if len(info.Ask) > 0 {
		raw.Ask = info.Ask[0]
	}
	if len(info.Volume) > 1 {
		raw.Volume = info.Volume[1] // 24h volume
	}

	obs, ok := t.base.NormalizePrice(raw)
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

// krakenPairForm reinserts the `/` Kraken's subscribe message expects
// between base and quote (the mapper's ToExchange form has none).
func krakenPairForm(exchangeSymbol string) string {
	for _, quote := range []string{"USDT", "USDC", "USD", "EUR", "XBT", "ETH"} {
		if strings.HasSuffix(exchangeSymbol, quote) && len(exchangeSymbol) > len(quote) {
			return exchangeSymbol[:len(exchangeSymbol)-len(quote)] + "/" + quote
		}
	}
	return exchangeSymbol
}

func (t *Transport) SendSubscribe(symbols []string) error {
	pairs := make([]string, len(symbols))
	for i, s := range symbols {
		pairs[i] = krakenPairForm(s)
	}
	return t.send(subscribeRequest{Event: "subscribe", Pair: pairs, Subscription: map[string]interface{}{"name": "ticker"}})
}

func (t *Transport) SendUnsubscribe(symbols []string) error {
	pairs := make([]string, len(symbols))
	for i, s := range symbols {
		pairs[i] = krakenPairForm(s)
	}
	return t.send(struct {
		Event        string                 `json:"event"`
		Pair         []string               `json:"pair"`
		Subscription map[string]interface{} `json:"subscription"`
	}{Event: "unsubscribe", Pair: pairs, Subscription: map[string]interface{}{"name": "ticker"}})
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

// Adapter wires a Base to the Kraken Transport and REST fallback.
type Adapter struct {
	*adapter.Base
	httpClient *http.Client
}

// New builds a ready-to-Connect Kraken adapter using cfg for the base
// contract's retry/ping timings.
func New(cfg adapter.Config) *Adapter {
	base := adapter.New(
		"kraken",
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

type restResponse struct {
	Error  []string                         `json:"error"`
	Result map[string]krakenRestTickerEntry `json:"result"`
}

type krakenRestTickerEntry struct {
	Ask    []string `json:"a"`
	Bid    []string `json:"b"`
	Close  []string `json:"c"`
	Volume []string `json:"v"`
}

func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (feed.PriceObservation, error) {
	ex := Mapper{}.ToExchange(symbol)
	var out restResponse
	if err := adapter.HTTPGetJSON(ctx, a.httpClient, fmt.Sprintf(restURLFmt, ex), &out); err != nil {
		return feed.PriceObservation{}, err
	}
	if len(out.Error) > 0 {
		return feed.PriceObservation{}, fmt.Errorf("venue error: %s", strings.Join(out.Error, "; "))
	}
	var entry krakenRestTickerEntry
	for _, v := range out.Result {
		entry = v
		break
	}
	raw := adapter.RawTick{ExchangeSymbol: ex}
	if len(entry.Close) > 0 {
		raw.LastPrice = entry.Close[0]
	}
	if len(entry.Bid) > 0 {
		raw.Bid = entry.Bid[0]
	}
	if len(entry.Ask) > 0 {
		raw.Ask = entry.Ask[0]
	}
	if len(entry.Volume) > 1 {
		raw.Volume = entry.Volume[1]
	}
	obs, ok := a.Base.NormalizePrice(raw)
	if !ok {
		return feed.PriceObservation{}, fmt.Errorf("%w: malformed ticker", adapter.ErrParse)
	}
	return obs, nil
}

func classify(err error) adapter.Classification {
	msg := err.Error()
	if strings.Contains(msg, "HTTP 503") {
		return adapter.Classification{Type: "service-unavailable", Severity: adapter.SeverityWarn, Retryable: true}
	}
	return adapter.Classification{Type: "network", Severity: adapter.SeverityWarn, Retryable: true}
}
