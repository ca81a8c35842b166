// Package cryptocom implements the Crypto.com Exchange venue adapter:
// underscore-separated instrument names and the public/heartbeat reply
// obligation. Failing to ack a heartbeat gets the connection dropped by
// the venue.
package cryptocom

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
	streamURL  = "wss://stream.crypto.com/v2/market"
	restURLFmt = "https://api.crypto.com/v2/public/get-ticker?instrument_name=%s"
)

// Mapper implements adapter.SymbolMapper for Crypto.com: BTC/USDT -> BTC_USDT.
type Mapper struct{}

func (Mapper) ToExchange(feedSymbol string) string {
	return strings.ToUpper(strings.ReplaceAll(feedSymbol, "/", "_"))
}

func (Mapper) FromExchange(exchangeSymbol string) (string, bool) {
	parts := strings.SplitN(strings.ToUpper(exchangeSymbol), "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0] + "/" + parts[1], true
}

type subscribeRequest struct {
	ID     int64                  `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

type envelope struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Code   int             `json:"code"`
	Result json.RawMessage `json:"result"`
}

type tickerResult struct {
	Channel string       `json:"channel"`
	Data    []tickerData `json:"data"`
}

type tickerData struct {
	InstrumentName string `json:"i"`
	LastPrice      string `json:"a"`
	BestBid        string `json:"b"`
	BestAsk        string `json:"k"`
	Volume24h      string `json:"v"`
	Timestamp      int64  `json:"t"`
}

// Transport implements adapter.Transport for Crypto.com's ticker channel,
// including the mandatory heartbeat ack.
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
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("not dialed")
		}
		conn.SetReadDeadline(time.Now().Add(45 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.handleFrame(data)
	}
}

func (t *Transport) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	if env.Method == "public/heartbeat" {
		t.send(subscribeRequest{ID: env.ID, Method: "public/respond-heartbeat"})
		return
	}

	if env.Method != "subscribe" || len(env.Result) == 0 {
		return
	}
	var res tickerResult
	if err := json.Unmarshal(env.Result, &res); err != nil || len(res.Data) == 0 {
		return
	}
	for _, d := range res.Data {
		obs, ok := t.base.NormalizePrice(adapter.RawTick{
			ExchangeSymbol: d.InstrumentName,
			LastPrice:      d.LastPrice,
			Bid:            d.BestBid,
			Ask:            d.BestAsk,
			Volume:         d.Volume24h,
			TimestampMs:    d.Timestamp,
		})
		if ok {
			t.base.Deliver(obs)
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

func (t *Transport) SendSubscribe(symbols []string) error {
	channels := make([]string, len(symbols))
	for i, s := range symbols {
		channels[i] = "ticker." + s
	}
	return t.send(subscribeRequest{ID: time.Now().UnixNano(), Method: "subscribe", Params: map[string]interface{}{"channels": channels}})
}

func (t *Transport) SendUnsubscribe(symbols []string) error {
	channels := make([]string, len(symbols))
	for i, s := range symbols {
		channels[i] = "ticker." + s
	}
	return t.send(subscribeRequest{ID: time.Now().UnixNano(), Method: "unsubscribe", Params: map[string]interface{}{"channels": channels}})
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

// Adapter wires a Base to the Crypto.com Transport and REST fallback.
type Adapter struct {
	*adapter.Base
	httpClient *http.Client
}

// New builds a ready-to-Connect Crypto.com adapter using cfg for the
// base contract's retry/ping timings.
func New(cfg adapter.Config) *Adapter {
	base := adapter.New(
		"cryptocom",
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

type restEnvelope struct {
	Code   int             `json:"code"`
	Result json.RawMessage `json:"result"`
}

type restTickerResult struct {
	Data []struct {
		InstrumentName string `json:"i"`
		LastPrice      string `json:"a"`
		BestBid        string `json:"b"`
		BestAsk        string `json:"k"`
		Volume24h      string `json:"v"`
		Timestamp      int64  `json:"t"`
	} `json:"data"`
}

func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (feed.PriceObservation, error) {
	ex := Mapper{}.ToExchange(symbol)
	var out restEnvelope
	if err := adapter.HTTPGetJSON(ctx, a.httpClient, fmt.Sprintf(restURLFmt, ex), &out); err != nil {
		return feed.PriceObservation{}, err
	}
	if out.Code != 0 {
		return feed.PriceObservation{}, fmt.Errorf("venue error: code %d", out.Code)
	}
	var res restTickerResult
	if err := json.Unmarshal(out.Result, &res); err != nil || len(res.Data) == 0 {
		return feed.PriceObservation{}, fmt.Errorf("%w: malformed ticker", adapter.ErrParse)
	}
	d := res.Data[0]
	obs, ok := a.Base.NormalizePrice(adapter.RawTick{
		ExchangeSymbol: ex,
		LastPrice:      d.LastPrice,
		Bid:            d.BestBid,
		Ask:            d.BestAsk,
		Volume:         d.Volume24h,
		TimestampMs:    d.Timestamp,
	})
	if !ok {
		return feed.PriceObservation{}, fmt.Errorf("%w: malformed ticker", adapter.ErrParse)
	}
	return obs, nil
}

func classify(err error) adapter.Classification {
	return adapter.Classification{Type: "network", Severity: adapter.SeverityWarn, Retryable: true}
}
