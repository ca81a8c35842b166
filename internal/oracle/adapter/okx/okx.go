// Package okx implements the OKX venue adapter: one subscribe operation
// per symbol, a text "ping" the venue need not answer, and a 30s
// idle-close policy where close-code 4004 is normal rather than an
// error.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sawpanic/priceoracle/internal/oracle/adapter"
	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

const (
	streamURL  = "wss://ws.okx.com:8443/ws/v5/public"
	restURLFmt = "https://www.okx.com/api/v5/market/ticker?instId=%s"
)

// CloseCodeNoDataTimeout is OKX's normal idle-close code, treated as
// informational rather than an error condition.
const CloseCodeNoDataTimeout = 4004

// Mapper implements adapter.SymbolMapper for OKX: BTC/USDT -> BTC-USDT.
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

type subscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type tickerEnvelope struct {
	Arg  struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []tickerData `json:"data"`
}

type tickerData struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	AskPx   string `json:"askPx"`
	Vol24h  string `json:"vol24h"`
	TS      string `json:"ts"`
}

// Transport implements adapter.Transport for OKX's one-op-per-symbol
// tickers channel.
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
	// OKX enforces its own 30s idle timeout and does not require a pong
	// in response to our keepalive, so we ping more frequently than 30s.
	pingTicker := time.NewTicker(20 * time.Second)
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
			conn.SetReadDeadline(time.Now().Add(35 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, CloseCodeNoDataTimeout) {
					done <- nil // normal idle close, not an error condition
					return
				}
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
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()
			if conn != nil {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			}
		}
	}
}

func (t *Transport) handleFrame(data []byte) {
	if string(data) == "pong" {
		return
	}
	var env tickerEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Arg.Channel != "tickers" || len(env.Data) == 0 {
		return
	}
	d := env.Data[0]
	var tsMs int64
	if ms, err := strconv.ParseInt(d.TS, 10, 64); err == nil {
		tsMs = ms
	}
	obs, ok := t.base.NormalizePrice(adapter.RawTick{
		ExchangeSymbol: d.InstID,
		LastPrice:      d.Last,
		Bid:            d.BidPx,
		Ask:            d.AskPx,
		Volume:         d.Vol24h,
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
	args := make([]subscribeArg, len(symbols))
	for i, s := range symbols {
		args[i] = subscribeArg{Channel: "tickers", InstID: s}
	}
	return t.send(subscribeRequest{Op: "subscribe", Args: args})
}

func (t *Transport) SendUnsubscribe(symbols []string) error {
	args := make([]subscribeArg, len(symbols))
	for i, s := range symbols {
		args[i] = subscribeArg{Channel: "tickers", InstID: s}
	}
	return t.send(subscribeRequest{Op: "unsubscribe", Args: args})
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

// Adapter wires a Base to the OKX Transport and REST fallback.
type Adapter struct {
	*adapter.Base
	httpClient *http.Client
}

// New builds a ready-to-Connect OKX adapter using cfg for the base
// contract's retry/ping timings.
func New(cfg adapter.Config) *Adapter {
	base := adapter.New(
		"okx",
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
	Code string       `json:"code"`
	Msg  string       `json:"msg"`
	Data []tickerData `json:"data"`
}

func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (feed.PriceObservation, error) {
	ex := Mapper{}.ToExchange(symbol)
	var out restEnvelope
	if err := adapter.HTTPGetJSON(ctx, a.httpClient, fmt.Sprintf(restURLFmt, ex), &out); err != nil {
		return feed.PriceObservation{}, err
	}
	if out.Code != "" && out.Code != "0" {
		return feed.PriceObservation{}, fmt.Errorf("venue error: %s %s", out.Code, out.Msg)
	}
	if len(out.Data) == 0 {
		return feed.PriceObservation{}, fmt.Errorf("%w: empty ticker data", adapter.ErrParse)
	}
	d := out.Data[0]
	var tsMs int64
	if ms, err := strconv.ParseInt(d.TS, 10, 64); err == nil {
		tsMs = ms
	}
	obs, ok := a.Base.NormalizePrice(adapter.RawTick{
		ExchangeSymbol: ex,
		LastPrice:      d.Last,
		Bid:            d.BidPx,
		Ask:            d.AskPx,
		Volume:         d.Vol24h,
		TimestampMs:    tsMs,
	})
	if !ok {
		return feed.PriceObservation{}, fmt.Errorf("%w: malformed ticker", adapter.ErrParse)
	}
	return obs, nil
}

func classify(err error) adapter.Classification {
	if strings.Contains(err.Error(), strconv.Itoa(CloseCodeNoDataTimeout)) {
		return adapter.Classification{Type: "idle-timeout", Severity: adapter.SeverityDebug, Retryable: true}
	}
	return adapter.Classification{Type: "network", Severity: adapter.SeverityWarn, Retryable: true}
}
