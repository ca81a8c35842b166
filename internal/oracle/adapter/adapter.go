// Package adapter defines the exchange-adapter base contract: a common
// connection lifecycle, symbol mapping, frame validation/normalization,
// and callback surface shared by every venue adapter. Venues plug in a
// Transport and a SymbolMapper; the rest of the machinery is shared.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/oracle/feed"
	"github.com/sawpanic/priceoracle/internal/oraclelog"
)

// Errors surfaced by the base contract.
var (
	ErrNotConnected   = errors.New("adapter: not connected")
	ErrInvalidSymbols = errors.New("adapter: no valid symbols")
	ErrVenueProtocol  = errors.New("adapter: venue protocol error")
	ErrParse          = errors.New("adapter: parse error")
	ErrTimeout        = errors.New("adapter: timeout")
)

// State enumerates the connection lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateDegraded        State = "degraded" // REST-only
	StateClosed          State = "closed"
	StateFailedPermanent State = "failed-permanent"
)

// Capabilities describes what a venue adapter can do.
type Capabilities struct {
	SupportsWebSocket   bool
	SupportsREST        bool
	SupportsVolume      bool
	SupportsOrderBook   bool
	SupportedCategories []feed.Category
}

// ErrorSeverity classifies an error encountered during connect/stream
// processing, feeding the retry/backoff decision.
type ErrorSeverity string

const (
	SeverityDebug ErrorSeverity = "debug"
	SeverityWarn  ErrorSeverity = "warn"
	SeverityFatal ErrorSeverity = "fatal"
)

// Classification is the output of an adapter's error classifier.
type Classification struct {
	Type      string
	Severity  ErrorSeverity
	Retryable bool
}

// PriceUpdateFunc, ConnectionChangeFunc, and ErrorFunc are the three
// callback hooks the base contract registers.
type PriceUpdateFunc func(feed.PriceObservation)
type ConnectionChangeFunc func(connected bool)
type ErrorFunc func(err error, classification Classification)

// SymbolMapper converts between the canonical FeedId symbol form
// (BASE/QUOTE) and a venue's wire symbol, and back.
type SymbolMapper interface {
	ToExchange(feedSymbol string) string
	FromExchange(exchangeSymbol string) (string, bool)
}

// RESTFetcher is implemented by adapters exposing a request/response
// ticker fallback alongside (or instead of) streaming.
type RESTFetcher interface {
	FetchTickerREST(ctx context.Context, symbol string) (feed.PriceObservation, error)
}

// Transport is the venue-specific streaming implementation a Base
// delegates to: dialing, subscribing, and closing the wire connection.
// Venue packages implement this and wrap a *Base.
type Transport interface {
	// Dial opens the streaming connection. It must not block past ctx's
	// deadline and must not itself retry; Base owns the retry loop.
	Dial(ctx context.Context) error
	// Run pumps frames from the open connection until ctx is cancelled or
	// the connection fails, then returns. Implementations parse frames
	// and deliver observations themselves (typically via Base.Deliver),
	// since wire shapes differ too much per venue to generalize here.
	Run(ctx context.Context) error
	// SendSubscribe emits the venue's subscribe envelope for symbols
	// already mapped to exchange form.
	SendSubscribe(symbols []string) error
	// SendUnsubscribe mirrors SendSubscribe.
	SendUnsubscribe(symbols []string) error
	// Close tears down the wire connection.
	Close() error
}

// Config tunes the base contract's retry/ping/timeout behavior.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration // defaults to 1.5x PingInterval if zero; not read by Base or the venue transports
	WarnRateLimit  time.Duration
}

// DefaultConfig returns the base contract's stock timings: five dial
// attempts backed off from 1s toward a 5m ceiling, a 10s connect
// timeout, and a 30s ping cadence.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     5 * time.Minute,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		WarnRateLimit:  30 * time.Second,
	}
}

func (c Config) pongTimeout() time.Duration {
	if c.PongTimeout > 0 {
		return c.PongTimeout
	}
	return time.Duration(float64(c.PingInterval) * 1.5)
}

// Base implements the shared connection lifecycle, symbol mapping
// bookkeeping, frame validation/normalization, and callback dispatch
// that every venue adapter embeds. Venue packages provide a Transport
// and a SymbolMapper and otherwise reuse Base unchanged.
type Base struct {
	name         string
	category     feed.Category
	capabilities Capabilities
	cfg          Config
	mapper       SymbolMapper
	transport    Transport
	rest         RESTFetcher
	classifier   func(err error) Classification
	warnLimiter  *oraclelog.RateLimiter

	mu            sync.RWMutex
	state         State
	subscriptions map[string]struct{} // exchange-form symbols currently subscribed
	retries       int

	onPriceUpdate      PriceUpdateFunc
	onConnectionChange ConnectionChangeFunc
	onError            ErrorFunc

	runCtx context.Context
	cancel context.CancelFunc
}

// New creates a Base adapter. classifier may be nil, in which case every
// non-nil error is treated as retryable/warn severity.
func New(name string, category feed.Category, capabilities Capabilities, cfg Config, mapper SymbolMapper, transport Transport, rest RESTFetcher, classifier func(err error) Classification) *Base {
	if classifier == nil {
		classifier = func(err error) Classification {
			return Classification{Type: "unknown", Severity: SeverityWarn, Retryable: true}
		}
	}
	return &Base{
		name:          name,
		category:      category,
		capabilities:  capabilities,
		cfg:           cfg,
		mapper:        mapper,
		transport:     transport,
		rest:          rest,
		classifier:    classifier,
		warnLimiter:   oraclelog.NewRateLimiter(cfg.WarnRateLimit),
		state:         StateIdle,
		subscriptions: make(map[string]struct{}),
	}
}

// ExchangeName, Category, and Capabilities are the base contract's
// read-only properties.
func (b *Base) ExchangeName() string       { return b.name }
func (b *Base) Category() feed.Category    { return b.category }
func (b *Base) Capabilities() Capabilities { return b.capabilities }

// SetTransport installs the venue-specific Transport. Venue adapters call
// this once during construction, after Base exists, since the
// Transport's frame callback typically closes over Base.NormalizePrice.
func (b *Base) SetTransport(t Transport) { b.transport = t }

// SetRESTFetcher installs the venue-specific REST fallback.
func (b *Base) SetRESTFetcher(r RESTFetcher) { b.rest = r }

// FetchTickerREST delegates to the installed RESTFetcher, if any.
func (b *Base) FetchTickerREST(ctx context.Context, symbol string) (feed.PriceObservation, error) {
	if b.rest == nil {
		return feed.PriceObservation{}, fmt.Errorf("%w: no REST fallback configured", ErrNotConnected)
	}
	return b.rest.FetchTickerREST(ctx, symbol)
}

// Deliver invokes the registered onPriceUpdate callback, if any. Venue
// Transports call this once they have normalized a frame into a
// PriceObservation.
func (b *Base) Deliver(obs feed.PriceObservation) {
	if b.onPriceUpdate != nil {
		b.onPriceUpdate(obs)
	}
}

// OnPriceUpdate, OnConnectionChange, and OnError register the three
// callback hooks. Registration is not safe for concurrent use with
// Connect; call before first Connect.
func (b *Base) OnPriceUpdate(fn PriceUpdateFunc)           { b.onPriceUpdate = fn }
func (b *Base) OnConnectionChange(fn ConnectionChangeFunc) { b.onConnectionChange = fn }
func (b *Base) OnError(fn ErrorFunc)                       { b.onError = fn }

// State returns the adapter's current lifecycle state.
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	prevConnected := b.state == StateConnected
	b.state = s
	b.mu.Unlock()

	nowConnected := s == StateConnected
	if prevConnected != nowConnected && b.onConnectionChange != nil {
		b.onConnectionChange(nowConnected)
	}
}

// Connect attempts the streaming transport up to MaxRetries times with
// exponential backoff, falling back to Degraded (REST-only) rather than
// terminating on the final attempt. Connect never returns a transport
// error: failures surface only through onError/onConnectionChange.
func (b *Base) Connect(ctx context.Context) {
	b.setState(StateConnecting)

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.runCtx = runCtx
	b.cancel = cancel
	b.mu.Unlock()

	go b.connectLoop(runCtx)
}

// connectLoop retries the initial dial with exponential backoff. The
// attempt budget spans consecutive dial failures only: once a dial
// succeeds the loop hands off to runSession and exits, and any later
// stream drop is redialed by the supervising data manager through
// Redial on its own backoff schedule.
func (b *Base) connectLoop(ctx context.Context) {
	delay := b.cfg.InitialBackoff
	for attempt := 1; attempt <= b.cfg.MaxRetries; attempt++ {
		dialCtx, dialCancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
		err := b.transport.Dial(dialCtx)
		dialCancel()

		if err == nil {
			b.setState(StateConnected)
			b.resubscribeAll()
			b.runSession(ctx)
			return
		}

		class := b.classifier(err)
		b.warnf("connect", "connect attempt failed", map[string]interface{}{"attempt": attempt, "err": err.Error()})
		if b.onError != nil {
			b.onError(fmt.Errorf("%w: %v", ErrVenueProtocol, err), class)
		}
		if !class.Retryable {
			b.setState(StateFailedPermanent)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = time.Duration(math.Min(float64(delay)*2, float64(b.cfg.MaxBackoff)))
	}

	// Exhausted retries: degrade to REST-only rather than terminate.
	b.setState(StateDegraded)
}

// runSession pumps the open connection until it drops or ctx is
// cancelled. A drop surfaces the transport's real close error to the
// classifier and callbacks, then parks the adapter in Degraded; the
// connection-change edge this fires is what prompts the manager to
// start redialing.
func (b *Base) runSession(ctx context.Context) {
	sessCtx, cancel := context.WithCancel(ctx)
	go b.pingLoop(sessCtx)
	err := b.transport.Run(ctx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	b.handleDisconnect(err)
	b.setState(StateDegraded)
}

// Redial performs one synchronous reconnect attempt on behalf of a
// supervising backoff loop: a single dial, and on success the recorded
// subscriptions are replayed and the stream session relaunched in the
// background.
func (b *Base) Redial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	err := b.transport.Dial(dialCtx)
	cancel()
	if err != nil {
		class := b.classifier(err)
		b.warnf("reconnect", "redial failed", map[string]interface{}{"err": err.Error()})
		if b.onError != nil {
			b.onError(fmt.Errorf("%w: %v", ErrVenueProtocol, err), class)
		}
		return err
	}

	b.mu.RLock()
	sessionCtx := b.runCtx
	b.mu.RUnlock()
	if sessionCtx == nil {
		sessionCtx = ctx
	}

	b.setState(StateConnected)
	b.resubscribeAll()
	go b.runSession(sessionCtx)
	return nil
}

func (b *Base) handleDisconnect(err error) {
	if err == nil {
		err = errors.New("stream closed")
	}
	class := b.classifier(err)
	b.warnf("stream", "stream disconnected", map[string]interface{}{"err": err.Error()})
	if b.onError != nil {
		b.onError(err, class)
	}
}

func (b *Base) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Venue transports own the actual ping frame; Base sends
			// nothing here and does not consult PongTimeout. Liveness
			// is bounded only by each transport's fixed read deadline.
		}
	}
}

func (b *Base) resubscribeAll() {
	b.mu.RLock()
	symbols := make([]string, 0, len(b.subscriptions))
	for s := range b.subscriptions {
		symbols = append(symbols, s)
	}
	b.mu.RUnlock()
	if len(symbols) == 0 {
		return
	}
	_ = b.transport.SendSubscribe(symbols)
}

// Disconnect cancels the connection and any in-flight reconnect loop.
func (b *Base) Disconnect() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = b.transport.Close()
	b.setState(StateClosed)
}

// Subscribe maps and filters symbols, dedupes against the current
// subscription set, and asks the transport to subscribe. In Degraded
// state the intent is recorded without a wire message; resubscribeAll
// replays it if streaming comes back.
func (b *Base) Subscribe(symbols []string) error {
	state := b.State()
	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}

	var valid, mapped []string
	b.mu.Lock()
	for _, s := range symbols {
		ex := b.mapper.ToExchange(s)
		if _, ok := b.mapper.FromExchange(ex); !ok {
			continue
		}
		valid = append(valid, ex)
		if _, already := b.subscriptions[ex]; already {
			continue
		}
		mapped = append(mapped, ex)
	}
	b.mu.Unlock()

	if len(valid) == 0 {
		return ErrInvalidSymbols
	}
	if len(mapped) == 0 {
		// Every symbol is valid but already subscribed.
		return nil
	}

	if state == StateConnected {
		if err := b.transport.SendSubscribe(mapped); err != nil {
			return fmt.Errorf("%w: %v", ErrVenueProtocol, err)
		}
	}

	b.mu.Lock()
	for _, ex := range mapped {
		b.subscriptions[ex] = struct{}{}
	}
	b.mu.Unlock()
	return nil
}

// Unsubscribe is idempotent; unknown or already-absent symbols are a
// silent no-op.
func (b *Base) Unsubscribe(symbols []string) error {
	var mapped []string
	b.mu.Lock()
	for _, s := range symbols {
		ex := b.mapper.ToExchange(s)
		if _, ok := b.subscriptions[ex]; ok {
			mapped = append(mapped, ex)
			delete(b.subscriptions, ex)
		}
	}
	b.mu.Unlock()

	if len(mapped) == 0 || b.State() != StateConnected {
		return nil
	}
	return b.transport.SendUnsubscribe(mapped)
}

// GetSubscriptions returns the canonical (venue-form) symbols currently
// subscribed.
func (b *Base) GetSubscriptions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subscriptions))
	for s := range b.subscriptions {
		out = append(out, s)
	}
	return out
}

// ValidateSymbol reports whether symbol survives a mapToExchange round
// trip through this adapter's SymbolMapper, satisfying
// registry.SymbolValidator so FindBestAdapter can exclude adapters that
// can't actually serve a given feed.
func (b *Base) ValidateSymbol(symbol string) bool {
	ex := b.mapper.ToExchange(symbol)
	_, ok := b.mapper.FromExchange(ex)
	return ok
}

// HealthCheck reports whether the adapter is connected; Degraded counts
// as alive but not fully healthy.
func (b *Base) HealthCheck() (connected bool, degraded bool) {
	s := b.State()
	return s == StateConnected || s == StateDegraded, s == StateDegraded
}

// RawTick is the venue-neutral intermediate form a Transport's frame
// parser produces before NormalizePrice converts it into a
// PriceObservation.
type RawTick struct {
	ExchangeSymbol string
	LastPrice      string
	Bid            string
	Ask            string
	Volume         string
	TimestampMs    int64 // 0 means "absent"
}

// ValidateResponse returns true iff the frame carries a non-empty
// symbol and a numerically parsable price. Frames failing this are
// dropped silently by NormalizePrice.
func ValidateResponse(t RawTick) bool {
	if t.ExchangeSymbol == "" || t.LastPrice == "" {
		return false
	}
	if _, ok := parseFloat(t.LastPrice); !ok {
		return false
	}
	return true
}

// NormalizePrice converts a RawTick into a PriceObservation. Confidence
// starts at 1.0 and is penalized for latency and wide spreads, with a
// small bonus for reported volume; timestamps more than 10 minutes off
// the local clock are replaced with it.
func (b *Base) NormalizePrice(t RawTick) (feed.PriceObservation, bool) {
	if !ValidateResponse(t) {
		return feed.PriceObservation{}, false
	}

	price, ok := parseFloat(t.LastPrice)
	if !ok || price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
		return feed.PriceObservation{}, false
	}

	symbol, ok := b.mapper.FromExchange(t.ExchangeSymbol)
	if !ok {
		return feed.PriceObservation{}, false
	}

	now := time.Now().UTC()
	ts := now
	if t.TimestampMs > 0 {
		candidate := time.UnixMilli(t.TimestampMs).UTC()
		if math.Abs(now.Sub(candidate).Minutes()) <= 10 {
			ts = candidate
		}
	}

	confidence := 1.0
	latencyMs := float64(now.Sub(ts).Milliseconds())
	if latencyMs > 0 {
		confidence -= math.Min(latencyMs/1000, 0.5)
	}

	var hasVolume bool
	var volume float64
	if v, ok := parseFloat(t.Volume); ok && v > 0 {
		hasVolume = true
		volume = v
		confidence += math.Min(math.Log10(v)/10, 0.2)
	}

	if bid, okB := parseFloat(t.Bid); okB {
		if ask, okA := parseFloat(t.Ask); okA && price > 0 {
			spreadPct := (ask - bid) / price * 100
			if spreadPct > 0 {
				confidence -= math.Min(spreadPct/10, 0.5)
			}
		}
	}

	return feed.PriceObservation{
		Symbol:     symbol,
		Price:      price,
		Timestamp:  ts,
		Source:     b.name,
		Volume:     volume,
		HasVolume:  hasVolume,
		Confidence: feed.ClampUnit(confidence),
	}, true
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (b *Base) warnf(category, msg string, fields map[string]interface{}) {
	if !b.warnLimiter.Allow(b.name + ":" + category) {
		return
	}
	log.Warn().Str("adapter", b.name).Str("category", category).Interface("fields", fields).Msg(msg)
}
