// Package streamclient implements the reusable low-level stream client
// described in spec.md §4.1: one authenticated text-stream session with
// heartbeat, bounded reconnection, network awareness, and per-type
// callback fan-out.
package streamclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relayhub/relayhub/pkg/envelope"
	"github.com/relayhub/relayhub/pkg/logging"
	"github.com/relayhub/relayhub/pkg/metrics"
	"github.com/relayhub/relayhub/pkg/relerr"
)

// State is one of the four states in spec.md §4.1's state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Callback receives a dispatched message: the decoded data field and the
// full envelope.
type Callback func(data any, env *envelope.Envelope)

// CloseInfo describes a completed close, used by SharedHost to run the
// fast-close circuit breaker described in spec.md §4.2.
type CloseInfo struct {
	Code         int
	Reason       string
	OpenDuration time.Duration
	Manual       bool
}

// Options configures a StreamClient. Zero-value fields fall back to the
// spec.md §4.4 defaults.
type Options struct {
	HeartbeatInterval     time.Duration
	HeartbeatMessage      func() envelope.Envelope
	ReconnectDelay        time.Duration
	ReconnectDelayMax     time.Duration
	MaxReconnectAttempts  int
	AutoReconnect         bool
	EnableNetworkListener bool
	Dialer                Dialer
	NetworkWatcher        NetworkWatcher
	Logger                logging.Sink
	Metrics               *metrics.Metrics
	Tracer                trace.Tracer

	OnOpen        func()
	OnClose       func(CloseInfo)
	OnError       func(error)
	OnStateChange func(State)
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.HeartbeatMessage == nil {
		o.HeartbeatMessage = func() envelope.Envelope {
			return envelope.Envelope{Type: "PING", Timestamp: time.Now().UnixMilli()}
		}
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.ReconnectDelayMax <= 0 {
		o.ReconnectDelayMax = 10 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

type subEntry struct {
	id string
	cb Callback
}

// StreamClient is one authenticated full-duplex text-stream session.
type StreamClient struct {
	opts Options

	mu          sync.Mutex
	state       State
	url         string
	conn        Conn
	manualClose bool
	attempts    int
	openAt      time.Time

	subs    map[string][]subEntry
	onAny   []Callback
	stopNet func()

	heartbeatCancel context.CancelFunc
	reconnectTimer  *time.Timer
	readCancel      context.CancelFunc
	wg              sync.WaitGroup
}

// New constructs a StreamClient. Connect must be called to open the
// stream.
func New(opts Options) *StreamClient {
	opts.applyDefaults()
	sc := &StreamClient{
		opts: opts,
		subs: make(map[string][]subEntry),
	}
	if opts.EnableNetworkListener && opts.NetworkWatcher != nil {
		sc.stopNet = opts.NetworkWatcher.Watch(sc.handleNetworkOnline, sc.handleNetworkOffline)
	}
	return sc
}

// IsOpen reports whether the stream is currently OPEN.
func (sc *StreamClient) IsOpen() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state == StateOpen
}

// ReadyState returns the current state machine value.
func (sc *StreamClient) ReadyState() State {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Connect opens the stream. Idempotent if already OPEN or CONNECTING.
func (sc *StreamClient) Connect(ctx context.Context, url string) error {
	sc.mu.Lock()
	if sc.state == StateOpen || sc.state == StateConnecting {
		sc.mu.Unlock()
		return nil
	}
	sc.url = url
	sc.manualClose = false
	sc.setState(StateConnecting)
	sc.mu.Unlock()

	sc.wg.Add(1)
	go sc.dial(ctx, url, sc.attempts)
	return nil
}

// Disconnect marks the stream manually closed, closes the transport,
// cancels heartbeat and any pending reconnect, and resets attempts. It
// does not clear subscriptions, per spec.md §4.1.
func (sc *StreamClient) Disconnect() {
	sc.mu.Lock()
	sc.manualClose = true
	sc.attempts = 0
	if sc.reconnectTimer != nil {
		sc.reconnectTimer.Stop()
		sc.reconnectTimer = nil
	}
	conn := sc.conn
	if sc.state == StateOpen || sc.state == StateConnecting {
		sc.setState(StateClosing)
	}
	sc.mu.Unlock()

	sc.stopHeartbeat()
	if conn != nil {
		_ = conn.Close(CloseCodeNormal, "client disconnect")
	}
}

// Close releases resources permanently, including the network watcher
// subscription. Call this when the StreamClient itself is being torn
// down (as opposed to a reconnectable Disconnect).
func (sc *StreamClient) Close() {
	sc.Disconnect()
	if sc.stopNet != nil {
		sc.stopNet()
	}
}

// Send serializes payload (a string or a JSON-marshalable value) and
// writes it if the stream is OPEN. Otherwise it fails with
// SendUnavailable, logged at warn, per spec.md §4.1/§7.
func (sc *StreamClient) Send(payload any) error {
	sc.mu.Lock()
	conn := sc.conn
	open := sc.state == StateOpen
	sc.mu.Unlock()

	if !open || conn == nil {
		err := relerr.New(relerr.CodeSendUnavailable, "send while not OPEN")
		sc.opts.Logger.Warn("send unavailable", "state", sc.ReadyState().String())
		return err
	}

	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := envelope.Encode(v)
		if err != nil {
			return relerr.Wrap(relerr.CodeSendUnavailable, "encode payload", err)
		}
		data = encoded
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		sc.opts.Logger.Error("send failed", "error", err.Error())
		return relerr.Wrap(relerr.CodeTransport, "write", err)
	}
	return nil
}

// On registers a subscription for msgType, returning an opaque callback
// id for later Off. Invalid entries fail with InvalidSubscription per
// spec.md §4.1/§7.
func (sc *StreamClient) On(msgType string, cb Callback) (string, error) {
	if msgType == "" || cb == nil {
		sc.opts.Logger.Warn("invalid subscription", "type", msgType)
		return "", relerr.New(relerr.CodeInvalidSubscription, "missing type or callback")
	}
	id := sc.nextID()
	sc.mu.Lock()
	sc.subs[msgType] = append(sc.subs[msgType], subEntry{id: id, cb: cb})
	sc.mu.Unlock()
	return id, nil
}

// Off removes the subscription with the given id for msgType, or every
// subscription for msgType if id is empty, per spec.md §4.1.
func (sc *StreamClient) Off(msgType string, id string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if id == "" {
		delete(sc.subs, msgType)
		return
	}
	entries := sc.subs[msgType]
	for i, e := range entries {
		if e.id == id {
			sc.subs[msgType] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(sc.subs[msgType]) == 0 {
		delete(sc.subs, msgType)
	}
}

// OnAny registers a callback invoked for every successfully decoded
// inbound envelope, regardless of type, in addition to any type-specific
// subscribers. SharedHost uses this to cache and re-broadcast every
// server frame per spec.md §4.2, which has no per-type filter of its
// own at the host's upstream boundary.
func (sc *StreamClient) OnAny(cb Callback) {
	sc.mu.Lock()
	sc.onAny = append(sc.onAny, cb)
	sc.mu.Unlock()
}

// ClearSubscriptions removes every subscription.
func (sc *StreamClient) ClearSubscriptions() {
	sc.mu.Lock()
	sc.subs = make(map[string][]subEntry)
	sc.mu.Unlock()
}

func (sc *StreamClient) nextID() string {
	return ulid.Make().String()
}

func (sc *StreamClient) setState(s State) {
	sc.state = s
	if sc.opts.OnStateChange != nil {
		go sc.opts.OnStateChange(s)
	}
}

// dial performs one connection attempt (initial or reconnect number n).
func (sc *StreamClient) dial(ctx context.Context, url string, attemptNumber int) {
	defer sc.wg.Done()

	var span trace.Span
	if sc.opts.Tracer != nil {
		ctx, span = sc.opts.Tracer.Start(ctx, "streamclient.connect", trace.WithAttributes(
			attribute.Int("attempt", attemptNumber),
		))
		defer span.End()
	}

	conn, err := sc.opts.Dialer.Dial(ctx, url)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dial failed")
		}
		sc.opts.Logger.Error("transport error", "error", err.Error())
		if sc.opts.OnError != nil {
			sc.opts.OnError(relerr.Wrap(relerr.CodeTransport, "dial", err))
		}
		sc.handleClosed(CloseInfo{Code: 0, Reason: err.Error(), Manual: false})
		return
	}

	sc.mu.Lock()
	sc.conn = conn
	sc.attempts = 0
	sc.openAt = time.Now()
	sc.setState(StateOpen)
	readCtx, cancel := context.WithCancel(context.Background())
	sc.readCancel = cancel
	sc.mu.Unlock()

	if sc.opts.Metrics != nil && attemptNumber > 0 {
		sc.opts.Metrics.IncReconnectAttempts()
	}
	if sc.opts.OnOpen != nil {
		sc.opts.OnOpen()
	}

	sc.startHeartbeat()
	sc.readLoop(readCtx, conn)
}

func (sc *StreamClient) readLoop(ctx context.Context, conn Conn) {
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			code, reason, manual := sc.classifyClose(err)
			sc.stopHeartbeat()
			openDuration := time.Since(sc.openAtSnapshot())
			sc.handleClosed(CloseInfo{Code: code, Reason: reason, OpenDuration: openDuration, Manual: manual})
			return
		}
		sc.dispatch(raw)
	}
}

func (sc *StreamClient) openAtSnapshot() time.Time {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.openAt
}

// classifyClose inspects the transport error. Conn implementations that
// can recover a close status code (wsConn wraps nhooyr.io/websocket's
// websocket.CloseStatus(err); fakes in tests implement the same
// interface directly) surface it via CloseCode() int; anything else
// falls back to an abnormal, non-manual close so the reconnect policy
// still applies.
func (sc *StreamClient) classifyClose(err error) (code int, reason string, manual bool) {
	sc.mu.Lock()
	manual = sc.manualClose
	sc.mu.Unlock()
	if manual {
		return CloseCodeNormal, "manual disconnect", true
	}
	if ce, ok := err.(interface{ CloseCode() int }); ok {
		return ce.CloseCode(), err.Error(), false
	}
	return 0, err.Error(), false
}

func (sc *StreamClient) dispatch(raw []byte) {
	env, ok := envelope.Decode(raw)
	if !ok {
		sc.opts.Logger.Warn("dropping malformed frame")
		return
	}
	sc.mu.Lock()
	entries := append([]subEntry(nil), sc.subs[env.Type]...)
	anyCbs := append([]Callback(nil), sc.onAny...)
	sc.mu.Unlock()

	for _, cb := range anyCbs {
		sc.invokeSafely(cb, env)
	}
	for _, e := range entries {
		sc.invokeSafely(e.cb, env)
	}
}

func (sc *StreamClient) invokeSafely(cb Callback, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			sc.opts.Logger.Error("callback panicked", "recovered", fmt.Sprint(r))
		}
	}()
	cb(env.Data, env)
}

func (sc *StreamClient) handleClosed(info CloseInfo) {
	sc.mu.Lock()
	sc.conn = nil
	if sc.readCancel != nil {
		sc.readCancel()
		sc.readCancel = nil
	}
	wasManual := sc.manualClose
	sc.setState(StateDisconnected)
	sc.mu.Unlock()

	if sc.opts.OnClose != nil {
		sc.opts.OnClose(info)
	}

	if wasManual || !sc.opts.AutoReconnect {
		return
	}
	sc.scheduleReconnect()
}

func (sc *StreamClient) scheduleReconnect() {
	sc.mu.Lock()
	sc.attempts++
	n := sc.attempts
	sc.mu.Unlock()

	if n > sc.opts.MaxReconnectAttempts {
		sc.opts.Logger.Warn("reconnect attempts exhausted", "attempts", n)
		if sc.opts.OnError != nil {
			sc.opts.OnError(relerr.New(relerr.CodeReconnectExhausted, "max reconnect attempts reached"))
		}
		return
	}

	delay := time.Duration(n) * sc.opts.ReconnectDelay
	if delay > sc.opts.ReconnectDelayMax {
		delay = sc.opts.ReconnectDelayMax
	}

	sc.mu.Lock()
	sc.setState(StateConnecting)
	url := sc.url
	sc.reconnectTimer = time.AfterFunc(delay, func() {
		sc.wg.Add(1)
		go sc.dial(context.Background(), url, n)
	})
	sc.mu.Unlock()
}

func (sc *StreamClient) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())
	sc.mu.Lock()
	sc.heartbeatCancel = cancel
	sc.mu.Unlock()

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		ticker := time.NewTicker(sc.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if sc.ReadyState() != StateOpen {
					continue
				}
				_ = sc.Send(sc.opts.HeartbeatMessage())
			}
		}
	}()
}

func (sc *StreamClient) stopHeartbeat() {
	sc.mu.Lock()
	cancel := sc.heartbeatCancel
	sc.heartbeatCancel = nil
	sc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (sc *StreamClient) handleNetworkOnline() {
	sc.mu.Lock()
	sc.attempts = 0
	if sc.reconnectTimer != nil {
		if sc.reconnectTimer.Stop() && sc.state == StateConnecting {
			sc.setState(StateDisconnected)
		}
		sc.reconnectTimer = nil
	}
	open := sc.state == StateOpen
	url := sc.url
	manual := sc.manualClose
	sc.mu.Unlock()

	if !open && !manual && url != "" {
		_ = sc.Connect(context.Background(), url)
	}
}

func (sc *StreamClient) handleNetworkOffline() {
	sc.mu.Lock()
	if sc.reconnectTimer != nil {
		if sc.reconnectTimer.Stop() && sc.state == StateConnecting {
			sc.setState(StateDisconnected)
		}
		sc.reconnectTimer = nil
	}
	sc.mu.Unlock()
}
