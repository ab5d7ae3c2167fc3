// Package sharedhost implements the cross-tab coordinator of spec.md
// §4.2: it owns exactly one upstream StreamClient, tracks attached tabs
// over pkg/port.Port pairs, and enforces the identity, visibility, replay,
// and circuit-breaker policies described there. A single run-loop
// goroutine owns all mutable state; every other goroutine communicates
// with it only by sending on a channel.
package sharedhost

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relayhub/relayhub/pkg/config"
	"github.com/relayhub/relayhub/pkg/envelope"
	"github.com/relayhub/relayhub/pkg/logging"
	"github.com/relayhub/relayhub/pkg/metrics"
	"github.com/relayhub/relayhub/pkg/port"
	"github.com/relayhub/relayhub/pkg/relaynotify"
	"github.com/relayhub/relayhub/pkg/streamclient"
)

// pingBurst and pingRefill bound how often a single tab's TAB_PING is
// honored with a WORKER_PONG reply; a tab retrying pings far faster than
// the liveness cadence calls for is throttled rather than allowed to
// monopolize the host's single run-loop goroutine.
const (
	pingBurst  = 5
	pingRefill = 2 * time.Second

	// sweepEvictBurst bounds how many stale tabs handleSweepTick removes
	// in one tick; a host with thousands of simultaneously-stale tabs
	// (e.g. after a network partition heals) spreads the eviction cost
	// across ticks instead of blocking the run loop in one call.
	sweepEvictBurst  = 50
	sweepEvictRefill = 100 * time.Millisecond
)

// TabRecord tracks one attached tab, mirroring spec.md §3's TabRecord.
// callbackIndex values are always a subset of subscribedTypes; the two
// are kept in sync by the register/unregister handlers in ops.go.
type TabRecord struct {
	TabID           string
	Port            *port.Port
	IsVisible       bool
	LastSeen        time.Time
	SubscribedTypes map[string]struct{}
	CallbackIndex   map[string]string // callbackID -> type
	pingLimiter     *rate.Limiter
}

func newTabRecord(id string, p *port.Port) *TabRecord {
	return &TabRecord{
		TabID:           id,
		Port:            p,
		LastSeen:        time.Now(),
		SubscribedTypes: make(map[string]struct{}),
		CallbackIndex:   make(map[string]string),
		pingLimiter:     rate.NewLimiter(rate.Every(pingRefill), pingBurst),
	}
}

func (t *TabRecord) subscribe(msgType, callbackID string) {
	t.SubscribedTypes[msgType] = struct{}{}
	t.CallbackIndex[callbackID] = msgType
}

// unsubscribeOne removes a single callback; unsubscribeAll removes every
// callback for a type. Both drop the type from SubscribedTypes once no
// callback references it.
func (t *TabRecord) unsubscribeOne(callbackID string) {
	msgType, ok := t.CallbackIndex[callbackID]
	if !ok {
		return
	}
	delete(t.CallbackIndex, callbackID)
	t.dropTypeIfUnused(msgType)
}

func (t *TabRecord) unsubscribeAll(msgType string) {
	for cbID, typ := range t.CallbackIndex {
		if typ == msgType {
			delete(t.CallbackIndex, cbID)
		}
	}
	delete(t.SubscribedTypes, msgType)
}

func (t *TabRecord) dropTypeIfUnused(msgType string) {
	for _, typ := range t.CallbackIndex {
		if typ == msgType {
			return
		}
	}
	delete(t.SubscribedTypes, msgType)
}

type reconnectState struct {
	attempts       int
	suspendedUntil time.Time
}

func (r reconnectState) suspended(now time.Time) bool {
	return !r.suspendedUntil.IsZero() && now.Before(r.suspendedUntil)
}

// Options configures a SharedHost's ambient dependencies and sweep/idle
// timings. Zero-value timing fields fall back to the spec.md §4.2
// constants.
type Options struct {
	Dialer             streamclient.Dialer
	Logger             logging.Sink
	Metrics            *metrics.Metrics
	Tracer             trace.Tracer
	Notifier           *relaynotify.Notifier
	StaleSweepInterval time.Duration
	StaleTabThreshold  time.Duration
	FastCloseWindow    time.Duration
	FastCloseThreshold int
	CircuitSuspension  time.Duration
	DefaultIdleTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.StaleSweepInterval <= 0 {
		o.StaleSweepInterval = config.DefaultStaleTabSweepInterval
	}
	if o.StaleTabThreshold <= 0 {
		o.StaleTabThreshold = config.DefaultStaleTabThreshold
	}
	if o.FastCloseWindow <= 0 {
		o.FastCloseWindow = config.DefaultFastCloseWindow
	}
	if o.FastCloseThreshold <= 0 {
		o.FastCloseThreshold = config.DefaultFastCloseThreshold
	}
	if o.CircuitSuspension <= 0 {
		o.CircuitSuspension = config.DefaultCircuitSuspension
	}
	if o.DefaultIdleTimeout <= 0 {
		o.DefaultIdleTimeout = config.DefaultSharedIdleTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

type eventKind int

const (
	eventTabMessage eventKind = iota
	eventPortClosed
	eventUpstreamOpen
	eventUpstreamClose
	eventUpstreamError
	eventUpstreamFrame
	eventSweepTick
	eventIdleTimeout
	eventReconnectDue
	eventTerminate
)

type hostEvent struct {
	kind      eventKind
	tabID     string
	tabMsg    port.TabMessage
	tabPort   *port.Port
	closeInfo streamclient.CloseInfo
	err       error
	frame     *envelope.Envelope
	idleGen   int
}

// SharedHost is the in-process cross-tab coordinator. All mutable state
// is owned by the run() goroutine started in New; every exported method
// only ever sends on a channel or reads a lock-protected snapshot.
type SharedHost struct {
	opts Options

	events chan hostEvent
	done   chan struct{}

	identity          envelope.Identity
	streamOpts        config.Config
	idleTimeout       time.Duration
	tabs              map[string]*TabRecord
	lastMessageByType map[string]envelope.Envelope
	lastMessageSeq    map[string]string
	upstream          *streamclient.StreamClient
	reconnect         reconnectState
	fastCleanCount    int
	idleTimer         *time.Timer
	idleGeneration    int
	sweepTicker       *time.Ticker
	sweepLimiter      *rate.Limiter
	isTerminated      bool

	snapshot snapshotState

	// eg supervises the run loop and sweep ticker goroutines so Shutdown
	// can block until both have exited cleanly.
	eg *errgroup.Group
}

// New constructs a SharedHost with no identity and no attached tabs. The
// host adopts an identity on the first TAB_INIT it receives.
func New(opts Options) *SharedHost {
	opts.applyDefaults()
	h := &SharedHost{
		opts:              opts,
		events:            make(chan hostEvent, 256),
		done:              make(chan struct{}),
		tabs:              make(map[string]*TabRecord),
		lastMessageByType: make(map[string]envelope.Envelope),
		lastMessageSeq:    make(map[string]string),
		idleTimeout:       opts.DefaultIdleTimeout,
		sweepLimiter:      rate.NewLimiter(rate.Every(sweepEvictRefill), sweepEvictBurst),
	}
	h.sweepTicker = time.NewTicker(opts.StaleSweepInterval)
	h.eg = &errgroup.Group{}
	h.eg.Go(func() error {
		h.sweepLoop()
		return nil
	})
	h.eg.Go(func() error {
		h.run()
		return nil
	})
	return h
}

// Attach creates a fresh in-process channel pair for a new tab and
// returns the tab-side Port; the host keeps the host-side end and reads
// from it on a dedicated goroutine that forwards frames into the run
// loop, preserving per-port send ordering.
func (h *SharedHost) Attach() *port.Port {
	hostSide, tabSide := port.NewPortPair()
	go h.readTab(hostSide)
	return tabSide
}

// Shutdown terminates the host as if a tab had sent TAB_FORCE_SHUTDOWN:
// it drops the upstream, closes every attached tab's port, and stops the
// run loop and sweep ticker, blocking until both have exited. Safe to
// call more than once; later calls return once the first has finished.
func (h *SharedHost) Shutdown() {
	h.send(hostEvent{kind: eventTerminate})
	_ = h.eg.Wait()
}

func (h *SharedHost) readTab(hostSide *port.Port) {
	var lastTabID string
	for {
		msg, ok := hostSide.RecvFromTab()
		if !ok {
			h.send(hostEvent{kind: eventPortClosed, tabID: lastTabID, tabPort: hostSide})
			return
		}
		if msg.TabID != "" {
			lastTabID = msg.TabID
		}
		h.send(hostEvent{kind: eventTabMessage, tabID: msg.TabID, tabMsg: msg, tabPort: hostSide})
	}
}

// send delivers ev to the run loop, dropping it silently once the host
// has shut down rather than blocking forever on a closed loop.
func (h *SharedHost) send(ev hostEvent) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *SharedHost) sweepLoop() {
	for {
		select {
		case <-h.sweepTicker.C:
			h.send(hostEvent{kind: eventSweepTick})
		case <-h.done:
			return
		}
	}
}

// run is the single owner of all SharedHost state. It never returns
// until Shutdown is processed.
func (h *SharedHost) run() {
	for ev := range h.events {
		switch ev.kind {
		case eventTabMessage:
			h.handleTabMessage(ev)
		case eventPortClosed:
			h.handlePortClosed(ev)
		case eventUpstreamOpen:
			h.handleUpstreamOpen()
		case eventUpstreamClose:
			h.handleUpstreamClose(ev.closeInfo)
		case eventUpstreamError:
			h.handleUpstreamError(ev.err)
		case eventUpstreamFrame:
			h.handleUpstreamFrame(ev.frame)
		case eventSweepTick:
			h.handleSweepTick()
		case eventIdleTimeout:
			h.handleIdleTimeout(ev.idleGen)
		case eventReconnectDue:
			h.handleReconnectDue()
		case eventTerminate:
			h.handleForceShutdown()
		}
		h.publishSnapshot()
		if h.terminated() {
			return
		}
	}
}
