// Package sharedclient implements the per-tab proxy of spec.md §4.3: it
// attaches to a *sharedhost.SharedHost over a pkg/port.Port, mirrors
// local subscription state to the host, and exposes the same
// start/stop/send/callback surface as pkg/streamclient so a Facade can
// treat either one uniformly.
//
// A browser tab observes visibility, teardown, and network events
// through the DOM; a Go process has no equivalent OS hooks, so those
// three ambient listeners are exposed as explicit methods
// (SetVisible, NotifyNetworkOnline, and context cancellation passed to
// Start) that the embedding application calls in their place. The
// liveness heartbeat has no browser-only analogue and runs as an
// ordinary ticker goroutine.
package sharedclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayhub/relayhub/pkg/config"
	"github.com/relayhub/relayhub/pkg/envelope"
	"github.com/relayhub/relayhub/pkg/logging"
	"github.com/relayhub/relayhub/pkg/port"
	"github.com/relayhub/relayhub/pkg/sharedhost"
)

// Callback receives a dispatched WORKER_MESSAGE: the decoded data field
// and the full envelope, matching streamclient.Callback's shape so the
// two can share a Facade.
type Callback func(data any, env *envelope.Envelope)

// Hooks are the four lifecycle callbacks of spec.md §4.3, set once by
// the owner before Start.
type Hooks struct {
	OnConnected    func()
	OnDisconnected func()
	OnError        func(err error)
	OnAuthConflict func(currentUserID, newUserID string)
}

// Options configures a SharedClient's TAB_INIT payload and ambient
// listener cadence.
type Options struct {
	Identity             envelope.Identity
	Config               config.Config
	IdleTimeout          time.Duration
	LivenessPingInterval time.Duration
	Logger               logging.Sink
	Hooks                Hooks
}

func (o *Options) applyDefaults() {
	if o.LivenessPingInterval <= 0 {
		o.LivenessPingInterval = config.DefaultLivenessPingInterval
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
}

type subEntry struct {
	id string
	cb Callback
}

// SharedClient is one tab's connection to a shared, cross-tab host.
// All mutable fields are guarded by mu; the reader, liveness, and
// teardown goroutines started by Start take mu before touching them.
type SharedClient struct {
	host *sharedhost.SharedHost
	opts Options

	mu         sync.Mutex
	tabID      string
	p          *port.Port
	subs       map[string][]subEntry
	started    bool
	visible    bool
	connected  bool
	cancelStop context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a SharedClient bound to host. Start must be called to
// attach a port and bring up the tab's presence in the shared context.
func New(host *sharedhost.SharedHost, opts Options) *SharedClient {
	opts.applyDefaults()
	return &SharedClient{
		host: host,
		opts: opts,
		subs: make(map[string][]subEntry),
	}
}

// IsConnected reports whether the most recent WORKER_CONNECTED/
// WORKER_DISCONNECTED observed from the host left this tab connected.
func (sc *SharedClient) IsConnected() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.connected
}

// Start attaches a fresh port to the host, sends TAB_INIT, and brings
// up the ambient listener goroutines. ctx governs the teardown
// listener: when ctx is done, Stop's best-effort TAB_DISCONNECT fires
// automatically, mirroring a page's beforeunload handler.
func (sc *SharedClient) Start(ctx context.Context, visible bool) {
	sc.mu.Lock()
	if sc.started {
		sc.mu.Unlock()
		return
	}
	sc.tabID = uuid.NewString()
	sc.p = sc.host.Attach()
	sc.visible = visible
	sc.started = true
	stopCtx, cancel := context.WithCancel(ctx)
	sc.cancelStop = cancel
	sc.mu.Unlock()

	sc.sendInit(visible)

	sc.wg.Add(3)
	go sc.readLoop()
	go sc.livenessLoop(stopCtx)
	go sc.teardownLoop(stopCtx)
}

// Stop sends TAB_DISCONNECT, closes the port, and stops every ambient
// listener. Safe to call once; a second call is a no-op.
func (sc *SharedClient) Stop() {
	sc.mu.Lock()
	if !sc.started {
		sc.mu.Unlock()
		return
	}
	sc.started = false
	p := sc.p
	tabID := sc.tabID
	cancel := sc.cancelStop
	sc.mu.Unlock()

	p.SendToHost(port.TabMessage{Kind: port.TabDisconnect, TabID: tabID})
	cancel()
	p.Close()
	sc.wg.Wait()
}

// ForceShutdown sends TAB_FORCE_SHUTDOWN to terminate the entire shared
// context for every tab, then stops locally per spec.md §4.3.
func (sc *SharedClient) ForceShutdown(reason string) {
	sc.mu.Lock()
	p, tabID, started := sc.p, sc.tabID, sc.started
	sc.mu.Unlock()
	if !started {
		return
	}
	p.SendToHost(port.TabMessage{
		Kind:    port.TabForceShutdown,
		TabID:   tabID,
		Payload: sharedhost.TabForceShutdownPayload{Reason: reason},
	})
	sc.Stop()
}

// Send forwards data to the host as TAB_SEND, which relays it to the
// upstream stream if OPEN.
func (sc *SharedClient) Send(data any) {
	sc.mu.Lock()
	p, tabID := sc.p, sc.tabID
	sc.mu.Unlock()
	if p == nil {
		return
	}
	p.SendToHost(port.TabMessage{
		Kind:    port.TabSend,
		TabID:   tabID,
		Payload: sharedhost.TabSendPayload{Data: data},
	})
}

// RegisterCallback subscribes cb to msgType, returning an opaque
// callback id for later UnregisterCallback.
func (sc *SharedClient) RegisterCallback(msgType string, cb Callback) string {
	id := uuid.NewString()
	sc.mu.Lock()
	sc.subs[msgType] = append(sc.subs[msgType], subEntry{id: id, cb: cb})
	p, tabID := sc.p, sc.tabID
	sc.mu.Unlock()

	if p != nil {
		p.SendToHost(port.TabMessage{
			Kind:  port.TabRegisterCallback,
			TabID: tabID,
			Payload: sharedhost.TabRegisterCallbackPayload{
				Type:       msgType,
				CallbackID: id,
			},
		})
	}
	return id
}

// UnregisterCallback removes the subscription with the given id for
// msgType, or every subscription for msgType if id is empty.
func (sc *SharedClient) UnregisterCallback(msgType, id string) {
	sc.mu.Lock()
	sc.removeLocal(msgType, id)
	p, tabID := sc.p, sc.tabID
	sc.mu.Unlock()

	if p != nil {
		p.SendToHost(port.TabMessage{
			Kind:  port.TabUnregisterCallback,
			TabID: tabID,
			Payload: sharedhost.TabUnregisterCallbackPayload{
				Type:       msgType,
				CallbackID: id,
			},
		})
	}
}

// removeLocal must be called with mu held.
func (sc *SharedClient) removeLocal(msgType, id string) {
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

// SetVisible reports a visibility transition, per spec.md §4.3's
// visibility ambient listener. If the tab was locally recorded as
// disconnected and is becoming visible, it first resends TAB_INIT and
// re-registers every known subscription, covering the case where the
// host reaped this tab during its stale sweep.
func (sc *SharedClient) SetVisible(visible bool) {
	sc.mu.Lock()
	wasDisconnected := !sc.connected
	sc.visible = visible
	p, tabID := sc.p, sc.tabID
	sc.mu.Unlock()
	if p == nil {
		return
	}

	if visible && wasDisconnected {
		sc.sendInit(visible)
		sc.reregisterAll()
	}

	p.SendToHost(port.TabMessage{
		Kind:    port.TabVisibility,
		TabID:   tabID,
		Payload: sharedhost.TabVisibilityPayload{IsVisible: visible},
	})
}

// NotifyNetworkOnline reports that connectivity has been restored, the
// stand-in for the browser's online event.
func (sc *SharedClient) NotifyNetworkOnline() {
	sc.mu.Lock()
	p, tabID := sc.p, sc.tabID
	sc.mu.Unlock()
	if p == nil {
		return
	}
	p.SendToHost(port.TabMessage{Kind: port.TabNetworkOnline, TabID: tabID})
}

func (sc *SharedClient) sendInit(visible bool) {
	sc.mu.Lock()
	p, tabID := sc.p, sc.tabID
	sc.mu.Unlock()
	p.SendToHost(port.TabMessage{
		Kind:  port.TabInit,
		TabID: tabID,
		Payload: sharedhost.TabInitPayload{
			Identity:    sc.opts.Identity,
			IsVisible:   visible,
			Config:      sc.opts.Config,
			IdleTimeout: sc.opts.IdleTimeout,
		},
	})
}

func (sc *SharedClient) reregisterAll() {
	sc.mu.Lock()
	p, tabID := sc.p, sc.tabID
	entries := make([]sharedhost.TabRegisterCallbackPayload, 0)
	for msgType, subs := range sc.subs {
		for _, e := range subs {
			entries = append(entries, sharedhost.TabRegisterCallbackPayload{Type: msgType, CallbackID: e.id})
		}
	}
	sc.mu.Unlock()

	for _, entry := range entries {
		p.SendToHost(port.TabMessage{Kind: port.TabRegisterCallback, TabID: tabID, Payload: entry})
	}
}
