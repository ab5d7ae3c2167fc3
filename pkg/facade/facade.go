// Package facade implements the mode-selecting entry point of spec.md
// §4.4: one configuration and current-identity owner that picks among
// shared, visibility, and direct connection strategies and exposes a
// uniform surface regardless of which one is active.
package facade

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/relayhub/relayhub/pkg/config"
	"github.com/relayhub/relayhub/pkg/envelope"
	"github.com/relayhub/relayhub/pkg/logging"
	"github.com/relayhub/relayhub/pkg/metrics"
	"github.com/relayhub/relayhub/pkg/relaynotify"
	"github.com/relayhub/relayhub/pkg/relerr"
	"github.com/relayhub/relayhub/pkg/sharedclient"
	"github.com/relayhub/relayhub/pkg/sharedhost"
	"github.com/relayhub/relayhub/pkg/streamclient"
)

// Callback is a type alias (not a defined type) so a single func literal
// converts implicitly to streamclient.Callback or sharedclient.Callback
// at the call sites that need one, without an explicit conversion.
type Callback = func(data any, env *envelope.Envelope)

type stagedCallback struct {
	id     string
	typ    string
	cb     Callback
	active bool
}

// Options configures the ambient dependencies and platform capability
// flags a Facade uses to select and construct a mode. SupportsShared and
// SupportsVisible stand in for the browser feature checks in spec.md
// §4.4 ("cross-tab shared execution contexts are supported", "visibility
// notifications are supported"); both default true.
type Options struct {
	Dialer          streamclient.Dialer
	HostFactory     func(config.Config) *sharedhost.SharedHost
	Logger          logging.Sink
	Metrics         *metrics.Metrics
	Tracer          trace.Tracer
	Notifier        *relaynotify.Notifier
	SupportsShared  *bool
	SupportsVisible *bool
}

func (o *Options) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = streamclient.WebsocketDialer{}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.SupportsShared == nil {
		o.SupportsShared = boolPtr(true)
	}
	if o.SupportsVisible == nil {
		o.SupportsVisible = boolPtr(true)
	}
}

func boolPtr(v bool) *bool { return &v }

// Facade is a single connection's mode-selecting front door. Construct
// one per logical session; Default returns a package-level singleton
// for callers that want exactly one process-wide instance, per spec.md
// §9's note that an instance handle is preferred but the singleton form
// must remain available.
type Facade struct {
	opts Options

	mu              sync.Mutex
	cfg             config.Config
	identity        envelope.Identity
	started         bool
	mode            config.ConnectionMode
	degradedThisTry bool
	visible         bool
	host            *sharedhost.SharedHost
	sharedClient    *sharedclient.SharedClient
	streamClient    *streamclient.StreamClient
	netWatcher      *streamclient.ManualWatcher
	idleTimer       *time.Timer
	callbacks       []*stagedCallback
	startCtx        context.Context
	startCancel     context.CancelFunc
}

// New constructs a Facade. Call SetConfig before Start; Start fails
// ConfigMissing until a url has been configured.
func New(opts Options) *Facade {
	opts.applyDefaults()
	return &Facade{
		opts:       opts,
		cfg:        config.Default(),
		visible:    true,
		netWatcher: streamclient.NewManualWatcher(),
	}
}

var (
	defaultOnce     sync.Once
	defaultInstance *Facade
)

// Default returns the process-wide singleton Facade, constructed with
// production defaults on first use.
func Default() *Facade {
	defaultOnce.Do(func() {
		defaultInstance = New(Options{})
	})
	return defaultInstance
}

// SetConfig merges partial onto the current configuration, per spec.md
// §4.4's setConfig.
func (f *Facade) SetConfig(partial config.Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = f.cfg.Merge(partial)
}

// SetCallbacks replaces every staged callback with entries, in order.
// Already-started subscriptions on the active component are left alone;
// call RegisterCallback for that.
func (f *Facade) SetCallbacks(entries []config.CallbackEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = nil
	for _, e := range entries {
		f.callbacks = append(f.callbacks, &stagedCallback{typ: e.Type, cb: e.Callback})
	}
}

// RegisterCallback stages a subscription and, if a component is
// active, forwards it immediately, per spec.md §4.4.
func (f *Facade) RegisterCallback(msgType string, cb Callback) string {
	f.mu.Lock()
	entry := &stagedCallback{typ: msgType, cb: cb}
	f.callbacks = append(f.callbacks, entry)
	started := f.started
	f.mu.Unlock()

	if started {
		f.activateCallback(entry)
	}
	return entry.id
}

// UnregisterCallback removes staged and active subscriptions matching
// msgType (and id, if non-empty).
func (f *Facade) UnregisterCallback(msgType, id string) {
	f.mu.Lock()
	kept := f.callbacks[:0]
	for _, e := range f.callbacks {
		if e.typ == msgType && (id == "" || e.id == id) {
			continue
		}
		kept = append(kept, e)
	}
	f.callbacks = kept
	mode, sc, sh := f.mode, f.streamClient, f.sharedClient
	f.mu.Unlock()

	switch mode {
	case config.ModeShared:
		if sh != nil {
			sh.UnregisterCallback(msgType, id)
		}
	default:
		if sc != nil {
			sc.Off(msgType, id)
		}
	}
}

func (f *Facade) activateCallback(entry *stagedCallback) {
	f.mu.Lock()
	mode, sc, sh := f.mode, f.streamClient, f.sharedClient
	f.mu.Unlock()

	switch mode {
	case config.ModeShared:
		if sh != nil {
			entry.id = sh.RegisterCallback(entry.typ, sharedclient.Callback(entry.cb))
			entry.active = true
		}
	default:
		if sc != nil {
			id, err := sc.On(entry.typ, streamclient.Callback(entry.cb))
			if err == nil {
				entry.id = id
				entry.active = true
			}
		}
	}
}

// IsConnected reports whether the active component currently has an
// open connection.
func (f *Facade) IsConnected() bool {
	f.mu.Lock()
	mode, sc, sh := f.mode, f.streamClient, f.sharedClient
	f.mu.Unlock()

	switch mode {
	case config.ModeShared:
		return sh != nil && sh.IsConnected()
	default:
		return sc != nil && sc.IsOpen()
	}
}

// CurrentMode, CurrentUserID, and CurrentCredential expose the current
// session's resolved mode and identity.
func (f *Facade) CurrentMode() config.ConnectionMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *Facade) CurrentUserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity.UserID
}

func (f *Facade) CurrentCredential() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity.Credential
}

// Send forwards data over whichever component is active.
func (f *Facade) Send(data any) error {
	f.mu.Lock()
	mode, sc, sh := f.mode, f.streamClient, f.sharedClient
	f.mu.Unlock()

	switch mode {
	case config.ModeShared:
		if sh == nil {
			return relerr.New(relerr.CodeSendUnavailable, "shared client not started")
		}
		sh.Send(data)
		return nil
	default:
		if sc == nil {
			return relerr.New(relerr.CodeSendUnavailable, "stream client not started")
		}
		return sc.Send(data)
	}
}
