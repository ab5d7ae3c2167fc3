package facade

import (
	"context"
	"time"

	"github.com/relayhub/relayhub/pkg/config"
	"github.com/relayhub/relayhub/pkg/envelope"
	"github.com/relayhub/relayhub/pkg/relerr"
	"github.com/relayhub/relayhub/pkg/sharedclient"
	"github.com/relayhub/relayhub/pkg/streamclient"
)

// Start validates configuration, selects a mode, and wires up the
// corresponding component, per spec.md §4.4. A second Start with the
// same identity while already started is a no-op (the Open Question
// decision recorded in DESIGN.md); a different identity tears down the
// prior connection first.
func (f *Facade) Start(identity envelope.Identity) error {
	f.mu.Lock()
	if f.started && f.identity.Equal(identity) && !f.cfg.IsForceNewOnStart() {
		f.mu.Unlock()
		return nil
	}
	if err := f.cfg.Validate(); err != nil {
		f.mu.Unlock()
		return relerr.Wrap(relerr.CodeConfigMissing, "invalid configuration", err)
	}
	if identity.UserID == "" || identity.Credential == "" {
		f.mu.Unlock()
		return relerr.New(relerr.CodeConfigMissing, "userId and credential are required")
	}
	if f.started {
		f.mu.Unlock()
		f.Stop()
		f.mu.Lock()
	}
	f.identity = identity
	f.degradedThisTry = false
	f.mu.Unlock()

	warnIfCredentialExpired(f.opts.Logger, identity.Credential)
	return f.startInternal()
}

func (f *Facade) startInternal() error {
	f.mu.Lock()
	mode := f.selectMode()
	f.mode = mode
	ctx, cancel := context.WithCancel(context.Background())
	f.startCtx, f.startCancel = ctx, cancel
	f.started = true
	f.mu.Unlock()

	switch mode {
	case config.ModeShared:
		return f.startShared(ctx)
	case config.ModeVisibility:
		return f.startDirect(true)
	default:
		return f.startDirect(false)
	}
}

func (f *Facade) startShared(ctx context.Context) error {
	f.mu.Lock()
	identity := f.identity
	cfg := f.cfg
	f.mu.Unlock()

	host := f.resolveHost()

	client := sharedclient.New(host, sharedclient.Options{
		Identity:    identity,
		Config:      cfg,
		IdleTimeout: cfg.SharedIdleTimeout,
		Logger:      f.opts.Logger,
		Hooks: sharedclient.Hooks{
			OnAuthConflict: func(currentUserID, newUserID string) {
				f.opts.Logger.Warn("identity conflict on shared host", "current", currentUserID, "new", newUserID)
			},
			// Run on its own goroutine: handleSharedFailure calls
			// SharedClient.Stop, which waits for this hook's own
			// caller (the client's read loop) to exit — calling it
			// inline here would deadlock that wait.
			OnError: func(err error) { go f.handleSharedFailure(err) },
		},
	})

	f.mu.Lock()
	f.sharedClient = client
	f.host = host
	f.mu.Unlock()

	client.Start(ctx, f.currentVisible())
	f.replayCallbacks()
	return nil
}

// handleSharedFailure implements the one-way-per-start-cycle
// degradation of spec.md §4.4: on a fatal report from the shared
// context, drop it and restart in visibility mode with the same
// identity.
func (f *Facade) handleSharedFailure(err error) {
	f.mu.Lock()
	if f.mode != config.ModeShared || f.degradedThisTry {
		f.mu.Unlock()
		return
	}
	f.degradedThisTry = true
	identity := f.identity
	url := f.cfg.URL
	f.mu.Unlock()

	f.opts.Logger.Error("shared context failed, degrading to visibility", "error", err.Error())
	forgetHost(url)
	f.Stop()

	f.mu.Lock()
	f.identity = identity
	f.mu.Unlock()
	_ = f.startVisibilityForced()
}

// startVisibilityForced restarts in visibility mode directly, bypassing
// selectMode so a shared-mode failure cannot re-select shared.
func (f *Facade) startVisibilityForced() error {
	f.mu.Lock()
	f.mode = config.ModeVisibility
	ctx, cancel := context.WithCancel(context.Background())
	f.startCtx, f.startCancel = ctx, cancel
	f.started = true
	f.mu.Unlock()
	return f.startDirect(true)
}

func (f *Facade) startDirect(visibilityManaged bool) error {
	f.mu.Lock()
	cfg := f.cfg
	identity := f.identity
	f.mu.Unlock()

	sc := streamclient.New(streamclient.Options{
		HeartbeatInterval:     cfg.HeartbeatInterval,
		HeartbeatMessage:      cfg.HeartbeatMessage,
		ReconnectDelay:        cfg.ReconnectDelay,
		ReconnectDelayMax:     cfg.ReconnectDelayMax,
		MaxReconnectAttempts:  cfg.MaxReconnectAttempts,
		AutoReconnect:         cfg.IsAutoReconnect(),
		EnableNetworkListener: cfg.IsNetworkListenerEnabled(),
		Dialer:                f.opts.Dialer,
		NetworkWatcher:        f.netWatcher,
		Logger:                f.opts.Logger,
		Metrics:               f.opts.Metrics,
		Tracer:                f.opts.Tracer,
	})

	f.mu.Lock()
	f.streamClient = sc
	f.mu.Unlock()

	if err := sc.Connect(context.Background(), identity.URL()); err != nil {
		return err
	}
	f.replayCallbacks()

	if visibilityManaged && !f.currentVisible() {
		f.armIdleTimer()
	}
	return nil
}

// Stop tears down the currently active connection (this tab only, in
// shared mode) and clears component state, per spec.md §4.4.
func (f *Facade) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	mode := f.mode
	sc, sh := f.streamClient, f.sharedClient
	cancel := f.startCancel
	f.streamClient, f.sharedClient, f.host = nil, nil, nil
	f.stopIdleTimerLocked()
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	switch mode {
	case config.ModeShared:
		if sh != nil {
			sh.Stop()
		}
	default:
		if sc != nil {
			sc.Close()
		}
	}
}

func (f *Facade) replayCallbacks() {
	f.mu.Lock()
	entries := append([]*stagedCallback(nil), f.callbacks...)
	f.mu.Unlock()
	for _, e := range entries {
		f.activateCallback(e)
	}
}

func (f *Facade) currentVisible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

func (f *Facade) stopIdleTimerLocked() {
	if f.idleTimer != nil {
		f.idleTimer.Stop()
		f.idleTimer = nil
	}
}

func (f *Facade) armIdleTimer() {
	f.mu.Lock()
	f.stopIdleTimerLocked()
	timeout := f.cfg.SharedIdleTimeout
	sc := f.streamClient
	f.idleTimer = time.AfterFunc(timeout, func() {
		if sc != nil {
			sc.Disconnect()
		}
	})
	f.mu.Unlock()
}
