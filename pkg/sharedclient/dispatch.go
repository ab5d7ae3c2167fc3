package sharedclient

import (
	"context"
	"fmt"
	"time"

	"github.com/relayhub/relayhub/pkg/port"
	"github.com/relayhub/relayhub/pkg/relerr"
	"github.com/relayhub/relayhub/pkg/sharedhost"
)

// readLoop is the sole reader of the port's tab side. It runs until the
// port closes, dispatching every WORKER_* frame per spec.md §4.3's
// event handling rules.
func (sc *SharedClient) readLoop() {
	defer sc.wg.Done()
	for {
		msg, ok := sc.p.RecvFromHost()
		if !ok {
			return
		}
		switch msg.Kind {
		case port.WorkerConnected:
			sc.mu.Lock()
			sc.connected = true
			hook := sc.opts.Hooks.OnConnected
			sc.mu.Unlock()
			if hook != nil {
				sc.invokeSafely(func() { hook() })
			}
		case port.WorkerDisconnected:
			sc.mu.Lock()
			sc.connected = false
			hook := sc.opts.Hooks.OnDisconnected
			sc.mu.Unlock()
			if hook != nil {
				sc.invokeSafely(func() { hook() })
			}
		case port.WorkerFrame:
			sc.dispatchFrame(msg.Payload)
		case port.WorkerError:
			sc.dispatchError(msg.Payload)
		case port.WorkerAuthConflict:
			sc.dispatchAuthConflict(msg.Payload)
		case port.WorkerTabNotFound:
			sc.handleTabNotFound()
		case port.WorkerPong, port.WorkerReady:
			// No local action; these carry only liveness/handshake
			// acknowledgement.
		}
	}
}

func (sc *SharedClient) dispatchFrame(payload any) {
	frame, ok := payload.(sharedhost.WorkerMessagePayload)
	if !ok {
		return
	}
	sc.mu.Lock()
	entries := append([]subEntry(nil), sc.subs[frame.Envelope.Type]...)
	sc.mu.Unlock()

	for _, e := range entries {
		cb := e.cb
		env := frame.Envelope
		sc.invokeSafely(func() { cb(env.Data, &env) })
	}
}

func (sc *SharedClient) dispatchError(payload any) {
	sc.mu.Lock()
	hook := sc.opts.Hooks.OnError
	sc.mu.Unlock()
	if hook == nil {
		return
	}
	if errPayload, ok := payload.(sharedhost.WorkerErrorPayload); ok {
		sc.invokeSafely(func() { hook(relerr.New(relerr.CodeTransport, errPayload.Message)) })
		return
	}
	sc.invokeSafely(func() { hook(relerr.New(relerr.CodeTransport, "upstream error")) })
}

func (sc *SharedClient) dispatchAuthConflict(payload any) {
	conflict, ok := payload.(sharedhost.WorkerAuthConflictPayload)
	if !ok {
		return
	}
	sc.mu.Lock()
	hook := sc.opts.Hooks.OnAuthConflict
	sc.mu.Unlock()
	if hook != nil {
		sc.invokeSafely(func() { hook(conflict.CurrentUserID, conflict.NewUserID) })
	}
}

// handleTabNotFound reconstructs this tab's state on the host after a
// stale-tab reap, per spec.md §4.3.
func (sc *SharedClient) handleTabNotFound() {
	sc.mu.Lock()
	visible := sc.visible
	sc.mu.Unlock()
	sc.sendInit(visible)
	sc.reregisterAll()
}

func (sc *SharedClient) invokeSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			sc.opts.Logger.Error("callback panicked", "recovered", fmt.Sprint(r))
		}
	}()
	fn()
}

// livenessLoop sends TAB_PING on a fixed interval while started, per
// spec.md §4.3's liveness heartbeat.
func (sc *SharedClient) livenessLoop(ctx context.Context) {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.opts.LivenessPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.mu.Lock()
			p, tabID := sc.p, sc.tabID
			sc.mu.Unlock()
			p.SendToHost(port.TabMessage{Kind: port.TabPing, TabID: tabID})
		}
	}
}

// teardownLoop sends a best-effort TAB_DISCONNECT when ctx is
// cancelled, standing in for a page's capture-phase beforeunload
// listener. Stop cancels ctx itself, so this is a no-op on the normal
// Stop path — it only fires teardown triggered by the caller's own
// context (process shutdown, request cancellation, and so on).
func (sc *SharedClient) teardownLoop(ctx context.Context) {
	defer sc.wg.Done()
	<-ctx.Done()

	sc.mu.Lock()
	started := sc.started
	p, tabID := sc.p, sc.tabID
	sc.mu.Unlock()
	if !started {
		return
	}
	p.SendToHost(port.TabMessage{Kind: port.TabDisconnect, TabID: tabID})
}
