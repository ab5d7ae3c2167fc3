package sharedhost

import (
	"context"
	"time"

	"github.com/relayhub/relayhub/pkg/port"
	"github.com/relayhub/relayhub/pkg/relaynotify"
	"github.com/relayhub/relayhub/pkg/relerr"
	"github.com/relayhub/relayhub/pkg/streamclient"
)

// handleUpstreamClose runs the fast-close circuit breaker and, subject
// to reconnect gating, schedules the next attempt. An idle-timeout
// initiated close (Manual) never trips the breaker and never schedules a
// reconnect on its own — visibility regaining is what wakes the host.
func (h *SharedHost) handleUpstreamClose(info streamclient.CloseInfo) {
	h.broadcastAll(port.WorkerDisconnected, nil)

	if info.Manual {
		return
	}

	if info.Code == streamclient.CloseCodeNormal && info.OpenDuration < h.opts.FastCloseWindow {
		h.fastCleanCount++
		h.opts.Metrics.IncFastClose()
		if h.fastCleanCount >= h.opts.FastCloseThreshold {
			h.tripCircuit()
			return
		}
	} else {
		h.fastCleanCount = 0
	}

	h.scheduleReconnect()
}

func (h *SharedHost) tripCircuit() {
	h.reconnect.suspendedUntil = time.Now().Add(h.opts.CircuitSuspension)
	h.fastCleanCount = 0
	explanation := "server is closing the connection cleanly and quickly; reconnection suspended, credentials or policy may be rejecting this session"
	h.broadcastAll(port.WorkerError, WorkerErrorPayload{
		Message: relerr.New(relerr.CodeFastCloseBurst, explanation).Error(),
		Detail:  explanation,
	})
	if !h.anyTabVisible() {
		_ = h.opts.Notifier.Send(context.Background(), relaynotify.CircuitTrippedNotification(explanation))
	}
}

// scheduleReconnect enforces spec.md §4.2's reconnect gating: tabs
// non-empty AND at least one visible AND not suspended. It applies the
// same linear-clamped backoff formula as StreamClient, driven by
// HostState.reconnect instead of the upstream client's own policy (which
// is disabled for the host's StreamClient).
func (h *SharedHost) scheduleReconnect() {
	if !h.reconnectAllowed() {
		return
	}

	h.reconnect.attempts++
	n := h.reconnect.attempts
	if n > h.streamOpts.MaxReconnectAttempts {
		h.opts.Logger.Warn("reconnect attempts exhausted", "attempts", n)
		return
	}

	delay := time.Duration(n) * h.streamOpts.ReconnectDelay
	if delay > h.streamOpts.ReconnectDelayMax {
		delay = h.streamOpts.ReconnectDelayMax
	}
	time.AfterFunc(delay, func() {
		h.send(hostEvent{kind: eventReconnectDue})
	})
}

func (h *SharedHost) handleReconnectDue() {
	if !h.reconnectAllowed() {
		return
	}
	h.ensureUpstream()
}

func (h *SharedHost) reconnectAllowed() bool {
	if len(h.tabs) == 0 {
		return false
	}
	if !h.anyTabVisible() {
		return false
	}
	if h.reconnect.suspended(time.Now()) {
		return false
	}
	return true
}
