package sharedhost

import (
	"sync"
	"time"

	"github.com/relayhub/relayhub/pkg/envelope"
)

// snapshotState is the read-only view external callers (Facade,
// SharedClient, metrics scrapers) can consult without going through the
// run loop. It is written once per processed event from run() and read
// under its own mutex, so queries never block on the event channel.
type snapshotState struct {
	mu           sync.RWMutex
	identity     envelope.Identity
	attachedTabs int
	upstreamOpen bool
	suspended    bool
	terminated   bool
}

func (h *SharedHost) publishSnapshot() {
	h.snapshot.mu.Lock()
	h.snapshot.identity = h.identity
	h.snapshot.attachedTabs = len(h.tabs)
	h.snapshot.upstreamOpen = h.upstream != nil && h.upstream.IsOpen()
	h.snapshot.suspended = h.reconnect.suspended(time.Now())
	h.snapshot.terminated = h.isTerminated
	h.snapshot.mu.Unlock()

	h.opts.Metrics.SetAttachedTabs(len(h.tabs))
	h.opts.Metrics.SetCircuitSuspended(h.reconnect.suspended(time.Now()))
}

// Identity returns the host's current session identity, the zero value
// if none has been adopted yet.
func (h *SharedHost) Identity() envelope.Identity {
	h.snapshot.mu.RLock()
	defer h.snapshot.mu.RUnlock()
	return h.snapshot.identity
}

// AttachedTabCount returns the number of tabs currently tracked.
func (h *SharedHost) AttachedTabCount() int {
	h.snapshot.mu.RLock()
	defer h.snapshot.mu.RUnlock()
	return h.snapshot.attachedTabs
}

// UpstreamOpen reports whether the upstream StreamClient is OPEN.
func (h *SharedHost) UpstreamOpen() bool {
	h.snapshot.mu.RLock()
	defer h.snapshot.mu.RUnlock()
	return h.snapshot.upstreamOpen
}

// Suspended reports whether the circuit breaker currently forbids
// reconnection.
func (h *SharedHost) Suspended() bool {
	h.snapshot.mu.RLock()
	defer h.snapshot.mu.RUnlock()
	return h.snapshot.suspended
}

func (h *SharedHost) terminated() bool {
	h.snapshot.mu.RLock()
	defer h.snapshot.mu.RUnlock()
	return h.snapshot.terminated
}
