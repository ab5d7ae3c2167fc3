package sharedhost

import "time"

// cancelIdleTimer stops any armed idle timer and bumps the generation
// counter so a timer that already fired (and is racing to send its
// event) is recognized as stale and ignored.
func (h *SharedHost) cancelIdleTimer() {
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
	h.idleGeneration++
}

// recomputeIdleTimer arms the idle timer exactly once when every tab is
// hidden or none remain, per spec.md §4.2's "visibility-driven
// connection" policy. It never re-arms an already-running timer.
func (h *SharedHost) recomputeIdleTimer() {
	if h.anyTabVisible() {
		h.cancelIdleTimer()
		return
	}
	if h.idleTimer != nil {
		return
	}
	gen := h.idleGeneration
	h.idleTimer = time.AfterFunc(h.idleTimeout, func() {
		h.send(hostEvent{kind: eventIdleTimeout, idleGen: gen})
	})
}

func (h *SharedHost) handleIdleTimeout(gen int) {
	if gen != h.idleGeneration {
		return
	}
	h.idleTimer = nil
	if h.anyTabVisible() {
		return
	}
	if h.upstream != nil {
		h.upstream.Disconnect()
	}
}

// handleSweepTick evicts tabs whose lastSeen predates StaleTabThreshold,
// covering abrupt tab closures that never sent TAB_DISCONNECT. Evictions
// are paced through h.sweepLimiter so a tick that finds a large batch of
// stale tabs at once (e.g. after a network partition heals) spreads the
// cleanup cost across ticks rather than blocking the run loop in one call;
// any tabs left over are picked up on the next tick.
func (h *SharedHost) handleSweepTick() {
	cutoff := time.Now().Add(-h.opts.StaleTabThreshold)
	var stale []string
	for id, record := range h.tabs {
		if record.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		if !h.sweepLimiter.Allow() {
			break
		}
		h.removeTab(id)
	}
}
