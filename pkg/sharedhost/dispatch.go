package sharedhost

import (
	"github.com/oklog/ulid/v2"

	"github.com/relayhub/relayhub/pkg/envelope"
	"github.com/relayhub/relayhub/pkg/port"
)

func (h *SharedHost) handleUpstreamOpen() {
	h.reconnect.attempts = 0
	h.broadcastAll(port.WorkerConnected, nil)
}

func (h *SharedHost) handleUpstreamError(err error) {
	if err == nil {
		return
	}
	h.broadcastAll(port.WorkerError, WorkerErrorPayload{Message: err.Error()})
}

// handleUpstreamFrame caches env by type and broadcasts WORKER_MESSAGE to
// exactly the tabs whose subscribedTypes contains env.Type, per spec.md
// §4.2's dispatch rule.
func (h *SharedHost) handleUpstreamFrame(env *envelope.Envelope) {
	if env == nil {
		return
	}
	seq := ulid.Make().String()
	h.lastMessageByType[env.Type] = *env
	h.lastMessageSeq[env.Type] = seq

	delivered := 0
	for _, record := range h.tabs {
		if _, subscribed := record.SubscribedTypes[env.Type]; !subscribed {
			continue
		}
		h.replyTo(record.Port, port.WorkerFrame, WorkerMessagePayload{Envelope: *env, Seq: seq})
		delivered++
	}
	h.opts.Metrics.IncMessagesFanOut(delivered)
}
