package sharedhost

import (
	"context"
	"time"

	"github.com/relayhub/relayhub/pkg/config"
	"github.com/relayhub/relayhub/pkg/envelope"
	"github.com/relayhub/relayhub/pkg/port"
	"github.com/relayhub/relayhub/pkg/relaynotify"
	"github.com/relayhub/relayhub/pkg/relerr"
	"github.com/relayhub/relayhub/pkg/streamclient"
)

func (h *SharedHost) handleTabMessage(ev hostEvent) {
	if h.isTerminated {
		return
	}
	msg := ev.tabMsg
	tabID := msg.TabID

	var record *TabRecord
	if msg.Kind != port.TabInit {
		var ok bool
		record, ok = h.tabs[tabID]
		if !ok {
			h.replyTo(ev.tabPort, port.WorkerTabNotFound, nil)
			return
		}
		record.LastSeen = time.Now()
	}

	switch msg.Kind {
	case port.TabInit:
		h.handleTabInit(tabID, ev.tabPort, msg.Payload)
	case port.TabDisconnect:
		h.removeTab(tabID)
	case port.TabSend:
		h.handleTabSend(msg.Payload)
	case port.TabVisibility:
		h.handleTabVisibility(tabID, msg.Payload)
	case port.TabRegisterCallback:
		h.handleTabRegisterCallback(tabID, msg.Payload)
	case port.TabUnregisterCallback:
		h.handleTabUnregisterCallback(tabID, msg.Payload)
	case port.TabPing:
		if record.pingLimiter.Allow() {
			h.replyTo(ev.tabPort, port.WorkerPong, nil)
		}
	case port.TabForceReset:
		h.handleForceReset()
	case port.TabForceShutdown:
		h.handleForceShutdown()
	case port.TabNetworkOnline:
		h.handleTabNetworkOnline()
	}
}

func (h *SharedHost) handlePortClosed(ev hostEvent) {
	if ev.tabID == "" {
		return
	}
	h.removeTab(ev.tabID)
}

func (h *SharedHost) handleTabInit(tabID string, p *port.Port, payload any) {
	init, ok := payload.(TabInitPayload)
	if !ok {
		h.opts.Logger.Warn("malformed TAB_INIT payload", "tabId", tabID)
		return
	}

	record, exists := h.tabs[tabID]
	if !exists {
		record = newTabRecord(tabID, p)
		h.tabs[tabID] = record
	}
	record.IsVisible = init.IsVisible
	record.LastSeen = time.Now()

	if init.IdleTimeout > 0 {
		h.idleTimeout = init.IdleTimeout
	}
	h.streamOpts = config.Default().Merge(init.Config)

	switch {
	case h.identity.IsZero():
		h.identity = init.Identity
	case !h.identity.Equal(init.Identity):
		h.handleIdentityConflict(init.Identity)
	}

	if record.IsVisible {
		h.cancelIdleTimer()
		h.ensureUpstream()
	} else {
		h.recomputeIdleTimer()
	}
}

func (h *SharedHost) handleIdentityConflict(newIdentity envelope.Identity) {
	explanation := "session identity changed; previous connection dropped"
	h.broadcastAll(port.WorkerAuthConflict, WorkerAuthConflictPayload{
		CurrentUserID: h.identity.UserID,
		NewUserID:     newIdentity.UserID,
		Explanation:   explanation,
	})

	if !h.anyTabVisible() {
		_ = h.opts.Notifier.Send(context.Background(),
			relaynotify.AuthConflictNotification(h.identity.UserID, newIdentity.UserID))
	}

	h.dropUpstream()
	h.lastMessageByType = make(map[string]envelope.Envelope)
	h.lastMessageSeq = make(map[string]string)
	h.reconnect = reconnectState{}
	h.fastCleanCount = 0
	h.identity = newIdentity
}

func (h *SharedHost) handleTabSend(payload any) {
	send, ok := payload.(TabSendPayload)
	if !ok {
		return
	}
	if h.upstream == nil || !h.upstream.IsOpen() {
		return
	}
	if err := h.upstream.Send(send.Data); err != nil {
		h.opts.Logger.Warn("TAB_SEND dropped", "error", err.Error())
	}
}

func (h *SharedHost) handleTabVisibility(tabID string, payload any) {
	vis, ok := payload.(TabVisibilityPayload)
	if !ok {
		return
	}
	record, exists := h.tabs[tabID]
	if !exists {
		return
	}
	record.IsVisible = vis.IsVisible

	if h.anyTabVisible() {
		h.cancelIdleTimer()
		h.ensureUpstream()
	} else {
		h.recomputeIdleTimer()
	}
}

func (h *SharedHost) handleTabRegisterCallback(tabID string, payload any) {
	reg, ok := payload.(TabRegisterCallbackPayload)
	if !ok {
		return
	}
	record, exists := h.tabs[tabID]
	if !exists {
		return
	}
	record.subscribe(reg.Type, reg.CallbackID)

	if cached, ok := h.lastMessageByType[reg.Type]; ok {
		h.replyTo(record.Port, port.WorkerFrame, WorkerMessagePayload{Envelope: cached, Seq: h.lastMessageSeq[reg.Type]})
	}
}

func (h *SharedHost) handleTabUnregisterCallback(tabID string, payload any) {
	unreg, ok := payload.(TabUnregisterCallbackPayload)
	if !ok {
		return
	}
	record, exists := h.tabs[tabID]
	if !exists {
		return
	}
	if unreg.CallbackID == "" {
		record.unsubscribeAll(unreg.Type)
		return
	}
	record.unsubscribeOne(unreg.CallbackID)
}

func (h *SharedHost) handleForceReset() {
	h.dropUpstream()
	h.identity = envelope.Identity{}
	h.lastMessageByType = make(map[string]envelope.Envelope)
	h.lastMessageSeq = make(map[string]string)
	h.reconnect = reconnectState{}
	h.fastCleanCount = 0
	h.cancelIdleTimer()
	h.broadcastAll(port.WorkerDisconnected, nil)
}

func (h *SharedHost) handleForceShutdown() {
	if h.isTerminated {
		return
	}
	h.handleForceReset()
	for _, record := range h.tabs {
		record.Port.Close()
	}
	h.tabs = make(map[string]*TabRecord)
	h.isTerminated = true
	h.sweepTicker.Stop()
	close(h.done)
}

func (h *SharedHost) handleTabNetworkOnline() {
	h.reconnect = reconnectState{}
	if h.anyTabVisible() {
		h.ensureUpstream()
	}
}

func (h *SharedHost) removeTab(tabID string) {
	record, exists := h.tabs[tabID]
	if !exists {
		return
	}
	delete(h.tabs, tabID)
	record.Port.Close()

	if len(h.tabs) == 0 {
		h.recomputeIdleTimer()
		return
	}
	if !h.anyTabVisible() {
		h.recomputeIdleTimer()
	}
}

func (h *SharedHost) anyTabVisible() bool {
	for _, record := range h.tabs {
		if record.IsVisible {
			return true
		}
	}
	return false
}

// replyTo sends a WORKER_* message to a single tab's host-side port.
func (h *SharedHost) replyTo(p *port.Port, kind port.WorkerMessageKind, payload any) {
	if p == nil {
		return
	}
	p.SendToTab(port.WorkerMessage{Kind: kind, Payload: payload, Timestamp: time.Now().UnixMilli()})
}

// broadcastAll sends a WORKER_* message to every attached tab.
func (h *SharedHost) broadcastAll(kind port.WorkerMessageKind, payload any) {
	for _, record := range h.tabs {
		h.replyTo(record.Port, kind, payload)
	}
}

// ensureUpstream builds the StreamClient on first use and issues a
// Connect, subject to identity being set. It is idempotent: Connect
// itself no-ops when already OPEN or CONNECTING.
func (h *SharedHost) ensureUpstream() {
	if h.identity.IsZero() {
		h.opts.Logger.Error("cannot connect", "error", relerr.New(relerr.CodeConfigMissing, "no identity").Error())
		return
	}
	if h.upstream == nil {
		h.upstream = h.newUpstreamClient()
	}
	_ = h.upstream.Connect(context.Background(), h.identity.URL())
}

func (h *SharedHost) newUpstreamClient() *streamclient.StreamClient {
	sc := streamclient.New(streamclient.Options{
		HeartbeatInterval:     h.streamOpts.HeartbeatInterval,
		HeartbeatMessage:      h.streamOpts.HeartbeatMessage,
		ReconnectDelay:        h.streamOpts.ReconnectDelay,
		ReconnectDelayMax:     h.streamOpts.ReconnectDelayMax,
		MaxReconnectAttempts:  h.streamOpts.MaxReconnectAttempts,
		AutoReconnect:         false, // SharedHost owns reconnect gating itself, per spec.md §4.2
		EnableNetworkListener: false,
		Dialer:                h.opts.Dialer,
		Logger:                h.opts.Logger,
		Metrics:               h.opts.Metrics,
		Tracer:                h.opts.Tracer,
		OnOpen: func() {
			h.send(hostEvent{kind: eventUpstreamOpen})
		},
		OnClose: func(info streamclient.CloseInfo) {
			h.send(hostEvent{kind: eventUpstreamClose, closeInfo: info})
		},
		OnError: func(err error) {
			h.send(hostEvent{kind: eventUpstreamError, err: err})
		},
	})
	sc.OnAny(func(data any, env *envelope.Envelope) {
		h.send(hostEvent{kind: eventUpstreamFrame, frame: env})
	})
	return sc
}

func (h *SharedHost) dropUpstream() {
	if h.upstream == nil {
		return
	}
	h.upstream.Close()
	h.upstream = nil
}
