// Package port is the in-process analogue of a browser MessageChannel /
// MessagePort pair: an ordered, bidirectional, asynchronous transport
// between a SharedHost and one attached tab.
package port

import "time"

// TabMessageKind enumerates the tab-to-host wire protocol kinds of
// spec.md §6.
type TabMessageKind string

const (
	TabInit               TabMessageKind = "TAB_INIT"
	TabDisconnect         TabMessageKind = "TAB_DISCONNECT"
	TabSend               TabMessageKind = "TAB_SEND"
	TabVisibility         TabMessageKind = "TAB_VISIBILITY"
	TabRegisterCallback   TabMessageKind = "TAB_REGISTER_CALLBACK"
	TabUnregisterCallback TabMessageKind = "TAB_UNREGISTER_CALLBACK"
	TabPing               TabMessageKind = "TAB_PING"
	TabForceShutdown      TabMessageKind = "TAB_FORCE_SHUTDOWN"
	TabForceReset         TabMessageKind = "TAB_FORCE_RESET"
	TabNetworkOnline      TabMessageKind = "TAB_NETWORK_ONLINE"
)

// WorkerMessageKind enumerates the host-to-tab wire protocol kinds of
// spec.md §6.
type WorkerMessageKind string

const (
	WorkerReady        WorkerMessageKind = "WORKER_READY"
	WorkerConnected    WorkerMessageKind = "WORKER_CONNECTED"
	WorkerDisconnected WorkerMessageKind = "WORKER_DISCONNECTED"
	WorkerFrame        WorkerMessageKind = "WORKER_MESSAGE"
	WorkerError        WorkerMessageKind = "WORKER_ERROR"
	WorkerAuthConflict WorkerMessageKind = "WORKER_AUTH_CONFLICT"
	WorkerPong         WorkerMessageKind = "WORKER_PONG"
	WorkerTabNotFound  WorkerMessageKind = "WORKER_TAB_NOT_FOUND"
)

// TabMessage is one frame sent from a tab to the host. Payload carries
// the kind-specific fields described in spec.md §4.2/§3, boxed as any so
// a single struct covers all ten kinds without ten envelope types.
type TabMessage struct {
	Kind      TabMessageKind
	TabID     string
	Payload   any
	Timestamp int64
}

// WorkerMessage is one frame sent from the host to a tab (or broadcast
// to all attached tabs).
type WorkerMessage struct {
	Kind      WorkerMessageKind
	Payload   any
	Timestamp int64
}

// defaultBuffer bounds each direction so a stalled reader cannot make
// the sender block forever; TAB_PING/heartbeat cadence (10s) is far
// slower than this could ever fill under normal operation.
const defaultBuffer = 64

// Port is one end of a bidirectional channel pair. HostSide reads
// TabMessages and writes WorkerMessages; TabSide is the mirror image.
// Both ends close together: closing either end closes both channels.
type Port struct {
	toHost chan TabMessage
	toTab  chan WorkerMessage
	closed chan struct{}
	isHost bool
}

// NewPortPair returns the two ends of a fresh channel pair: the host
// side first, then the tab side. Messages sent on one side's outbound
// channel are the other side's inbound channel — preserving per-port
// send order per spec.md §5's ordering guarantee.
func NewPortPair() (host *Port, tab *Port) {
	toHost := make(chan TabMessage, defaultBuffer)
	toTab := make(chan WorkerMessage, defaultBuffer)
	closed := make(chan struct{})
	host = &Port{toHost: toHost, toTab: toTab, closed: closed, isHost: true}
	tab = &Port{toHost: toHost, toTab: toTab, closed: closed, isHost: false}
	return host, tab
}

// SendToHost delivers msg to the host side's inbound channel. Only
// meaningful from the tab side; calling it on a host-side Port sends to
// its own peer's inbound queue, so callers should use the side that
// matches their role.
func (p *Port) SendToHost(msg TabMessage) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.toHost <- msg:
		return true
	case <-p.closed:
		return false
	}
}

// SendToTab delivers msg to the tab side's inbound channel.
func (p *Port) SendToTab(msg WorkerMessage) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.toTab <- msg:
		return true
	case <-p.closed:
		return false
	}
}

// RecvFromTab blocks until a TabMessage arrives or the port closes. Used
// by the host side.
func (p *Port) RecvFromTab() (TabMessage, bool) {
	select {
	case m, ok := <-p.toHost:
		return m, ok
	case <-p.closed:
		return TabMessage{}, false
	}
}

// RecvFromHost blocks until a WorkerMessage arrives or the port closes.
// Used by the tab side.
func (p *Port) RecvFromHost() (WorkerMessage, bool) {
	select {
	case m, ok := <-p.toTab:
		return m, ok
	case <-p.closed:
		return WorkerMessage{}, false
	}
}

// Closed returns a channel that is closed once the port pair is closed,
// so a select loop can observe termination alongside message arrival.
func (p *Port) Closed() <-chan struct{} { return p.closed }

// Close tears down both ends of the pair. Safe to call from either side
// and safe to call more than once.
func (p *Port) Close() {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}

// Now returns the current wall-clock time in epoch milliseconds, the
// unit spec.md's Timestamp fields use.
func Now() int64 { return time.Now().UnixMilli() }
