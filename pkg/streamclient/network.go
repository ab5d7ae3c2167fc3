package streamclient

// NetworkWatcher notifies a StreamClient of runtime online/offline
// transitions, per spec.md §4.1's "Network awareness". The production
// environment has no single idiomatic Go source for this (there is no
// browser navigator.onLine); ManualWatcher lets an embedding application
// (or a test) drive transitions explicitly, and a nil watcher simply
// disables the feature, matching "if the runtime exposes online/offline
// notifications and this feature is enabled".
type NetworkWatcher interface {
	// Watch registers callbacks and returns a stop function. Callbacks
	// are invoked from an arbitrary goroutine; implementations owning
	// state must synchronize internally.
	Watch(onOnline, onOffline func()) (stop func())
}

// ManualWatcher is a NetworkWatcher an embedder or test drives directly
// by calling SetOnline/SetOffline.
type ManualWatcher struct {
	onOnline  func()
	onOffline func()
}

func NewManualWatcher() *ManualWatcher { return &ManualWatcher{} }

func (m *ManualWatcher) Watch(onOnline, onOffline func()) (stop func()) {
	m.onOnline = onOnline
	m.onOffline = onOffline
	return func() {
		m.onOnline = nil
		m.onOffline = nil
	}
}

// SetOnline fires the registered online callback, if any.
func (m *ManualWatcher) SetOnline() {
	if m.onOnline != nil {
		m.onOnline()
	}
}

// SetOffline fires the registered offline callback, if any.
func (m *ManualWatcher) SetOffline() {
	if m.onOffline != nil {
		m.onOffline()
	}
}
