package facade

import (
	"context"

	"github.com/relayhub/relayhub/pkg/config"
)

// SetVisible reports a page visibility transition. Shared mode forwards
// it to the SharedClient; visibility mode runs its own local idle timer
// (the single-tab analogue of SharedHost's visibility-driven
// connection); direct mode ignores it, per spec.md §4.4's mode split.
func (f *Facade) SetVisible(visible bool) {
	f.mu.Lock()
	f.visible = visible
	mode := f.mode
	sc, sh := f.streamClient, f.sharedClient
	identity := f.identity
	f.mu.Unlock()

	switch mode {
	case config.ModeShared:
		if sh != nil {
			sh.SetVisible(visible)
		}
	case config.ModeVisibility:
		if visible {
			f.mu.Lock()
			f.stopIdleTimerLocked()
			f.mu.Unlock()
			if sc != nil && !sc.IsOpen() {
				_ = sc.Connect(context.Background(), identity.URL())
			}
		} else {
			f.armIdleTimer()
		}
	}
}

// NotifyNetworkOnline reports that connectivity has been restored.
func (f *Facade) NotifyNetworkOnline() {
	f.mu.Lock()
	mode, sh := f.mode, f.sharedClient
	f.mu.Unlock()

	if mode == config.ModeShared {
		if sh != nil {
			sh.NotifyNetworkOnline()
		}
		return
	}
	f.netWatcher.SetOnline()
}

// NotifyNetworkOffline reports that connectivity has been lost. Shared
// mode has no offline signal of its own (spec.md §6 defines only
// TAB_NETWORK_ONLINE); direct and visibility modes pause their own
// reconnect timer via the ManualWatcher.
func (f *Facade) NotifyNetworkOffline() {
	f.mu.Lock()
	mode := f.mode
	f.mu.Unlock()
	if mode == config.ModeShared {
		return
	}
	f.netWatcher.SetOffline()
}
