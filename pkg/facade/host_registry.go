package facade

import (
	"sync"

	"github.com/relayhub/relayhub/pkg/sharedhost"
)

// hostRegistry keys shared hosts by URL, the Go analogue of a
// SharedWorker's "stable script identifier": every Facade started
// against the same url in this process lands on the same SharedHost,
// per spec.md §4.3's start() contract.
var (
	hostRegistryMu sync.Mutex
	hostRegistry   = map[string]*sharedhost.SharedHost{}
)

func (f *Facade) resolveHost() *sharedhost.SharedHost {
	if f.opts.HostFactory != nil {
		return f.opts.HostFactory(f.cfg)
	}

	hostRegistryMu.Lock()
	defer hostRegistryMu.Unlock()
	if h, ok := hostRegistry[f.cfg.URL]; ok {
		return h
	}
	h := sharedhost.New(sharedhost.Options{
		Dialer:             f.opts.Dialer,
		Logger:             f.opts.Logger,
		Metrics:            f.opts.Metrics,
		Tracer:             f.opts.Tracer,
		Notifier:           f.opts.Notifier,
		DefaultIdleTimeout: f.cfg.SharedIdleTimeout,
	})
	hostRegistry[f.cfg.URL] = h
	return h
}

// forgetHost drops url's cached host, used when a shared context
// reports a fatal failure and the Facade degrades away from it rather
// than reusing the broken instance on a later shared start.
func forgetHost(url string) {
	hostRegistryMu.Lock()
	defer hostRegistryMu.Unlock()
	delete(hostRegistry, url)
}
