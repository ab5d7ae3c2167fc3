package facade

import "github.com/relayhub/relayhub/pkg/config"

// selectMode implements spec.md §4.4's deterministic mode selection and
// degradation table. Must be called with f.mu held.
func (f *Facade) selectMode() config.ConnectionMode {
	requested := f.cfg.ConnectionMode
	if requested == "" {
		requested = config.DefaultConnectionMode
	}

	switch requested {
	case config.ModeDirect:
		return config.ModeDirect

	case config.ModeVisibility:
		if *f.opts.SupportsVisible {
			return config.ModeVisibility
		}
		f.opts.Logger.Warn("visibility mode unsupported, degrading to direct")
		return config.ModeDirect

	case config.ModeShared:
		if *f.opts.SupportsShared {
			return config.ModeShared
		}
		f.opts.Logger.Warn("shared mode unsupported, degrading to visibility")
		return f.visibilityOrDirect()

	default: // auto
		if *f.opts.SupportsShared {
			return config.ModeShared
		}
		return f.visibilityOrDirect()
	}
}

func (f *Facade) visibilityOrDirect() config.ConnectionMode {
	if *f.opts.SupportsVisible && f.cfg.IsVisibilityManaged() {
		return config.ModeVisibility
	}
	if f.cfg.ConnectionMode == config.ModeVisibility || f.cfg.ConnectionMode == config.ModeShared {
		f.opts.Logger.Warn("visibility mode unsupported, degrading to direct")
	}
	return config.ModeDirect
}
