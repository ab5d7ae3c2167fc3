// Package config holds the Facade configuration described in spec.md
// §4.4: a single tagged struct with a Default* constant block,
// mergeable from a partial value and loadable from a YAML file via
// gopkg.in/yaml.v3.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relayhub/relayhub/pkg/envelope"
)

// ConnectionMode selects the strategy the Facade wires up. See spec.md
// §4.4.
type ConnectionMode string

const (
	ModeAuto       ConnectionMode = "auto"
	ModeShared     ConnectionMode = "shared"
	ModeVisibility ConnectionMode = "visibility"
	ModeDirect     ConnectionMode = "direct"
)

// Default values, named the way spec.md §4.4 names them.
const (
	DefaultHeartbeatInterval     = 25000 * time.Millisecond
	DefaultMaxReconnectAttempts  = 10
	DefaultReconnectDelay        = 3000 * time.Millisecond
	DefaultReconnectDelayMax     = 10000 * time.Millisecond
	DefaultAutoReconnect         = true
	DefaultEnableVisibilityMgmt  = false
	DefaultConnectionMode        = ModeAuto
	DefaultSharedIdleTimeout     = 30000 * time.Millisecond
	DefaultForceNewOnStart       = false
	DefaultEnableNetworkListener = true
	DefaultStaleTabSweepInterval = 15000 * time.Millisecond
	DefaultStaleTabThreshold     = 45000 * time.Millisecond
	DefaultFastCloseWindow       = 3000 * time.Millisecond
	DefaultFastCloseThreshold    = 3
	DefaultCircuitSuspension     = 60000 * time.Millisecond
	DefaultLivenessPingInterval  = 10000 * time.Millisecond
)

// HeartbeatMessageFunc builds the outbound heartbeat envelope. The
// default produces {"type":"PING","timestamp":<epoch ms>} per spec.md
// §4.1.
type HeartbeatMessageFunc func() envelope.Envelope

func DefaultHeartbeatMessage() envelope.Envelope {
	return envelope.Envelope{Type: "PING", Timestamp: time.Now().UnixMilli()}
}

// CallbackEntry stages a subscription before Start, per spec.md §4.4
// ("callbacks:list<entry>").
type CallbackEntry struct {
	Type     string
	Callback func(data any, env *envelope.Envelope)
}

// Config is the full set of options recognized by SetConfig, per spec.md
// §4.4. Boolean options are pointers so Merge can tell "caller explicitly
// set false" apart from "caller didn't mention this field" — the same
// distinction the JS source expresses with `in` checks on a partial
// object literal.
type Config struct {
	URL                        string               `yaml:"url"`
	HeartbeatInterval          time.Duration        `yaml:"heartbeat_interval"`
	MaxReconnectAttempts       int                  `yaml:"max_reconnect_attempts"`
	ReconnectDelay             time.Duration        `yaml:"reconnect_delay"`
	ReconnectDelayMax          time.Duration        `yaml:"reconnect_delay_max"`
	AutoReconnect              *bool                `yaml:"auto_reconnect"`
	HeartbeatMessage           HeartbeatMessageFunc `yaml:"-"`
	LogLevel                   string               `yaml:"log_level"`
	EnableVisibilityManagement *bool                `yaml:"enable_visibility_management"`
	ConnectionMode             ConnectionMode       `yaml:"connection_mode"`
	SharedIdleTimeout          time.Duration        `yaml:"shared_idle_timeout"`
	ForceNewOnStart            *bool                `yaml:"force_new_on_start"`
	EnableNetworkListener      *bool                `yaml:"enable_network_listener"`
	Callbacks                  []CallbackEntry      `yaml:"-"`
}

func boolPtr(v bool) *bool { return &v }

func boolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

// Default returns a Config populated with the defaults named above.
func Default() Config {
	return Config{
		HeartbeatInterval:          DefaultHeartbeatInterval,
		MaxReconnectAttempts:       DefaultMaxReconnectAttempts,
		ReconnectDelay:             DefaultReconnectDelay,
		ReconnectDelayMax:          DefaultReconnectDelayMax,
		AutoReconnect:              boolPtr(DefaultAutoReconnect),
		HeartbeatMessage:           DefaultHeartbeatMessage,
		LogLevel:                   "info",
		EnableVisibilityManagement: boolPtr(DefaultEnableVisibilityMgmt),
		ConnectionMode:             DefaultConnectionMode,
		SharedIdleTimeout:          DefaultSharedIdleTimeout,
		ForceNewOnStart:            boolPtr(DefaultForceNewOnStart),
		EnableNetworkListener:      boolPtr(DefaultEnableNetworkListener),
	}
}

// Merge applies every field partial explicitly set onto a copy of c and
// returns the result, implementing the Facade's "merges configuration"
// semantics from spec.md §4.4.
func (c Config) Merge(partial Config) Config {
	out := c
	if partial.URL != "" {
		out.URL = partial.URL
	}
	if partial.HeartbeatInterval != 0 {
		out.HeartbeatInterval = partial.HeartbeatInterval
	}
	if partial.MaxReconnectAttempts != 0 {
		out.MaxReconnectAttempts = partial.MaxReconnectAttempts
	}
	if partial.ReconnectDelay != 0 {
		out.ReconnectDelay = partial.ReconnectDelay
	}
	if partial.ReconnectDelayMax != 0 {
		out.ReconnectDelayMax = partial.ReconnectDelayMax
	}
	if partial.HeartbeatMessage != nil {
		out.HeartbeatMessage = partial.HeartbeatMessage
	}
	if partial.LogLevel != "" {
		out.LogLevel = partial.LogLevel
	}
	if partial.ConnectionMode != "" {
		out.ConnectionMode = partial.ConnectionMode
	}
	if partial.SharedIdleTimeout != 0 {
		out.SharedIdleTimeout = partial.SharedIdleTimeout
	}
	if partial.AutoReconnect != nil {
		out.AutoReconnect = partial.AutoReconnect
	}
	if partial.EnableVisibilityManagement != nil {
		out.EnableVisibilityManagement = partial.EnableVisibilityManagement
	}
	if partial.ForceNewOnStart != nil {
		out.ForceNewOnStart = partial.ForceNewOnStart
	}
	if partial.EnableNetworkListener != nil {
		out.EnableNetworkListener = partial.EnableNetworkListener
	}
	if len(partial.Callbacks) > 0 {
		out.Callbacks = append(out.Callbacks, partial.Callbacks...)
	}
	return out
}

// IsAutoReconnect, IsVisibilityManaged, IsForceNewOnStart, and
// IsNetworkListenerEnabled resolve the pointer-typed flags against their
// spec.md §4.4 defaults, so callers never need to nil-check.
func (c Config) IsAutoReconnect() bool         { return boolOr(c.AutoReconnect, DefaultAutoReconnect) }
func (c Config) IsVisibilityManaged() bool {
	return boolOr(c.EnableVisibilityManagement, DefaultEnableVisibilityMgmt)
}
func (c Config) IsForceNewOnStart() bool { return boolOr(c.ForceNewOnStart, DefaultForceNewOnStart) }
func (c Config) IsNetworkListenerEnabled() bool {
	return boolOr(c.EnableNetworkListener, DefaultEnableNetworkListener)
}

// LoadFile reads a YAML config file and merges it onto Default().
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return Config{}, err
	}
	return Default().Merge(partial), nil
}

// Validate checks the ConfigMissing precondition from spec.md §7: start
// requires a URL, and the identity passed to Start requires userId and
// credential (checked by the caller, not here).
func (c Config) Validate() error {
	if c.URL == "" {
		return errMissingURL
	}
	return nil
}

var errMissingURL = &validationError{"url is required"}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }
