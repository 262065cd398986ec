// Package plugin defines how plugins are described, configured and started by
// the host.
//
// A plugin is linked into the host binary and announced with a Metadata value.
// The host asks it for a default config table, lets the user override that
// table, initializes the plugin from it and finally starts it. During Start,
// and only then, the plugin may create metrics and register pipeline stages.
package plugin

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrOutsideStart is returned by StartContext methods after Start returned
	ErrOutsideStart = errors.New("start context used outside of plugin start")

	// ErrUnknownPlugin is returned for plugin names the host does not know
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrAlreadyRegistered is returned when two plugins share a name
	ErrAlreadyRegistered = errors.New("plugin already registered")

	// ErrInvalidMetadata is returned for metadata without a name or Init
	ErrInvalidMetadata = errors.New("invalid plugin metadata")

	// ErrHostStarted is returned when registering or configuring after Start
	ErrHostStarted = errors.New("host already started")
)

// Plugin is a running plugin instance.
type Plugin interface {
	Name() string
	Version() string

	// Start creates the plugin's metrics and registers its stages
	Start(ctx *StartContext) error

	// Stop is called after every stage of every plugin has been stopped
	Stop() error
}

// Exporter is implemented by plugins serving their data over HTTP. The host
// API mounts Handler under Path.
type Exporter interface {
	ExportPath() string
	Handler() http.Handler
}

// Metadata announces a plugin to the host
type Metadata struct {
	Name    string
	Version string

	// DefaultConfig returns the config table used when the user provides none.
	// May be nil for plugins without configuration.
	DefaultConfig func() (ConfigTable, error)

	// Init builds the plugin from its config table
	Init func(config ConfigTable) (Plugin, error)
}

// State is the lifecycle position of a plugin inside the host
type State int

const (
	StateRegistered State = iota + 1
	StateConfigured
	StateInitialized
	StateStarted
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateConfigured:
		return "configured"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of one plugin
type Status struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	Stages    []string  `json:"stages,omitempty"`
	Metrics   []string  `json:"metrics,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Base carries the name and version of a plugin. Plugins embed it to satisfy
// the identity half of the Plugin interface.
type Base struct {
	PluginName    string
	PluginVersion string
}

func (b Base) Name() string    { return b.PluginName }
func (b Base) Version() string { return b.PluginVersion }

// Stop does nothing; plugins holding resources override it
func (b Base) Stop() error { return nil }
