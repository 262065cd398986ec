// Package plugins lists the plugins compiled into the pulse binary.
package plugins

import (
	"github.com/basekick-labs/pulse/internal/plugins/counter"
	"github.com/basekick-labs/pulse/internal/plugins/diff"
	"github.com/basekick-labs/pulse/internal/plugins/journal"
	"github.com/basekick-labs/pulse/internal/plugins/mqttout"
	"github.com/basekick-labs/pulse/internal/plugins/prom"
	"github.com/basekick-labs/pulse/internal/plugins/random"
	"github.com/basekick-labs/pulse/internal/plugins/sqlout"
	"github.com/basekick-labs/pulse/internal/plugins/textout"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

// Builtin returns the metadata of every built-in plugin, sources first
func Builtin() []plugin.Metadata {
	return []plugin.Metadata{
		counter.Metadata(),
		random.Metadata(),
		diff.Metadata(),
		textout.Metadata(),
		prom.Metadata(),
		mqttout.Metadata(),
		journal.Metadata(),
		sqlout.Metadata(),
	}
}

// Lookup finds a built-in plugin by name
func Lookup(name string) (plugin.Metadata, bool) {
	for _, m := range Builtin() {
		if m.Name == name {
			return m, true
		}
	}
	return plugin.Metadata{}, false
}
