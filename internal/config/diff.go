package config

import (
	"maps"
	"reflect"
	"slices"
	"strings"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ServersChanged bool
	ServerChanges  []ServerDiff // sorted by ID
}

// ServerDiff describes what changed for a single server definition.
type ServerDiff struct {
	ID      string
	Added   bool
	Removed bool
	Changed bool

	// Old and New are the definitions on either side; nil when absent.
	Old *ServerDefinitionConfig
	New *ServerDefinitionConfig
}

// IsEmpty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.ServersChanged
}

// Diff compares old and new configs and returns what changed. Servers are
// matched by [ServerDefinitionConfig.Key].
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServers := indexServers(old.Servers)
	newServers := indexServers(new.Servers)

	for id, o := range oldServers {
		n, exists := newServers[id]
		switch {
		case !exists:
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: id, Removed: true, Old: o})
		case !reflect.DeepEqual(o, n):
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: id, Changed: true, Old: o, New: n})
		}
	}
	for id, n := range newServers {
		if _, exists := oldServers[id]; !exists {
			d.ServerChanges = append(d.ServerChanges, ServerDiff{ID: id, Added: true, New: n})
		}
	}

	slices.SortFunc(d.ServerChanges, func(a, b ServerDiff) int { return strings.Compare(a.ID, b.ID) })
	d.ServersChanged = len(d.ServerChanges) > 0
	return d
}

// ChangedIDs returns the ids of every added, removed or changed server.
func (d ConfigDiff) ChangedIDs() []string {
	ids := make(map[string]struct{}, len(d.ServerChanges))
	for _, sd := range d.ServerChanges {
		ids[sd.ID] = struct{}{}
	}
	return slices.Sorted(maps.Keys(ids))
}

func indexServers(servers []ServerDefinitionConfig) map[string]*ServerDefinitionConfig {
	out := make(map[string]*ServerDefinitionConfig, len(servers))
	for i := range servers {
		out[servers[i].Key()] = &servers[i]
	}
	return out
}
