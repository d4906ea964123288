package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when the resolved session config (voice,
	// language, instructions, model) differs. Applies to the next call.
	SessionChanged bool

	// PersonaChanges lists personas that were added, removed or edited.
	PersonaChanges []PersonaDiff

	// RestartRequired names changed fields that only take effect on restart.
	RestartRequired []string
}

// PersonaDiff describes what changed for a single persona.
type PersonaDiff struct {
	ID                 string
	Added              bool
	Removed            bool
	VoiceChanged       bool
	PersonalityChanged bool
	ProfileChanged     bool
}

// HotReloadable reports whether d contains anything a running process can
// apply.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.SessionChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionChanged = old.SessionConfig() != new.SessionConfig()

	oldP := make(map[string]PersonaConfig, len(old.Personas))
	for _, p := range old.Personas {
		oldP[p.ID] = p
	}
	newP := make(map[string]PersonaConfig, len(new.Personas))
	for _, p := range new.Personas {
		newP[p.ID] = p
	}
	for _, id := range slices.Sorted(maps.Keys(oldP)) {
		op := oldP[id]
		np, ok := newP[id]
		if !ok {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{ID: id, Removed: true})
			continue
		}
		if op == np {
			continue
		}
		d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{
			ID:                 id,
			VoiceChanged:       op.Voice != np.Voice,
			PersonalityChanged: op.Personality != np.Personality,
			ProfileChanged:     op.Name != np.Name || op.Role != np.Role || op.Specialty != np.Specialty,
		})
	}
	for _, id := range slices.Sorted(maps.Keys(newP)) {
		if _, ok := oldP[id]; !ok {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{ID: id, Added: true})
		}
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !reflect.DeepEqual(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}

	return d
}
