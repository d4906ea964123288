package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/nexuslive/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.SessionChanged || d.HotReloadable() {
		t.Errorf("expected no hot-reloadable changes, got %+v", d)
	}
	if len(d.PersonaChanges) != 0 || len(d.RestartRequired) != 0 {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if !d.HotReloadable() {
		t.Error("log level change should be hot-reloadable")
	}
}

func TestDiff_SessionChanged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"voice", func(c *config.Config) { c.Session.Voice = "Puck" }},
		{"language", func(c *config.Config) { c.Session.Language = "en-US" }},
		{"instructions", func(c *config.Config) { c.Session.Instructions = "Be brief." }},
		{"persona", func(c *config.Config) { c.Session.Persona = "agent-product" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tt.mutate(new)
			if d := config.Diff(old, new); !d.SessionChanged {
				t.Errorf("expected SessionChanged=true, got %+v", d)
			}
		})
	}
}

func TestDiff_SelectedPersonaEditChangesSession(t *testing.T) {
	t.Parallel()
	old := config.Default()
	old.Session.Persona = "agent-business"
	new := config.Default()
	new.Session.Persona = "agent-business"
	new.Personas[0].Personality = "Calme."

	d := config.Diff(old, new)
	if !d.SessionChanged {
		t.Error("editing the selected persona should change the session")
	}
	if len(d.PersonaChanges) != 1 || !d.PersonaChanges[0].PersonalityChanged {
		t.Errorf("persona changes: got %+v", d.PersonaChanges)
	}
}

func TestDiff_PersonaAddedRemoved(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Personas = append(new.Personas[1:], config.PersonaConfig{ID: "agent-legal", Name: "Ana"})

	d := config.Diff(old, new)
	var added, removed []string
	for _, pc := range d.PersonaChanges {
		switch {
		case pc.Added:
			added = append(added, pc.ID)
		case pc.Removed:
			removed = append(removed, pc.ID)
		}
	}
	if !slices.Equal(added, []string{"agent-legal"}) {
		t.Errorf("added: got %v", added)
	}
	if !slices.Equal(removed, []string{"agent-business"}) {
		t.Errorf("removed: got %v", removed)
	}
	if d.SessionChanged {
		t.Error("unselected persona edits should not change the session")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.ListenAddr = ":9999"
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	new.Provider.Name = "genai-live"
	new.Audio.OutboundQueue = 8
	new.Reconnect.Enabled = true

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "server.tls", "provider", "audio", "reconnect"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, want)
	}
	if d.HotReloadable() {
		t.Error("restart-only changes should not be hot-reloadable")
	}
}
