package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// ValidProviderNames lists the provider names shipped with nexuslive.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "genai-live"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default config.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	validateProviderName(cfg.Provider.Name)

	// Session
	if cfg.Session.Voice != "" && !s2s.Voice(cfg.Session.Voice).IsValid() {
		errs = append(errs, fmt.Errorf("session.voice %q is invalid; valid values: %v", cfg.Session.Voice, s2s.Voices))
	}
	if cfg.Session.Persona != "" {
		if _, ok := cfg.Persona(cfg.Session.Persona); !ok {
			errs = append(errs, fmt.Errorf("session.persona %q does not match any personas[].id", cfg.Session.Persona))
		}
		if cfg.Session.Instructions != "" {
			slog.Warn("session.instructions is ignored because session.persona is set", "persona", cfg.Session.Persona)
		}
	}

	// Audio
	if cfg.Audio.OutputSampleRate < 0 || (cfg.Audio.OutputSampleRate > 0 && cfg.Audio.OutputSampleRate < 8000) {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is out of range; must be at least 8000", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must not be negative", cfg.Audio.FramesPerBuffer))
	}
	if cfg.Audio.OutboundQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.outbound_queue %d must not be negative", cfg.Audio.OutboundQueue))
	}
	if cfg.Audio.MaxLookahead < 0 {
		errs = append(errs, fmt.Errorf("audio.max_lookahead %v must not be negative", cfg.Audio.MaxLookahead))
	}

	// Reconnect
	if cfg.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must not be negative", cfg.Reconnect.MaxRetries))
	}
	if cfg.Reconnect.Backoff < 0 || cfg.Reconnect.MaxBackoff < 0 {
		errs = append(errs, errors.New("reconnect.backoff and reconnect.max_backoff must not be negative"))
	}
	if cfg.Reconnect.MaxBackoff > 0 && cfg.Reconnect.Backoff > cfg.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("reconnect.backoff %v exceeds reconnect.max_backoff %v", cfg.Reconnect.Backoff, cfg.Reconnect.MaxBackoff))
	}

	// Personas
	idsSeen := make(map[string]int, len(cfg.Personas))
	for i, p := range cfg.Personas {
		prefix := fmt.Sprintf("personas[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of personas[%d]", prefix, p.ID, prev))
			}
			idsSeen[p.ID] = i
		}
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if p.Voice != "" && !s2s.Voice(p.Voice).IsValid() {
			errs = append(errs, fmt.Errorf("%s.voice %q is invalid; valid values: %v", prefix, p.Voice, s2s.Voices))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
