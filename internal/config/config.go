// Package config provides the configuration schema, loader, and provider registry
// for the nexuslive voice-call service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the nexuslive server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the matching [slog.Level]. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for nexuslive.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderEntry   `yaml:"provider"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Personas  []PersonaConfig `yaml:"personas"`
}

// ServerConfig holds network and logging settings for the control server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// Autoconnect starts a call as soon as the server is up.
	Autoconnect bool `yaml:"autoconnect"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the live speech-to-speech backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// ("gemini-live" or "genai-live").
	Name string `yaml:"name"`

	// APIKeyEnv names the environment variable that holds the API key. The
	// key itself never lives in the config file and is read on every connect.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects the live model.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig shapes the conversation the model holds. Hot-reloadable;
// changes apply to the next call.
type SessionConfig struct {
	// Voice is the prebuilt voice name. Empty means the persona's voice, or
	// the provider default.
	Voice string `yaml:"voice"`

	// Language is the BCP-47 speech language code (e.g., "fr-FR").
	Language string `yaml:"language"`

	// Instructions is the system instruction. Ignored when Persona is set.
	Instructions string `yaml:"instructions"`

	// Persona selects an entry of [Config.Personas] by ID.
	Persona string `yaml:"persona"`
}

// AudioConfig holds device and buffering settings.
type AudioConfig struct {
	// OutputSampleRate is the speaker stream rate in Hz.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FramesPerBuffer is the speaker callback size.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// OutboundQueue bounds capture frames waiting for the network.
	OutboundQueue int `yaml:"outbound_queue"`

	// MaxLookahead bounds queued model audio (e.g., "60s"). "0s" applies the
	// built-in default.
	MaxLookahead time.Duration `yaml:"max_lookahead"`
}

// ReconnectConfig controls automatic reconnection after transport errors.
type ReconnectConfig struct {
	// Enabled turns the reconnector on. Off by default.
	Enabled bool `yaml:"enabled"`

	// MaxRetries is the number of consecutive attempts before giving up.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the delay before the first attempt.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// PersonaConfig describes one expert the model can play.
type PersonaConfig struct {
	// ID is the stable key referenced by session.persona.
	ID string `yaml:"id" json:"id"`

	// Name is the display name (e.g., "Marc Sterling").
	Name string `yaml:"name" json:"name"`

	// Role is the job title.
	Role string `yaml:"role" json:"role"`

	// Specialty is the area of expertise.
	Specialty string `yaml:"specialty" json:"specialty"`

	// Personality is a free-text description injected into the instruction.
	Personality string `yaml:"personality" json:"personality"`

	// Voice is the prebuilt voice this persona speaks with.
	Voice string `yaml:"voice" json:"voice"`
}

// Persona returns the persona with the given ID.
func (c *Config) Persona(id string) (PersonaConfig, bool) {
	for _, p := range c.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return PersonaConfig{}, false
}
