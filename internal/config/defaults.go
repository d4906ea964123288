package config

import (
	"fmt"
	"strings"

	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultProviderName = "gemini-live"
	DefaultAPIKeyEnv    = "API_KEY"

	// DefaultInstructions is the moderator prompt used when neither
	// session.instructions nor session.persona is set.
	DefaultInstructions = "Tu es un modérateur expert en business et stratégie. " +
		"Tu facilites une session de brainstorming vocal avec un entrepreneur. " +
		"Tu parles français. Sois concis, encourageant et pertinent."
)

// DefaultPersonas is the built-in expert panel.
var DefaultPersonas = []PersonaConfig{
	{
		ID:          "agent-business",
		Name:        "Marc Sterling",
		Role:        "Stratège Business",
		Specialty:   "Stratégie Business",
		Personality: "Analytique, direct, focalisé sur le ROI. Pose toujours des questions sur la monétisation et la scalabilité.",
		Voice:       string(s2s.VoiceFenrir),
	},
	{
		ID:          "agent-marketing",
		Name:        "Chloé Vane",
		Role:        "Responsable Growth",
		Specialty:   "Marketing & Croissance",
		Personality: "Créative, énergique, à l'affût des tendances. Se concentre sur la viralité, l'image de marque et l'acquisition utilisateur.",
		Voice:       string(s2s.VoiceKore),
	},
	{
		ID:          "agent-product",
		Name:        "David Chen",
		Role:        "Lead Produit",
		Specialty:   "Produit & UX",
		Personality: "Centré utilisateur, empathique, soucieux du détail. Obsédé par les parcours UX et le périmètre MVP.",
		Voice:       string(s2s.VoicePuck),
	},
}

// ApplyDefaults fills every unset field of cfg with its default. Explicit
// values are left untouched.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProviderName
	}
	if cfg.Provider.APIKeyEnv == "" {
		cfg.Provider.APIKeyEnv = DefaultAPIKeyEnv
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = s2s.DefaultModel
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = s2s.OutputSampleRate
	}
	if len(cfg.Personas) == 0 {
		cfg.Personas = append([]PersonaConfig(nil), DefaultPersonas...)
	}
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// SessionConfig resolves the transport configuration for the next call.
// A selected persona contributes its voice and an instruction built from its
// profile; an explicit session.voice still wins.
func (c *Config) SessionConfig() s2s.SessionConfig {
	sc := s2s.SessionConfig{
		Model:        c.Provider.Model,
		Voice:        s2s.Voice(c.Session.Voice),
		Language:     c.Session.Language,
		Instructions: c.Session.Instructions,
	}
	if p, ok := c.Persona(c.Session.Persona); ok && c.Session.Persona != "" {
		sc.Instructions = PersonaInstructions(p)
		if sc.Voice == "" {
			sc.Voice = s2s.Voice(p.Voice)
		}
	}
	if sc.Instructions == "" {
		sc.Instructions = DefaultInstructions
	}
	return sc.WithDefaults()
}

// PersonaInstructions renders the system instruction that makes the model
// speak as p.
func PersonaInstructions(p PersonaConfig) string {
	var b strings.Builder
	b.WriteString("Tu participes à une session de brainstorming vocal avec un entrepreneur (en français).\n\n")
	b.WriteString("Ton profil :\n")
	fmt.Fprintf(&b, "Nom : %s\n", p.Name)
	if p.Role != "" {
		fmt.Fprintf(&b, "Rôle : %s\n", p.Role)
	}
	if p.Specialty != "" {
		fmt.Fprintf(&b, "Spécialité : %s\n", p.Specialty)
	}
	if p.Personality != "" {
		fmt.Fprintf(&b, "Personnalité : %s\n", p.Personality)
	}
	b.WriteString("\nInstructions :\n")
	b.WriteString("1. Réponds brièvement (2 ou 3 phrases) en t'appuyant sur ton expertise.\n")
	b.WriteString("2. Reste strictement dans ton personnage.\n")
	b.WriteString("3. Parle en français.")
	return b.String()
}
