// Command nexuslive runs a realtime voice call between the local microphone
// and speaker and a live speech-to-speech model, controlled over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/nexuslive/internal/app"
	"github.com/MrWong99/nexuslive/internal/config"
	"github.com/MrWong99/nexuslive/internal/observe"
	"github.com/MrWong99/nexuslive/pkg/audio/local"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s/gemini"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s/genailive"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (built-in defaults when empty)")
	listenAddr := flag.String("listen", "", "override server.listen_addr")
	autoconnect := flag.Bool("autoconnect", false, "start a call as soon as the server is up")
	persona := flag.String("persona", "", "override session.persona")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	// A .env file next to the binary may hold the API key.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "nexuslive: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	var watcher *config.Watcher
	cfg := config.Default()
	if *configPath != "" {
		var err error
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			application.ApplyConfig(old, new)
		})
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "nexuslive: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "nexuslive: %v\n", err)
			}
			return 1
		}
		loaded := *watcher.Current()
		cfg = &loaded
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *autoconnect {
		cfg.Server.Autoconnect = true
	}
	if *persona != "" {
		cfg.Session.Persona = *persona
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "nexuslive: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("nexuslive starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(ctx, observe.TelemetryConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		slog.Error("failed to create provider", "name", cfg.Provider.Name, "registered", reg.S2SNames(), "err", err)
		return 1
	}

	// ── Audio device ──────────────────────────────────────────────────────────
	device, err := local.Open(
		local.WithOutputRate(cfg.Audio.OutputSampleRate),
		local.WithFramesPerBuffer(cfg.Audio.FramesPerBuffer),
	)
	if err != nil {
		slog.Error("failed to open audio device", "err", err)
		return 1
	}
	defer func() {
		if err := device.Close(); err != nil {
			slog.Warn("audio device close error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err = app.New(cfg, provider, device,
		app.WithLevelVar(level),
		app.WithWatcher(watcher),
		app.WithMetrics(telemetry.Metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the live transports that ship with nexuslive.
func registerBuiltinProviders(reg *config.Registry) {
	// Raw BidiGenerateContent protocol over a WebSocket.
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(opts...), nil
	})

	// The same API through the Google Gen AI SDK.
	reg.RegisterS2S("genai-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []genailive.Option
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		return genailive.New(opts...), nil
	})

	for _, name := range reg.S2SNames() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	sc := cfg.SessionConfig()
	persona := cfg.Session.Persona
	if persona == "" {
		persona = "(moderator)"
	}
	autoconnect := "off"
	if cfg.Server.Autoconnect {
		autoconnect = "on"
	}
	reconnect := "off"
	if cfg.Reconnect.Enabled {
		reconnect = "on"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       nexuslive: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name)
	printRow("Model", sc.Model)
	printRow("Voice", string(sc.Voice))
	printRow("Persona", persona)
	printRow("Credential", "$"+cfg.Provider.APIKeyEnv)
	printRow("Speaker rate", fmt.Sprintf("%d Hz", cfg.Audio.OutputSampleRate))
	printRow("Autoconnect", autoconnect)
	printRow("Reconnect", reconnect)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}
