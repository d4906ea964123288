// Package app wires the nexuslive subsystems into a running service.
//
// New builds the session manager, status hub, optional reconnector and the
// HTTP control surface from a [config.Config]. Run serves until its context
// is cancelled; Shutdown hangs up the call and releases everything in order.
//
// For testing, inject doubles via functional options (WithGetenv,
// WithMetrics, WithMetricsHandler, ...) and drive [App.Handler] through
// httptest.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nexuslive/internal/config"
	"github.com/MrWong99/nexuslive/internal/health"
	"github.com/MrWong99/nexuslive/internal/observe"
	"github.com/MrWong99/nexuslive/internal/session"
	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// shutdownGrace bounds how long in-flight HTTP requests get once Run's
// context is cancelled.
const shutdownGrace = 5 * time.Second

// App owns the lifetimes of the call manager and the control server.
type App struct {
	provider s2s.Provider
	device   audio.Device

	manager     *session.Manager
	hub         *StatusHub
	reconnector *session.Reconnector
	health      *health.Handler
	watcher     *config.Watcher
	server      *http.Server

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	getenv         func(string) string
	terminal       io.Writer
	observer       session.Observer
	originPatterns []string

	cfgMu    sync.RWMutex
	cfg      *config.Config
	selected string // persona picked through the API; overrides cfg until reload

	closing chan struct{}

	listening chan struct{}
	addr      net.Addr

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar hands the logger's level to the app so log_level can be
// hot-reloaded.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithGetenv overrides environment lookups for the credential. Defaults to
// [os.Getenv].
func WithGetenv(fn func(string) string) Option {
	return func(a *App) { a.getenv = fn }
}

// WithTerminal sets where status lines are printed. Defaults to stdout; nil
// disables printing.
func WithTerminal(w io.Writer) Option {
	return func(a *App) { a.terminal = w }
}

// WithObserver registers an additional status observer.
func WithObserver(obs session.Observer) Option {
	return func(a *App) { a.observer = obs }
}

// WithWatcher attaches a config watcher. Run polls it and applies changes
// through [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithOriginPatterns allows cross-origin WebSocket clients on /v1/call/events.
func WithOriginPatterns(patterns ...string) Option {
	return func(a *App) { a.originPatterns = patterns }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires the app. provider and device are required.
func New(cfg *config.Config, provider s2s.Provider, device audio.Device, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if provider == nil {
		return nil, errors.New("app: s2s provider is required")
	}
	if device == nil {
		return nil, errors.New("app: audio device is required")
	}

	a := &App{
		cfg:       cfg,
		provider:  provider,
		device:    device,
		getenv:    os.Getenv,
		terminal:  os.Stdout,
		listening: make(chan struct{}),
		closing:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(cfg.Server.LogLevel.Slog())

	// ── 1. Status hub + manager ──────────────────────────────────────────
	a.hub = NewStatusHub(a.terminal)
	a.manager = session.NewManager(session.ManagerConfig{
		Provider:      provider,
		ProviderName:  cfg.Provider.Name,
		Device:        device,
		Observer:      session.Observers(a.hub, a.observer),
		Session:       cfg.SessionConfig(),
		APIKeyEnv:     cfg.Provider.APIKeyEnv,
		Getenv:        a.getenv,
		OutboundQueue: cfg.Audio.OutboundQueue,
		MaxLookahead:  cfg.Audio.MaxLookahead,
		Metrics:       a.metrics,
	})
	a.hub.errFn = a.manager.Err

	// ── 2. Reconnector ───────────────────────────────────────────────────
	if rc := cfg.Reconnect; rc.Enabled {
		a.reconnector = session.NewReconnector(session.ReconnectorConfig{
			Target:     a.manager,
			MaxRetries: rc.MaxRetries,
			Backoff:    rc.Backoff,
			MaxBackoff: rc.MaxBackoff,
			OnGiveUp: func(err error) {
				slog.Error("reconnect: giving up, call stays down", "err", err)
			},
		})
		a.hub.Forward(a.reconnector)
	}

	// ── 3. Health ────────────────────────────────────────────────────────
	a.health = health.New([]health.Checker{
		{Name: "credential", Check: a.checkCredential},
	},
		health.WithInfo("call", func() any { return a.hub.Last().Status }),
		health.WithInfo("provider", func() any { return a.Config().Provider.Name }),
	)

	// ── 4. HTTP server ───────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Manager returns the call manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Persona returns the persona the next call speaks as, or "" for none.
func (a *App) Persona() string {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	if a.selected != "" {
		return a.selected
	}
	return a.cfg.Session.Persona
}

func (a *App) selectPersona(id string) error {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	cfg := *a.cfg
	if _, ok := cfg.Persona(id); !ok {
		return fmt.Errorf("unknown persona %q", id)
	}
	cfg.Session.Persona = id
	cfg.Session.Voice = ""
	a.manager.UpdateSession(cfg.SessionConfig())
	a.selected = id
	return nil
}

// Addr returns the server's listening address once Run has bound it, or nil.
func (a *App) Addr() net.Addr {
	select {
	case <-a.listening:
		return a.addr
	default:
		return nil
	}
}

func (a *App) checkCredential(context.Context) error {
	name := a.Config().Provider.APIKeyEnv
	if a.getenv(name) == "" {
		return fmt.Errorf("%s is not set", name)
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API until ctx is cancelled, then drains the server.
// It also runs the config watcher and the reconnector, and starts a call
// right away when server.autoconnect is set.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", cfg.Server.ListenAddr, err)
	}
	a.addr = ln.Addr()
	close(a.listening)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			slog.Info("control server listening", "addr", a.addr.String(), "tls", true)
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("control server listening", "addr", a.addr.String())
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.reconnector != nil {
		a.reconnector.Monitor(gctx)
	}
	if cfg.Server.Autoconnect {
		g.Go(func() error {
			slog.Info("autoconnect: starting call")
			a.manager.Connect(gctx)
			return nil
		})
	}

	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of new. The log level changes
// immediately; session changes apply to the next call. Anything else is
// logged as needing a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	a.cfgMu.Lock()
	a.cfg = new
	if d.SessionChanged {
		a.selected = ""
	}
	a.cfgMu.Unlock()

	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		sc := new.SessionConfig()
		a.manager.UpdateSession(sc)
		slog.Info("config reload: session settings apply to the next call",
			"persona", new.Session.Persona,
			"voice", sc.Voice,
		)
	}
	for _, pc := range d.PersonaChanges {
		slog.Debug("config reload: persona changed", "id", pc.ID, "added", pc.Added, "removed", pc.Removed)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops reconnecting and hangs up the call. If ctx expires first the
// context error is returned and the hang-up keeps running in the background.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		close(a.closing)

		if a.reconnector != nil {
			a.reconnector.Stop()
		}
		if a.watcher != nil {
			a.watcher.Stop()
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			a.manager.Disconnect()
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while hanging up")
			shutdownErr = ctx.Err()
			return
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
