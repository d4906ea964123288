// Package session runs a realtime voice call against a live speech-to-speech
// model.
//
// A [Manager] owns at most one live call at a time. Connect acquires the
// shared audio output, the microphone and a transport session, then wires
// capture → outbound queue → transport and transport → decoder → playback
// scheduler. Disconnect tears all of it down in a fixed order. Every state
// change is pushed to an [Observer]; the Manager never returns errors to its
// caller and keeps the last failure available through [Manager.Err].
//
// A [Reconnector] can be attached as an observer to retry after transport
// errors. Without it the Manager never reconnects on its own.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/nexuslive/internal/observe"
	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/audio/capture"
	"github.com/MrWong99/nexuslive/pkg/audio/playback"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// DefaultAPIKeyEnv is the environment variable read for the credential when
// [ManagerConfig.APIKeyEnv] is empty.
const DefaultAPIKeyEnv = "API_KEY"

// ErrMissingCredential is recorded when the credential variable is unset.
var ErrMissingCredential = errors.New("session: missing API credential")

// ErrHandshakeRejected is recorded when the endpoint closes the transport
// before accepting the session setup.
var ErrHandshakeRejected = errors.New("session: handshake rejected")

// ManagerConfig holds the collaborators and settings for a [Manager].
type ManagerConfig struct {
	// Provider opens transport sessions. Required.
	Provider s2s.Provider

	// ProviderName labels provider metrics. Optional.
	ProviderName string

	// Device opens the speaker and microphone. Required.
	Device audio.Device

	// Observer receives every status change. May be nil.
	Observer Observer

	// Session is the transport configuration used by Connect. The APIKey
	// field is ignored; the key is read from the environment on each call.
	Session s2s.SessionConfig

	// APIKeyEnv names the environment variable holding the credential.
	// Defaults to [DefaultAPIKeyEnv].
	APIKeyEnv string

	// Getenv looks up environment variables. Defaults to [os.Getenv].
	Getenv func(string) string

	// OutboundQueue bounds the frames waiting for the transport. Defaults to
	// [DefaultOutboundQueue].
	OutboundQueue int

	// MaxLookahead bounds queued playback audio. Zero selects
	// [playback.DefaultMaxLookahead]; a negative value disables the bound.
	MaxLookahead time.Duration

	// Metrics records session metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager orchestrates one voice call at a time. All methods are safe for
// concurrent use.
type Manager struct {
	provider     s2s.Provider
	providerName string
	device       audio.Device
	observer     Observer
	apiKeyEnv    string
	getenv       func(string) string
	queueSize    int
	maxLookahead time.Duration
	metrics      *observe.Metrics

	// opMu serialises the bookkeeping phases of Connect and Disconnect so a
	// Connect cannot slip its "connecting" between a Disconnect's release and
	// its "disconnected".
	opMu sync.Mutex

	mu      sync.Mutex
	cfg     s2s.SessionConfig
	gen     uint64
	live    *liveSession
	status  Status
	lastErr error

	// emitMu is taken before mu is released so observers see notifications
	// in the order the state changed.
	emitMu sync.Mutex
}

// liveSession is everything acquired for one connect cycle. Fields other
// than the channels are guarded by Manager.mu until closing is set, after
// which only the goroutine that set it touches them.
type liveSession struct {
	gen     uint64
	started time.Time

	ctx    context.Context // lives until release
	cancel context.CancelFunc

	dialCancel context.CancelFunc

	output   audio.Output
	source   audio.Source
	handle   s2s.SessionHandle
	pipeline *capture.Pipeline
	queue    *outbound
	player   *playback.Scheduler

	speakTimer *time.Timer
	opened     bool
	closing    bool
	released   chan struct{}
}

// NewManager creates an idle Manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		provider:     cfg.Provider,
		providerName: cfg.ProviderName,
		device:       cfg.Device,
		observer:     cfg.Observer,
		apiKeyEnv:    cfg.APIKeyEnv,
		getenv:       cfg.Getenv,
		queueSize:    cfg.OutboundQueue,
		maxLookahead: cfg.MaxLookahead,
		metrics:      cfg.Metrics,
		cfg:          cfg.Session,
	}
	if m.observer == nil {
		m.observer = ObserverFunc(func(Status) {})
	}
	if m.apiKeyEnv == "" {
		m.apiKeyEnv = DefaultAPIKeyEnv
	}
	if m.getenv == nil {
		m.getenv = os.Getenv
	}
	if m.queueSize <= 0 {
		m.queueSize = DefaultOutboundQueue
	}
	if m.maxLookahead == 0 {
		m.maxLookahead = playback.DefaultMaxLookahead
	} else if m.maxLookahead < 0 {
		m.maxLookahead = 0
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.providerName == "" {
		m.providerName = "s2s"
	}
	return m
}

// UpdateSession replaces the transport configuration used by the next
// Connect. A live call keeps its current configuration.
func (m *Manager) UpdateSession(cfg s2s.SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// SessionConfig returns the configuration the next Connect will use.
func (m *Manager) SessionConfig() s2s.SessionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Err returns the failure that ended the most recent cycle, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Status returns the most recently reported status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ── Connect ────────────────────────────────────────────────────────────────────

// Connect starts a new call. It returns once the transport handshake has been
// initiated; "connected" is reported asynchronously when the model accepts the
// session. Failures are reported as [StatusError] and recorded for [Manager.Err].
//
// Connect is a no-op while a call is connecting or live and then reports
// false; otherwise it reports true, also when the attempt fails. ctx bounds
// device acquisition and the handshake only; the call itself outlives it.
func (m *Manager) Connect(ctx context.Context) bool {
	ls, cfg, busy := m.begin(ctx)
	if ls == nil {
		return !busy
	}
	ctx, span := observe.StartConnectSpan(ctx, m.providerName, cfg.Model, string(cfg.Voice), ls.gen)
	var err error
	defer func() { observe.EndSpan(span, err) }()
	log := observe.CallLogger(ctx, ls.gen)

	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()
	m.mu.Lock()
	ls.dialCancel = dialCancel
	m.mu.Unlock()

	out, err := m.device.OpenOutput(dialCtx)
	if err != nil {
		err = fmt.Errorf("session: open output: %w", err)
		m.fail(ls, err)
		return true
	}
	player := playback.New(out, playback.WithMaxLookahead(m.maxLookahead))
	if !m.attach(ls, func() { ls.output, ls.player = out, player }) {
		_ = out.Close()
		return true
	}

	src, err := m.device.OpenInput(dialCtx, capture.BlockSize)
	if err != nil {
		err = fmt.Errorf("session: open microphone: %w", err)
		m.fail(ls, err)
		return true
	}
	queue := newOutbound(m.queueSize,
		func() { m.metrics.FramesSent.Add(context.Background(), 1) },
		func(reason string) { m.metrics.RecordFrameDropped(context.Background(), "outbound", reason) },
	)
	pipeline := capture.New(src, queue.push, capture.WithTargetRate(s2s.InputSampleRate))
	if !m.attach(ls, func() { ls.source, ls.queue, ls.pipeline = src, queue, pipeline }) {
		_ = src.Close()
		return true
	}

	handle, err := m.provider.Connect(dialCtx, cfg, m.callbacks(ls))
	if err != nil {
		err = fmt.Errorf("session: connect transport: %w", err)
		m.metrics.RecordConnect(ctx, time.Since(ls.started).Seconds(), "error")
		m.fail(ls, err)
		return true
	}
	if !m.attach(ls, func() { ls.handle = handle }) {
		_ = handle.Close()
		return true
	}
	queue.start(handle)

	log.Debug("session: transport handshake started",
		"model", cfg.Model,
		"voice", cfg.Voice,
		"mic_rate", src.SampleRate(),
	)
	return true
}

// begin registers a new cycle and reports "connecting". It returns a nil
// session when no cycle was started; busy tells whether that is because a
// call is already active.
func (m *Manager) begin(ctx context.Context) (ls *liveSession, cfg s2s.SessionConfig, busy bool) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.live != nil {
		status := m.status
		m.mu.Unlock()
		slog.Warn("session: connect ignored, a call is already active", "status", status)
		return nil, cfg, true
	}

	key := m.getenv(m.apiKeyEnv)
	if key == "" {
		m.lastErr = fmt.Errorf("%w: %s is not set", ErrMissingCredential, m.apiKeyEnv)
		slog.Error("session: cannot connect", "err", m.lastErr)
		m.transitionLocked(StatusError)
		return nil, cfg, false
	}

	cfg = m.cfg.WithDefaults()
	cfg.APIKey = key

	m.gen++
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ls = &liveSession{
		gen:      m.gen,
		started:  time.Now(),
		ctx:      lctx,
		cancel:   cancel,
		released: make(chan struct{}),
	}
	m.live = ls
	m.lastErr = nil
	m.transitionLocked(StatusConnecting)
	return ls, cfg, false
}

// attach runs set under the lock if ls is still the current, non-closing
// cycle. When it reports false the caller owns whatever it just acquired.
func (m *Manager) attach(ls *liveSession, set func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != ls || ls.closing {
		return false
	}
	set()
	return true
}

// fail ends the cycle with err unless someone else is already tearing it down.
func (m *Manager) fail(ls *liveSession, err error) {
	m.mu.Lock()
	if !m.claimLocked(ls) {
		m.mu.Unlock()
		slog.Debug("session: dropping failure of a superseded cycle", "err", err)
		return
	}
	m.mu.Unlock()
	slog.Error("session: call failed", "session_gen", ls.gen, "err", err)
	m.finish(ls, StatusError, err)
}

// ── Disconnect ─────────────────────────────────────────────────────────────────

// Disconnect ends the current call, if any, and reports
// [StatusDisconnected]. It never fails and may be called at any time, any
// number of times.
func (m *Manager) Disconnect() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	ls := m.live
	switch {
	case ls == nil:
	case ls.closing:
		// A transport callback is already tearing down; wait so that
		// "disconnected" is the last word.
		m.mu.Unlock()
		<-ls.released
		m.mu.Lock()
	default:
		ls.closing = true
		m.mu.Unlock()
		m.finish(ls, StatusDisconnected, nil)
		return
	}
	m.transitionLocked(StatusDisconnected)
}

// claimLocked marks ls as closing. It reports whether the caller won the
// right to tear it down. m.mu must be held.
func (m *Manager) claimLocked(ls *liveSession) bool {
	if m.live != ls || ls.closing {
		return false
	}
	ls.closing = true
	return true
}

// finish releases ls, then clears it and reports final. The caller must have
// claimed ls.
func (m *Manager) finish(ls *liveSession, final Status, err error) {
	m.release(ls)
	close(ls.released)

	m.mu.Lock()
	if m.live == ls {
		m.live = nil
	}
	if err != nil {
		m.lastErr = err
	}
	m.transitionLocked(final)
}

// release frees the resources of ls in dependency order: transport first so
// nothing new arrives, then capture, then playback, and the shared output
// last.
func (m *Manager) release(ls *liveSession) {
	m.mu.Lock()
	if ls.speakTimer != nil {
		ls.speakTimer.Stop()
	}
	if ls.dialCancel != nil {
		ls.dialCancel()
	}
	handle, source, pipeline, queue, player, output := ls.handle, ls.source, ls.pipeline, ls.queue, ls.player, ls.output
	opened := ls.opened
	m.mu.Unlock()

	ls.cancel()

	if handle != nil {
		if err := handle.Close(); err != nil {
			slog.Warn("session: failed to close transport", "session_gen", ls.gen, "err", err)
		}
	}
	if source != nil {
		if err := source.Close(); err != nil {
			slog.Warn("session: failed to close microphone", "session_gen", ls.gen, "err", err)
		}
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	if queue != nil {
		queue.close()
	}
	if player != nil {
		player.Stop()
	}
	if output != nil {
		if err := output.Close(); err != nil {
			slog.Warn("session: failed to close audio output", "session_gen", ls.gen, "err", err)
		}
	}
	if opened {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	var frames int64
	if pipeline != nil {
		frames = pipeline.Frames()
	}
	slog.Debug("session: released call resources",
		"session_gen", ls.gen,
		"frames_captured", frames,
		"duration", time.Since(ls.started),
	)
}

// ── Status ─────────────────────────────────────────────────────────────────────

// transitionLocked records s and notifies the observer. It must be called
// with m.mu held and returns with m.mu released.
func (m *Manager) transitionLocked(s Status) {
	m.status = s
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()

	m.metrics.RecordStatus(context.Background(), s.String())
	m.observer.OnStatus(s)
}

// ── Transport callbacks ────────────────────────────────────────────────────────

func (m *Manager) callbacks(ls *liveSession) s2s.Callbacks {
	return s2s.Callbacks{
		OnOpen:    func() { m.onOpen(ls) },
		OnMessage: func(msg s2s.Message) { m.onMessage(ls, msg) },
		OnClose:   func(reason string) { m.onClose(ls, reason) },
		OnError:   func(err error) { m.onError(ls, err) },
	}
}

func (m *Manager) current(ls *liveSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live == ls && !ls.closing
}

func (m *Manager) onOpen(ls *liveSession) {
	m.mu.Lock()
	if m.live != ls || ls.closing || ls.opened {
		m.mu.Unlock()
		return
	}
	ls.opened = true
	pipeline := ls.pipeline
	m.metrics.RecordConnect(ls.ctx, time.Since(ls.started).Seconds(), "open")
	m.metrics.ActiveSessions.Add(ls.ctx, 1)
	slog.Info("session: connected", "session_gen", ls.gen, "handshake", time.Since(ls.started))
	m.transitionLocked(StatusConnected)

	// A Disconnect racing in here has already stopped the pipeline, which
	// turns Start into a no-op.
	pipeline.Start(ls.ctx)
}

func (m *Manager) onMessage(ls *liveSession, msg s2s.Message) {
	if msg.ServerContent == nil || !m.current(ls) {
		return
	}
	if msg.ServerContent.Interrupted {
		ls.player.Flush()
		slog.Debug("session: model interrupted, flushed playback", "session_gen", ls.gen)
		m.settleSpeaking(ls)
	}

	for _, blob := range msg.AudioParts() {
		data, err := audio.DecodeBase64(blob.Data)
		if err != nil {
			m.metrics.RecordFrameDropped(ls.ctx, "inbound", observe.DropDecode)
			slog.Debug("session: ignoring undecodable audio part", "session_gen", ls.gen, "err", err)
			continue
		}
		samples := audio.DecodePCM16(data)
		if len(samples) == 0 {
			continue
		}
		buf := audio.Buffer{
			Samples:    samples,
			SampleRate: audio.RateFromMIME(blob.MIMEType, s2s.OutputSampleRate),
		}
		if _, err := ls.player.Enqueue(buf); err != nil {
			if errors.Is(err, playback.ErrStopped) {
				return
			}
			reason := observe.DropLookahead
			if !errors.Is(err, playback.ErrLookaheadExceeded) {
				reason = "schedule"
				slog.Warn("session: failed to schedule model audio", "session_gen", ls.gen, "err", err)
			}
			m.metrics.RecordFrameDropped(ls.ctx, "inbound", reason)
			continue
		}
		m.metrics.AudioReceived.Add(ls.ctx, buf.Duration().Seconds())
		m.metrics.PlaybackLookahead.Record(ls.ctx, ls.player.Lookahead().Seconds())
		m.markSpeaking(ls)
	}
}

// markSpeaking reports "speaking" and arms the timer that reports
// "connected" once the queued audio has played out.
func (m *Manager) markSpeaking(ls *liveSession) {
	m.mu.Lock()
	if m.live != ls || ls.closing {
		m.mu.Unlock()
		return
	}
	m.armSpeakTimerLocked(ls, ls.player.Lookahead())
	if m.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(StatusSpeaking)
}

func (m *Manager) armSpeakTimerLocked(ls *liveSession, d time.Duration) {
	if ls.speakTimer == nil {
		ls.speakTimer = time.AfterFunc(d, func() { m.settleSpeaking(ls) })
		return
	}
	ls.speakTimer.Reset(d)
}

// settleSpeaking reports "connected" if nothing is left to play, or re-arms
// the timer for the remainder.
func (m *Manager) settleSpeaking(ls *liveSession) {
	m.mu.Lock()
	if m.live != ls || ls.closing || m.status != StatusSpeaking {
		m.mu.Unlock()
		return
	}
	if rest := ls.player.Lookahead(); rest > 0 {
		m.armSpeakTimerLocked(ls, rest)
		m.mu.Unlock()
		return
	}
	m.transitionLocked(StatusConnected)
}

// onClose ends the call. A close before the handshake completed is the
// endpoint refusing the session and is reported as an error.
func (m *Manager) onClose(ls *liveSession, reason string) {
	m.mu.Lock()
	if !m.claimLocked(ls) {
		m.mu.Unlock()
		return
	}
	opened := ls.opened
	m.mu.Unlock()
	if !opened {
		err := fmt.Errorf("%w: %s", ErrHandshakeRejected, reason)
		m.metrics.RecordProviderError(ls.ctx, m.providerName, "handshake")
		slog.Error("session: transport closed during handshake", "session_gen", ls.gen, "err", err)
		m.finish(ls, StatusError, err)
		return
	}
	slog.Info("session: transport closed by remote", "session_gen", ls.gen, "reason", reason)
	m.finish(ls, StatusDisconnected, nil)
}

func (m *Manager) onError(ls *liveSession, err error) {
	m.mu.Lock()
	if !m.claimLocked(ls) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.metrics.RecordProviderError(ls.ctx, m.providerName, "transport")
	slog.Error("session: transport error", "session_gen", ls.gen, "err", err)
	m.finish(ls, StatusError, fmt.Errorf("session: transport: %w", err))
}
