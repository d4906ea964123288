package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/nexuslive/internal/observe"
	"github.com/MrWong99/nexuslive/pkg/audio"
	audiomock "github.com/MrWong99/nexuslive/pkg/audio/mock"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
	s2smock "github.com/MrWong99/nexuslive/pkg/provider/s2s/mock"
)

// ── helpers ────────────────────────────────────────────────────────────────────

// statusLog records every notification in order.
type statusLog struct {
	mu   sync.Mutex
	seen []Status
}

func (l *statusLog) OnStatus(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, s)
}

func (l *statusLog) all() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.seen)
}

func (l *statusLog) last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.seen) == 0 {
		return StatusIdle
	}
	return l.seen[len(l.seen)-1]
}

func (l *statusLog) want(t *testing.T, want ...Status) {
	t.Helper()
	if got := l.all(); !slices.Equal(got, want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
}

func (l *statusLog) waitLast(t *testing.T, s Status) {
	t.Helper()
	waitFor(t, "status "+s.String(), func() bool { return l.last() == s })
}

type harness struct {
	m        *Manager
	provider *s2smock.Provider
	device   *audiomock.Device
	output   *audiomock.Output
	source   *audiomock.Source
	log      *statusLog
}

func newHarness(t *testing.T, mutate ...func(*ManagerConfig)) *harness {
	t.Helper()
	h := &harness{
		provider: &s2smock.Provider{},
		output:   &audiomock.Output{},
		source:   audiomock.NewSource(48000, 8),
		log:      &statusLog{},
	}
	h.device = &audiomock.Device{OutputResult: h.output, InputResult: h.source}
	cfg := ManagerConfig{
		Provider: h.provider,
		Device:   h.device,
		Observer: h.log,
		Getenv: func(key string) string {
			if key == DefaultAPIKeyEnv {
				return "test-key"
			}
			return ""
		},
		Session: s2s.SessionConfig{Instructions: "Sei breve."},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.m = NewManager(cfg)
	t.Cleanup(h.m.Disconnect)
	return h
}

// open connects and completes the handshake.
func (h *harness) open(t *testing.T) *s2smock.Session {
	t.Helper()
	h.m.Connect(context.Background())
	sess := h.provider.Last()
	if sess == nil {
		t.Fatal("provider.Connect was not called")
	}
	sess.Open()
	return sess
}

func pcmMessage(samples int) s2s.Message {
	data := audio.EncodeBase64(audio.EncodePCM16(make([]float32, samples)))
	return s2smock.AudioMessage("audio/pcm;rate=24000", data)
}

// ── lifecycle ──────────────────────────────────────────────────────────────────

func TestManager_ConnectThenDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.m.Connect(context.Background())
	h.log.want(t, StatusConnecting)

	calls := h.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider.Connect calls = %d, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want test-key", cfg.APIKey)
	}
	if cfg.Model != s2s.DefaultModel || cfg.Voice != s2s.DefaultVoice {
		t.Errorf("config defaults not applied: %+v", cfg)
	}
	if cfg.Instructions != "Sei breve." {
		t.Errorf("Instructions = %q", cfg.Instructions)
	}
	if got := h.device.OpenInputBlockSizes; len(got) != 1 || got[0] != 4096 {
		t.Errorf("OpenInput block sizes = %v, want [4096]", got)
	}

	h.provider.Last().Open()
	h.log.want(t, StatusConnecting, StatusConnected)

	h.m.Disconnect()
	h.log.want(t, StatusConnecting, StatusConnected, StatusDisconnected)
	if err := h.m.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestManager_MissingCredential(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *ManagerConfig) {
		c.Getenv = func(string) string { return "" }
		c.APIKeyEnv = "NEXUS_KEY"
	})

	if !h.m.Connect(context.Background()) {
		t.Error("a failed attempt still counts as a started cycle")
	}

	h.log.want(t, StatusError)
	if err := h.m.Err(); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("Err() = %v, want ErrMissingCredential", err)
	}
	if h.device.CallCountOpenOutput != 0 || h.device.OpenInputCalls() != 0 {
		t.Error("devices were touched before the credential check")
	}
	if n := len(h.provider.Calls()); n != 0 {
		t.Errorf("provider.Connect calls = %d, want 0", n)
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	t.Run("never connected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.m.Disconnect()
		h.m.Disconnect()
		h.log.want(t, StatusDisconnected, StatusDisconnected)
	})

	t.Run("twice after a call", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		sess := h.open(t)
		h.m.Disconnect()
		h.m.Disconnect()

		if h.log.last() != StatusDisconnected {
			t.Errorf("final status = %v, want disconnected", h.log.last())
		}
		if sess.Closes() != 1 {
			t.Errorf("session Close calls = %d, want 1", sess.Closes())
		}
		if h.output.Closes() != 1 {
			t.Errorf("output Close calls = %d, want 1", h.output.Closes())
		}
		if !h.source.Closed() {
			t.Error("microphone was not released")
		}
	})
}

func TestManager_ConnectWhileLiveIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	if h.m.Connect(context.Background()) {
		t.Error("Connect while live reported a new cycle")
	}
	if h.m.Connect(context.Background()) {
		t.Error("second Connect while live reported a new cycle")
	}

	if n := len(h.provider.Calls()); n != 1 {
		t.Errorf("provider.Connect calls = %d, want 1", n)
	}
	h.log.want(t, StatusConnecting, StatusConnected)
}

func TestManager_AcquisitionFailures(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")

	tests := []struct {
		name         string
		setup        func(*harness)
		wantProvider int
		wantOutClose int
		wantMicClose bool
	}{
		{
			name:  "output unavailable",
			setup: func(h *harness) { h.device.OutputErr = boom },
		},
		{
			name:         "microphone denied",
			setup:        func(h *harness) { h.device.InputErr = boom },
			wantOutClose: 1,
		},
		{
			name:         "handshake rejected",
			setup:        func(h *harness) { h.provider.ConnectErr = boom },
			wantProvider: 1,
			wantOutClose: 1,
			wantMicClose: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			tc.setup(h)

			h.m.Connect(context.Background())

			h.log.want(t, StatusConnecting, StatusError)
			if err := h.m.Err(); !errors.Is(err, boom) {
				t.Errorf("Err() = %v, want wrapped boom", err)
			}
			if n := len(h.provider.Calls()); n != tc.wantProvider {
				t.Errorf("provider.Connect calls = %d, want %d", n, tc.wantProvider)
			}
			if n := h.output.Closes(); n != tc.wantOutClose {
				t.Errorf("output Close calls = %d, want %d", n, tc.wantOutClose)
			}
			if h.source.Closed() != tc.wantMicClose {
				t.Errorf("microphone closed = %v, want %v", h.source.Closed(), tc.wantMicClose)
			}
		})
	}
}

func TestManager_RemoteCloseThenReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	first := h.open(t)

	first.RemoteClose("session expired")
	h.log.want(t, StatusConnecting, StatusConnected, StatusDisconnected)
	if !h.source.Closed() || h.output.Closes() != 1 {
		t.Error("resources not released after remote close")
	}

	h.device.SetInput(audiomock.NewSource(16000, 8))
	h.m.Connect(context.Background())
	second := h.provider.Last()
	if second == first {
		t.Fatal("second Connect reused the first session")
	}
	second.Open()
	h.log.want(t, StatusConnecting, StatusConnected, StatusDisconnected, StatusConnecting, StatusConnected)
}

func TestManager_TransportError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.open(t)

	cause := errors.New("connection reset")
	sess.Fail(cause)

	h.log.want(t, StatusConnecting, StatusConnected, StatusError)
	if err := h.m.Err(); !errors.Is(err, cause) {
		t.Errorf("Err() = %v, want wrapped cause", err)
	}
	if h.output.Closes() != 1 {
		t.Errorf("output Close calls = %d, want 1", h.output.Closes())
	}

	// Disconnect after the error still ends on disconnected.
	h.m.Disconnect()
	if h.log.last() != StatusDisconnected {
		t.Errorf("final status = %v, want disconnected", h.log.last())
	}
}

func TestManager_CloseBeforeOpenIsHandshakeError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.m.Connect(context.Background())
	sess := h.provider.Last()
	if sess == nil {
		t.Fatal("provider.Connect was not called")
	}

	sess.RemoteClose("API key not valid")

	h.log.want(t, StatusConnecting, StatusError)
	err := h.m.Err()
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("Err() = %v, want ErrHandshakeRejected", err)
	}
	if got := err.Error(); got != "session: handshake rejected: API key not valid" {
		t.Errorf("Err() text = %q", got)
	}
	if h.output.Closes() != 1 || !h.source.Closed() {
		t.Error("resources not released after a rejected handshake")
	}
}

func TestManager_ConcurrentConnectStartsOneCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.m.Connect(context.Background()) {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if started != 1 {
		t.Errorf("started cycles = %d, want 1", started)
	}
	if n := len(h.provider.Calls()); n != 1 {
		t.Errorf("provider.Connect calls = %d, want 1", n)
	}
}

// callbackProvider keeps the callbacks of every Connect so tests can fire
// them after the session has been torn down.
type callbackProvider struct {
	s2smock.Provider
	mu  sync.Mutex
	cbs []s2s.Callbacks
}

func (p *callbackProvider) Connect(ctx context.Context, cfg s2s.SessionConfig, cb s2s.Callbacks) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.cbs = append(p.cbs, cb)
	p.mu.Unlock()
	return p.Provider.Connect(ctx, cfg, cb)
}

func TestManager_StaleCallbacksIgnored(t *testing.T) {
	t.Parallel()
	cp := &callbackProvider{}
	h := newHarness(t, func(c *ManagerConfig) { c.Provider = cp })

	h.m.Connect(context.Background())
	h.m.Disconnect()
	stale := cp.cbs[0]

	stale.OnOpen()
	stale.OnMessage(pcmMessage(240))
	stale.OnError(errors.New("late"))
	stale.OnClose("late")

	h.log.want(t, StatusConnecting, StatusDisconnected)
	if n := len(h.output.Calls()); n != 0 {
		t.Errorf("Schedule calls = %d, want 0", n)
	}
	if err := h.m.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

// blockingProvider hangs in Connect until its context is cancelled.
type blockingProvider struct {
	s2smock.Provider
	entered chan struct{}
}

func (p *blockingProvider) Connect(ctx context.Context, _ s2s.SessionConfig, _ s2s.Callbacks) (s2s.SessionHandle, error) {
	close(p.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestManager_DisconnectDuringHandshake(t *testing.T) {
	t.Parallel()
	bp := &blockingProvider{entered: make(chan struct{})}
	h := newHarness(t, func(c *ManagerConfig) { c.Provider = bp })

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		h.m.Connect(context.Background())
	}()
	<-bp.entered

	h.m.Disconnect()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}

	h.log.want(t, StatusConnecting, StatusDisconnected)
	if h.output.Closes() != 1 || !h.source.Closed() {
		t.Error("resources acquired during the handshake were not released")
	}
	if err := h.m.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestManager_UpdateSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.m.UpdateSession(s2s.SessionConfig{Voice: s2s.VoiceFenrir, Language: "fr-FR"})
	h.m.Connect(context.Background())

	calls := h.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider.Connect calls = %d, want 1", len(calls))
	}
	got := calls[0].Cfg
	if got.Voice != s2s.VoiceFenrir || got.Language != "fr-FR" {
		t.Errorf("Connect used %+v, want updated voice and language", got)
	}
	if h.m.SessionConfig().Voice != s2s.VoiceFenrir {
		t.Error("SessionConfig() does not reflect the update")
	}
}

// ── audio paths ────────────────────────────────────────────────────────────────

func TestManager_CaptureFramesAreTagged16k(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.open(t)
	sent := sess.Notify()

	if !h.source.Push(make([]float32, 4800)) {
		t.Fatal("Push failed")
	}
	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame reached the transport")
	}

	in := sess.Inputs()[0]
	if in.Media.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q, want audio/pcm;rate=16000", in.Media.MIMEType)
	}
	raw, err := audio.DecodeBase64(in.Media.Data)
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	// 4800 samples at 48 kHz → 1600 samples at 16 kHz → 3200 bytes.
	if len(raw) != 3200 {
		t.Errorf("frame bytes = %d, want 3200", len(raw))
	}
}

func TestManager_NoCaptureBeforeOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.m.Connect(context.Background())
	sess := h.provider.Last()

	h.source.Push(make([]float32, 4096))
	time.Sleep(20 * time.Millisecond)

	if n := len(sess.Inputs()); n != 0 {
		t.Errorf("sent %d frames before the handshake completed", n)
	}
}

func TestManager_PlaybackIsGapless(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.open(t)

	sess.Deliver(pcmMessage(240)) // 10ms at 24 kHz
	sess.Deliver(pcmMessage(480)) // 20ms
	h.output.SetNow(100 * time.Millisecond)
	sess.Deliver(pcmMessage(240))

	calls := h.output.Calls()
	if len(calls) != 3 {
		t.Fatalf("Schedule calls = %d, want 3", len(calls))
	}
	want := []time.Duration{0, 10 * time.Millisecond, 100 * time.Millisecond}
	for i, c := range calls {
		if c.At != want[i] {
			t.Errorf("buffer %d scheduled at %v, want %v", i, c.At, want[i])
		}
		if c.SampleRate != 24000 {
			t.Errorf("buffer %d rate = %d, want 24000", i, c.SampleRate)
		}
	}
}

func TestManager_IgnoresMessagesWithoutAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.open(t)

	sess.Deliver(s2s.Message{SetupComplete: true})
	sess.Deliver(s2s.Message{ServerContent: &s2s.ServerContent{TurnComplete: true}})
	sess.Deliver(s2smock.AudioMessage("audio/pcm;rate=24000", "%%% not base64"))
	sess.Deliver(s2smock.AudioMessage("audio/pcm;rate=24000", ""))

	if n := len(h.output.Calls()); n != 0 {
		t.Errorf("Schedule calls = %d, want 0", n)
	}
	h.log.want(t, StatusConnecting, StatusConnected)
}

func TestManager_SpeakingDetection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.open(t)

	sess.Deliver(pcmMessage(240))
	sess.Deliver(pcmMessage(240))
	h.log.want(t, StatusConnecting, StatusConnected, StatusSpeaking)

	// Let the output clock pass the queued audio.
	h.output.SetNow(time.Second)
	h.log.waitLast(t, StatusConnected)
	h.log.want(t, StatusConnecting, StatusConnected, StatusSpeaking, StatusConnected)
}

func TestManager_InterruptFlushesPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sess := h.open(t)

	sess.Deliver(pcmMessage(24000)) // one second queued
	sess.Deliver(s2s.Message{ServerContent: &s2s.ServerContent{Interrupted: true}})

	if h.output.Flushes() != 1 {
		t.Errorf("output Flush calls = %d, want 1", h.output.Flushes())
	}
	h.log.want(t, StatusConnecting, StatusConnected, StatusSpeaking, StatusConnected)

	// The next buffer starts at the clock, not after the flushed audio.
	sess.Deliver(pcmMessage(240))
	calls := h.output.Calls()
	if got := calls[len(calls)-1].At; got != 0 {
		t.Errorf("post-interrupt buffer at %v, want 0", got)
	}
}

func TestManager_MaxLookaheadDropsNewest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *ManagerConfig) { c.MaxLookahead = 15 * time.Millisecond })
	sess := h.open(t)

	for range 3 {
		sess.Deliver(pcmMessage(240))
	}

	if n := len(h.output.Calls()); n != 2 {
		t.Errorf("Schedule calls = %d, want 2", n)
	}
}

func TestManager_RecordsMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newHarness(t, func(c *ManagerConfig) { c.Metrics = met })
	sess := h.open(t)
	sent := sess.Notify()
	h.source.Push(make([]float32, 4096))
	<-sent
	h.m.Disconnect()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{
		"nexuslive.capture.frames_sent",
		"nexuslive.session.status_transitions",
		"nexuslive.session.connect.duration",
		"nexuslive.active_sessions",
	} {
		if !names[want] {
			t.Errorf("metric %q was not recorded", want)
		}
	}
}

// ── outbound queue ─────────────────────────────────────────────────────────────

func TestOutbound_DropsOldest(t *testing.T) {
	t.Parallel()
	var drops []string
	q := newOutbound(2, nil, func(reason string) { drops = append(drops, reason) })

	for i := range 3 {
		q.push(audio.Frame{Data: []byte{byte(i)}, SampleRate: 16000, Channels: 1})
	}
	if len(drops) != 1 || drops[0] != observe.DropQueueFull {
		t.Fatalf("drops = %v, want one queue_full", drops)
	}
	if q.depth() != 2 {
		t.Fatalf("depth = %d, want 2", q.depth())
	}

	p := &s2smock.Provider{}
	handle, _ := p.Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
	sess := p.Last()
	sent := sess.Notify()
	q.start(handle)
	waitFor(t, "two frames sent", func() bool {
		select {
		case <-sent:
		default:
		}
		return len(sess.Inputs()) == 2
	})
	q.close()

	inputs := sess.Inputs()
	for i, want := range []string{audio.EncodeBase64([]byte{1}), audio.EncodeBase64([]byte{2})} {
		if inputs[i].Media.Data != want {
			t.Errorf("frame %d data = %q, want %q", i, inputs[i].Media.Data, want)
		}
	}
}

func TestOutbound_SwallowsAfterClose(t *testing.T) {
	t.Parallel()
	q := newOutbound(4, nil, nil)
	q.close()
	q.close()
	q.push(audio.Frame{Data: []byte{1}})
	if q.depth() != 0 {
		t.Errorf("depth = %d after close, want 0", q.depth())
	}
}

func TestOutbound_SendErrorsAreCounted(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var drops []string
	q := newOutbound(4, nil, func(reason string) {
		mu.Lock()
		drops = append(drops, reason)
		mu.Unlock()
	})

	p := &s2smock.Provider{}
	handle, _ := p.Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
	p.Last().SetSendErr(errors.New("write: broken pipe"))
	q.start(handle)
	q.push(audio.Frame{Data: []byte{1}})

	waitFor(t, "send error counted", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(drops) == 1
	})
	q.close()
	if drops[0] != observe.DropSendError {
		t.Errorf("drop reason = %q, want %q", drops[0], observe.DropSendError)
	}
}
