// Package genailive implements the s2s.Provider interface on top of the
// official Google Gen AI SDK's Live client.
//
// It speaks the same BidiGenerateContent protocol as the gemini package but
// lets the SDK own the wire format, which keeps it current with new server
// message fields. Audio crosses the SDK as raw bytes and is re-encoded to the
// base64 form the s2s contract uses.
package genailive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

// ErrSessionClosed is returned by SendRealtimeInput after Close.
var ErrSessionClosed = errors.New("genailive: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL handed to the SDK.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider with google.golang.org/genai.
type Provider struct {
	baseURL string
}

// New creates a new Gen AI Live Provider.
func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live backend.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDuration: 15 * time.Minute,
		Voices:             s2s.Voices,
	}
}

// Connect creates an SDK client for cfg.APIKey and opens a live session.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, cb s2s.Callbacks) (s2s.SessionHandle, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("genailive: missing API key")
	}
	cfg = cfg.WithDefaults()

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genailive: new client: %w", err)
	}

	live, err := client.Live.Connect(ctx, cfg.Model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	s := &session{live: live, cb: cb}
	go s.receiveLoop()
	return s, nil
}

// connectConfig maps a session config to the SDK's live connect config.
func connectConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: string(cfg.Voice)},
			},
			LanguageCode: cfg.Language,
		},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	return lc
}

// toMessage converts an SDK server message to the provider-neutral form.
// Inline data is re-encoded to base64.
func toMessage(m *genai.LiveServerMessage) s2s.Message {
	msg := s2s.Message{SetupComplete: m.SetupComplete != nil}
	sc := m.ServerContent
	if sc == nil {
		return msg
	}

	out := &s2s.ServerContent{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.ModelTurn != nil {
		turn := &s2s.Content{Parts: make([]s2s.Part, 0, len(sc.ModelTurn.Parts))}
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			sp := s2s.Part{Text: p.Text}
			if p.InlineData != nil {
				sp.InlineData = &s2s.Blob{
					MIMEType: p.InlineData.MIMEType,
					Data:     audio.EncodeBase64(p.InlineData.Data),
				}
			}
			turn.Parts = append(turn.Parts, sp)
		}
		out.ModelTurn = turn
	}
	if sc.InputTranscription != nil {
		out.InputTranscription = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscription = sc.OutputTranscription.Text
	}
	msg.ServerContent = out
	return msg
}

// toRealtimeInput converts an outbound chunk to the SDK form.
func toRealtimeInput(in s2s.RealtimeInput) (genai.LiveRealtimeInput, error) {
	data, err := audio.DecodeBase64(in.Media.Data)
	if err != nil {
		return genai.LiveRealtimeInput{}, err
	}
	return genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: in.Media.MIMEType, Data: data},
	}, nil
}

// ── session ────────────────────────────────────────────────────────────────────

// liveConn is the part of *genai.Session the session uses.
type liveConn interface {
	Receive() (*genai.LiveServerMessage, error)
	SendRealtimeInput(genai.LiveRealtimeInput) error
	Close() error
}

var _ liveConn = (*genai.Session)(nil)

type session struct {
	live liveConn
	cb   s2s.Callbacks

	mu     sync.Mutex
	closed bool
	opened bool
}

// receiveLoop pulls messages from the SDK session until it fails or closes.
// Frames the SDK cannot parse are skipped.
func (s *session) receiveLoop() {
	for {
		m, err := s.live.Receive()
		if err != nil {
			if s.isClosed() {
				return // closed locally
			}
			if malformedFrame(err) {
				slog.Debug("genailive: skipping malformed frame", "err", err)
				continue
			}
			if !s.markClosed() {
				return
			}
			var ce *gws.CloseError
			if errors.As(err, &ce) {
				if s.cb.OnClose != nil {
					s.cb.OnClose(ce.Text)
				}
				return
			}
			if s.cb.OnError != nil {
				s.cb.OnError(fmt.Errorf("genailive: receive: %w", err))
			}
			return
		}
		if s.isClosed() {
			return
		}
		s.dispatch(m)
	}
}

// malformedFrame reports whether err is a decode failure of one frame rather
// than a failure of the connection.
func malformedFrame(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (s *session) dispatch(m *genai.LiveServerMessage) {
	if m.SetupComplete != nil {
		s.mu.Lock()
		first := !s.opened
		s.opened = true
		s.mu.Unlock()
		if first && s.cb.OnOpen != nil {
			s.cb.OnOpen()
		}
	}
	if m.GoAway != nil {
		slog.Warn("genailive: server will close the session soon", "time_left", m.GoAway.TimeLeft)
	}
	if m.ServerContent != nil && s.cb.OnMessage != nil {
		s.cb.OnMessage(toMessage(m))
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// markClosed reports whether this call closed the session.
func (s *session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendRealtimeInput streams one audio chunk through the SDK.
func (s *session) SendRealtimeInput(in s2s.RealtimeInput) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	ri, err := toRealtimeInput(in)
	if err != nil {
		return fmt.Errorf("genailive: send realtime input: %w", err)
	}
	if err := s.live.SendRealtimeInput(ri); err != nil {
		return fmt.Errorf("genailive: send realtime input: %w", err)
	}
	return nil
}

// Close terminates the SDK session without firing callbacks. Idempotent.
func (s *session) Close() error {
	if !s.markClosed() {
		return nil
	}
	if err := s.live.Close(); err != nil {
		return fmt.Errorf("genailive: close: %w", err)
	}
	return nil
}
