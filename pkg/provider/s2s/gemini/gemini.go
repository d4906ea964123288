// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions and is
// passed through untouched; decoding is the caller's job.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound message. Audio turns routinely exceed
	// the websocket library's 32 KiB default.
	readLimit = 8 << 20
)

// ErrSessionClosed is returned by SendRealtimeInput after Close.
var ErrSessionClosed = errors.New("gemini: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API. The API key
// is taken from each session config, so one Provider can serve any number of
// sessions.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new Gemini Live Provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDuration: 15 * time.Minute,
		Voices:             s2s.Voices,
	}
}

// Connect dials the Gemini Live endpoint and sends the setup message. The
// session is usable for sending as soon as Connect returns; cb.OnOpen fires
// when the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, cb s2s.Callbacks) (s2s.SessionHandle, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: missing API key")
	}
	cfg = cfg.WithDefaults()

	wsURL := p.baseURL + endpointPath + "?key=" + url.QueryEscape(cfg.APIKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		cb:     cb,
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(buildSetup(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  voiceConfig `json:"voiceConfig"`
	LanguageCode string      `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// buildSetup renders the BidiGenerateContent setup message for cfg.
func buildSetup(cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: string(cfg.Voice)},
					},
					LanguageCode: cfg.Language,
				},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	return msg
}

// toMessage converts wire server content to the provider-neutral form.
func toMessage(sc *serverContent) s2s.Message {
	out := &s2s.ServerContent{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}
	if sc.ModelTurn != nil {
		turn := &s2s.Content{Parts: make([]s2s.Part, 0, len(sc.ModelTurn.Parts))}
		for _, p := range sc.ModelTurn.Parts {
			sp := s2s.Part{Text: p.Text}
			if p.InlineData != nil {
				sp.InlineData = &s2s.Blob{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data}
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
	return s2s.Message{ServerContent: out}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn
	cb   s2s.Callbacks

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	opened bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them to the
// callbacks until the session closes or fails.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.terminate()
			if status := websocket.CloseStatus(err); status != -1 {
				reason := status.String()
				var ce websocket.CloseError
				if errors.As(err, &ce) && ce.Reason != "" {
					reason = ce.Reason
				}
				s.fireClose(reason)
				return
			}
			s.fireError(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err, "bytes", len(data))
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage dispatches one message. It reports false when the
// session has ended and the receive loop must stop.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if s.ctx.Err() != nil {
		return false
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.terminate()
		s.fireError(fmt.Errorf("gemini: server error %d %s: %s", msg.Error.Code, msg.Error.Status, text))
		return false
	}
	if msg.SetupComplete != nil {
		s.mu.Lock()
		first := !s.opened
		s.opened = true
		s.mu.Unlock()
		if first && s.cb.OnOpen != nil {
			s.cb.OnOpen()
		}
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server will close the session soon", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil && s.cb.OnMessage != nil {
		s.cb.OnMessage(toMessage(msg.ServerContent))
	}
	return true
}

func (s *session) fireClose(reason string) {
	if s.cb.OnClose != nil {
		s.cb.OnClose(reason)
	}
}

func (s *session) fireError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

// terminate marks the session closed from the remote side so sends fail fast
// and the keepalive stops. The connection is closed without firing callbacks.
func (s *session) terminate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	// The close handshake can wait on the peer; do not hold up the callback.
	go s.conn.Close(websocket.StatusNormalClosure, "")
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendRealtimeInput streams one media chunk (16 kHz, s16le, mono, base64).
func (s *session) SendRealtimeInput(in s2s.RealtimeInput) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: in.Media.MIMEType, Data: in.Media.Data}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("gemini: send realtime input: %w", err)
	}
	return nil
}

// Close terminates the session and releases all resources. No callback starts
// after Close returns. Idempotent.
func (s *session) Close() error {
	s.cancel() // unblocks receiveLoop and keepaliveLoop

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
