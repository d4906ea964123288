// Package s2s defines the Provider interface for live speech-to-speech backends.
//
// An S2S provider wraps a real-time voice model that accepts a continuous
// stream of microphone audio and answers with streamed synthesised audio over
// one stateful, bidirectional session. The Gemini Live API is the reference
// backend.
//
// The session contract is callback based: the caller supplies four lifecycle
// callbacks at connect time ([Callbacks]) and pushes audio with
// [SessionHandle.SendRealtimeInput]. Inbound messages are delivered in arrival
// order from a single goroutine owned by the provider.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/nexuslive/pkg/audio"
)

const (
	// InputSampleRate is the rate of every audio chunk sent to the model.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of audio returned by the model when the
	// inline data carries no rate parameter.
	OutputSampleRate = 24000

	// DefaultModel is the native-audio live model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
)

// InputMIMEType tags outbound audio chunks.
var InputMIMEType = fmt.Sprintf("audio/pcm;rate=%d", InputSampleRate)

// Voice names one of the backend's prebuilt voices.
type Voice string

// Prebuilt voices.
const (
	VoicePuck   Voice = "Puck"
	VoiceCharon Voice = "Charon"
	VoiceKore   Voice = "Kore"
	VoiceFenrir Voice = "Fenrir"
	VoiceZephyr Voice = "Zephyr"
	VoiceAoede  Voice = "Aoede"
)

// DefaultVoice is used when a session config names no voice.
const DefaultVoice = VoiceKore

// Voices lists every prebuilt voice in display order.
var Voices = []Voice{VoicePuck, VoiceCharon, VoiceKore, VoiceFenrir, VoiceZephyr, VoiceAoede}

// IsValid reports whether v is one of the prebuilt voices.
func (v Voice) IsValid() bool {
	for _, known := range Voices {
		if v == known {
			return true
		}
	}
	return false
}

// SessionConfig is the fixed configuration of a live session. It is sent once
// during the handshake and cannot change while the session is open.
type SessionConfig struct {
	// APIKey authenticates the session. Read from the environment by the caller.
	APIKey string

	// Model is the live model identifier, without the "models/" prefix.
	// Empty means [DefaultModel].
	Model string

	// Voice is the prebuilt voice the model speaks with. Empty means
	// [DefaultVoice].
	Voice Voice

	// Instructions is the system instruction that defines the persona.
	Instructions string

	// Language is an optional BCP-47 hint for the speech output, e.g. "fr-FR".
	Language string
}

// WithDefaults returns a copy of c with empty fields replaced by defaults.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	return c
}

// Blob is an inline media payload. Data is base64 text exactly as it crosses
// the wire.
type Blob struct {
	MIMEType string
	Data     string
}

// Part is one element of a model turn. Exactly one of Text or InlineData is
// normally set.
type Part struct {
	Text       string
	InlineData *Blob
}

// Content is an ordered list of parts produced by the model.
type Content struct {
	Parts []Part
}

// ServerContent carries incremental model output.
type ServerContent struct {
	// ModelTurn holds the parts generated since the previous message, if any.
	ModelTurn *Content

	// TurnComplete is set on the last message of a model turn.
	TurnComplete bool

	// Interrupted is set when the model stopped generating because the user
	// started speaking. Audio already queued for playback is stale.
	Interrupted bool

	// InputTranscription and OutputTranscription carry optional transcripts.
	InputTranscription  string
	OutputTranscription string
}

// Message is one inbound message from the live session.
type Message struct {
	// SetupComplete is set on the handshake acknowledgement.
	SetupComplete bool

	// ServerContent is set for model output.
	ServerContent *ServerContent
}

// AudioParts returns the inline-data parts of the message that carry audio,
// in order. Messages without model output return nil.
func (m Message) AudioParts() []*Blob {
	if m.ServerContent == nil || m.ServerContent.ModelTurn == nil {
		return nil
	}
	var blobs []*Blob
	for _, p := range m.ServerContent.ModelTurn.Parts {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		if mt := p.InlineData.MIMEType; mt != "" && !isAudioMIME(mt) {
			continue
		}
		blobs = append(blobs, p.InlineData)
	}
	return blobs
}

// RealtimeInput is one outbound chunk of streaming media.
type RealtimeInput struct {
	Media Blob
}

// AudioInput wraps an encoded capture frame as realtime input.
func AudioInput(f audio.Frame) RealtimeInput {
	return RealtimeInput{Media: Blob{
		MIMEType: f.MIMEType(),
		Data:     audio.EncodeBase64(f.Data),
	}}
}

// Callbacks receive the session lifecycle. Every callback may be nil. They are
// invoked from the provider's receive goroutine and must not block for long.
type Callbacks struct {
	// OnOpen fires once when the backend has acknowledged the session setup.
	OnOpen func()

	// OnMessage fires for every inbound message, in arrival order.
	OnMessage func(Message)

	// OnClose fires when the remote side closes the session. It does not fire
	// for a local [SessionHandle.Close].
	OnClose func(reason string)

	// OnError fires when the session fails at runtime. No further callbacks
	// follow.
	OnError func(error)
}

// SessionHandle represents an open live session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendRealtimeInput streams one media chunk to the model. Returns an error if
	// the session is closed or the write fails.
	SendRealtimeInput(in RealtimeInput) error

	// Close terminates the session and releases its resources without firing
	// any callback. Calling Close more than once is safe and returns nil.
	Close() error
}

// Capabilities describes static properties of the provider.
type Capabilities struct {
	// MaxSessionDuration is the hard upper bound on session lifetime imposed by
	// the backend. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the voices the backend accepts.
	Voices []Voice
}

// Provider is the abstraction over any live S2S backend.
type Provider interface {
	// Connect opens a session and performs the handshake. It returns once the
	// transport is established; [Callbacks.OnOpen] fires when the backend
	// acknowledges the setup, which may be after Connect returns.
	//
	// Returns an error if the session cannot be established (e.g., missing
	// credential, unreachable endpoint, or ctx already cancelled). The caller
	// owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig, cb Callbacks) (SessionHandle, error)

	// Capabilities returns static metadata about the backend.
	Capabilities() Capabilities
}

func isAudioMIME(mt string) bool {
	return len(mt) >= 6 && mt[:6] == "audio/"
}
