package genailive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	gws "github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

func TestConnectConfig(t *testing.T) {
	t.Parallel()
	cfg := s2s.SessionConfig{
		Voice:        s2s.VoiceCharon,
		Instructions: "Sois concis.",
		Language:     "fr-FR",
	}.WithDefaults()

	lc := connectConfig(cfg)
	if len(lc.ResponseModalities) != 1 || lc.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("ResponseModalities = %v, want [AUDIO]", lc.ResponseModalities)
	}
	if got := lc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Charon" {
		t.Errorf("VoiceName = %q, want Charon", got)
	}
	if got := lc.SpeechConfig.LanguageCode; got != "fr-FR" {
		t.Errorf("LanguageCode = %q, want fr-FR", got)
	}
	if lc.SystemInstruction == nil || len(lc.SystemInstruction.Parts) != 1 ||
		lc.SystemInstruction.Parts[0].Text != "Sois concis." {
		t.Errorf("SystemInstruction = %+v", lc.SystemInstruction)
	}
}

func TestConnectConfig_NoInstructions(t *testing.T) {
	t.Parallel()
	if lc := connectConfig(s2s.SessionConfig{}.WithDefaults()); lc.SystemInstruction != nil {
		t.Error("SystemInstruction should be nil without instructions")
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	m := &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{Text: "salut"},
				{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{1, 2, 3}}},
				nil,
			}},
			Interrupted:         true,
			OutputTranscription: &genai.Transcription{Text: "salut"},
		},
	}
	got := toMessage(m)
	if got.SetupComplete {
		t.Error("SetupComplete should be false")
	}
	sc := got.ServerContent
	if sc == nil || !sc.Interrupted {
		t.Fatalf("ServerContent = %+v", sc)
	}
	if n := len(sc.ModelTurn.Parts); n != 2 {
		t.Fatalf("parts = %d, want 2", n)
	}
	blobs := got.AudioParts()
	if len(blobs) != 1 || blobs[0].Data != "AQID" {
		t.Errorf("AudioParts() = %+v, want one blob with AQID", blobs)
	}
	if sc.OutputTranscription != "salut" {
		t.Errorf("OutputTranscription = %q", sc.OutputTranscription)
	}
}

func TestToMessage_SetupComplete(t *testing.T) {
	t.Parallel()
	got := toMessage(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}})
	if !got.SetupComplete || got.ServerContent != nil {
		t.Errorf("got %+v", got)
	}
}

func TestToRealtimeInput(t *testing.T) {
	t.Parallel()
	ri, err := toRealtimeInput(s2s.RealtimeInput{Media: s2s.Blob{MIMEType: s2s.InputMIMEType, Data: "AQID"}})
	if err != nil {
		t.Fatalf("toRealtimeInput: %v", err)
	}
	if ri.Audio == nil || string(ri.Audio.Data) != "\x01\x02\x03" || ri.Audio.MIMEType != s2s.InputMIMEType {
		t.Errorf("Audio = %+v", ri.Audio)
	}

	if _, err := toRealtimeInput(s2s.RealtimeInput{Media: s2s.Blob{Data: "%%%"}}); err == nil {
		t.Error("expected error for malformed base64")
	}
}

func TestConnect_MissingAPIKey(t *testing.T) {
	t.Parallel()
	_, err := New().Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
	if err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestSession_SendAfterClose(t *testing.T) {
	t.Parallel()
	s := &session{closed: true}
	if err := s.SendRealtimeInput(s2s.RealtimeInput{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close on closed session: %v", err)
	}
}

// ── receive loop ───────────────────────────────────────────────────────────────

type received struct {
	msg *genai.LiveServerMessage
	err error
}

// scriptedConn replays a fixed sequence of Receive results.
type scriptedConn struct {
	mu     sync.Mutex
	script []received
	closes int
}

func (c *scriptedConn) Receive() (*genai.LiveServerMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) == 0 {
		return nil, io.EOF
	}
	r := c.script[0]
	c.script = c.script[1:]
	return r.msg, r.err
}

func (c *scriptedConn) SendRealtimeInput(genai.LiveRealtimeInput) error { return nil }

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// sdkDecodeError builds the error the SDK returns for an unparsable frame.
func sdkDecodeError(t *testing.T) error {
	t.Helper()
	var v map[string]any
	err := json.Unmarshal([]byte("{not json"), &v)
	if err == nil {
		t.Fatal("expected a JSON error")
	}
	return fmt.Errorf("invalid message format. Error %w. messageType: 1", err)
}

type events struct {
	opens    int
	messages int
	closes   []string
	errs     []error
}

func (e *events) callbacks() s2s.Callbacks {
	return s2s.Callbacks{
		OnOpen:    func() { e.opens++ },
		OnMessage: func(s2s.Message) { e.messages++ },
		OnClose:   func(reason string) { e.closes = append(e.closes, reason) },
		OnError:   func(err error) { e.errs = append(e.errs, err) },
	}
}

func TestReceiveLoop_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()
	conn := &scriptedConn{script: []received{
		{err: sdkDecodeError(t)},
		{msg: &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}},
		{err: sdkDecodeError(t)},
		{msg: &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}}},
		{err: &gws.CloseError{Code: gws.CloseNormalClosure, Text: "bye"}},
	}}
	var ev events
	s := &session{live: conn, cb: ev.callbacks()}

	s.receiveLoop()

	if ev.opens != 1 || ev.messages != 1 {
		t.Errorf("opens = %d, messages = %d, want 1 and 1", ev.opens, ev.messages)
	}
	if len(ev.errs) != 0 {
		t.Errorf("malformed frames must not fail the session: %v", ev.errs)
	}
	if len(ev.closes) != 1 || ev.closes[0] != "bye" {
		t.Errorf("closes = %v, want [bye]", ev.closes)
	}
}

func TestReceiveLoop_TransportErrorIsFatal(t *testing.T) {
	t.Parallel()
	conn := &scriptedConn{script: []received{{err: io.ErrUnexpectedEOF}}}
	var ev events
	s := &session{live: conn, cb: ev.callbacks()}

	s.receiveLoop()

	if len(ev.errs) != 1 || !errors.Is(ev.errs[0], io.ErrUnexpectedEOF) {
		t.Fatalf("errs = %v, want one wrapping ErrUnexpectedEOF", ev.errs)
	}
	if err := s.SendRealtimeInput(s2s.RealtimeInput{}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("send after failure = %v, want ErrSessionClosed", err)
	}
}

func TestReceiveLoop_LocalCloseIsSilent(t *testing.T) {
	t.Parallel()
	conn := &scriptedConn{script: []received{{err: io.ErrUnexpectedEOF}}}
	var ev events
	s := &session{live: conn, cb: ev.callbacks()}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s.receiveLoop()

	if len(ev.errs) != 0 || len(ev.closes) != 0 {
		t.Errorf("callbacks after local close: errs=%v closes=%v", ev.errs, ev.closes)
	}
	if conn.closes != 1 {
		t.Errorf("conn Close calls = %d, want 1", conn.closes)
	}
}

func TestMalformedFrame(t *testing.T) {
	t.Parallel()
	if !malformedFrame(sdkDecodeError(t)) {
		t.Error("SDK decode error should count as a malformed frame")
	}
	for _, err := range []error{io.EOF, &gws.CloseError{Code: gws.CloseGoingAway}, errors.New("boom")} {
		if malformedFrame(err) {
			t.Errorf("malformedFrame(%v) = true, want false", err)
		}
	}
}
