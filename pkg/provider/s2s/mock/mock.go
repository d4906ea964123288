// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and obtain the Session created for each
// call. Use Session to drive the lifecycle callbacks the way a live backend
// would and inspect what the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg, callbacks)
//	sess := p.Last()
//	sess.Open()
//	sess.Deliver(mock.AudioMessage("audio/pcm;rate=24000", pcmBase64))
//	sess.RemoteClose("bye")
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ErrClosed is returned by Session.SendRealtimeInput after Close.
var ErrClosed = errors.New("mock: session closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// OpenOnConnect fires OnOpen from a new goroutine right after Connect
	// returns, like a backend that acknowledges setup immediately.
	OpenOnConnect bool

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// sessions holds the session created by each successful Connect.
	sessions []*Session

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// Connect records the call and returns a new Session bound to cb, or
// ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, cb s2s.Callbacks) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess := &Session{cb: cb}
	p.sessions = append(p.sessions, sess)
	if p.OpenOnConnect {
		go sess.Open()
	}
	return sess, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Sessions returns every session created so far, in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Last returns the most recently created session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Calls returns a copy of the recorded Connect invocations.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Session is a mock s2s.SessionHandle. Its driver methods (Open, Deliver,
// RemoteClose, Fail) invoke the callbacks given to Connect synchronously on
// the calling goroutine. Once the session is closed from either side the
// driver methods do nothing, matching a real backend.
type Session struct {
	cb s2s.Callbacks

	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendRealtimeInput.
	SendErr error

	// Sent records every input passed to SendRealtimeInput.
	Sent []s2s.RealtimeInput

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
	sent   chan struct{}
}

// SendRealtimeInput records in.
func (s *Session) SendRealtimeInput(in s2s.RealtimeInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Sent = append(s.Sent, in)
	if s.sent != nil {
		select {
		case s.sent <- struct{}{}:
		default:
		}
	}
	return nil
}

// SetSendErr changes the error returned by SendRealtimeInput.
func (s *Session) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendErr = err
}

// Close marks the session closed. Idempotent; never fires callbacks.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.closed = true
	return nil
}

// Closed reports whether the session was closed from either side.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Inputs returns a copy of everything sent so far.
func (s *Session) Inputs() []s2s.RealtimeInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]s2s.RealtimeInput(nil), s.Sent...)
}

// Notify returns a channel that receives a value after each successful send.
// Sends are not queued: a slow reader sees at least one signal per burst.
func (s *Session) Notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(chan struct{}, 1)
	}
	return s.sent
}

// Open fires OnOpen.
func (s *Session) Open() {
	if s.isClosed() || s.cb.OnOpen == nil {
		return
	}
	s.cb.OnOpen()
}

// Deliver fires OnMessage with msg.
func (s *Session) Deliver(msg s2s.Message) {
	if s.isClosed() || s.cb.OnMessage == nil {
		return
	}
	s.cb.OnMessage(msg)
}

// RemoteClose closes the session from the backend side and fires OnClose.
func (s *Session) RemoteClose(reason string) {
	if !s.markClosed() || s.cb.OnClose == nil {
		return
	}
	s.cb.OnClose(reason)
}

// Fail fails the session from the backend side and fires OnError.
func (s *Session) Fail(err error) {
	if !s.markClosed() || s.cb.OnError == nil {
		return
	}
	s.cb.OnError(err)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// markClosed reports whether this call closed the session.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// AudioMessage builds a server message with one inline audio part.
func AudioMessage(mimeType, data string) s2s.Message {
	return s2s.Message{ServerContent: &s2s.ServerContent{
		ModelTurn: &s2s.Content{Parts: []s2s.Part{
			{InlineData: &s2s.Blob{MIMEType: mimeType, Data: data}},
		}},
	}}
}
