// Package local implements [audio.Device] on the host's default sound card
// through PortAudio.
//
// The speaker is a PortAudio output stream whose callback renders a
// [mixer.Timeline], so the playback clock is exactly the number of frames the
// card has consumed. The microphone is a PortAudio input stream at the input
// device's native rate that copies each callback block into a channel.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.Device = (*Device)(nil)
	_ audio.Output = (*speaker)(nil)
	_ audio.Source = (*microphone)(nil)
)

const (
	// DefaultOutputRate matches the model's audio output rate.
	DefaultOutputRate = 24000

	// defaultFramesPerBuffer is the speaker callback size (~20ms at 24 kHz).
	defaultFramesPerBuffer = 480

	// defaultInputQueue is how many captured blocks may wait for the pipeline
	// before new ones are dropped.
	defaultInputQueue = 8
)

// ErrNoInputDevice is returned by [Device.OpenInput] when the host has no
// usable microphone.
var ErrNoInputDevice = errors.New("local: no input device available")

// Option configures a [Device] during construction.
type Option func(*Device)

// WithOutputRate sets the speaker sample rate. Values ≤ 0 are ignored.
func WithOutputRate(rate int) Option {
	return func(d *Device) {
		if rate > 0 {
			d.outputRate = rate
		}
	}
}

// WithFramesPerBuffer sets the speaker callback size. Values ≤ 0 are ignored.
func WithFramesPerBuffer(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.framesPerBuffer = n
		}
	}
}

// Device opens PortAudio streams on the default input and output devices.
type Device struct {
	outputRate      int
	framesPerBuffer int

	closeOnce sync.Once
}

// Open initialises PortAudio and returns a device. Call [Device.Close] when
// done so PortAudio can release the host audio system.
func Open(opts ...Option) (*Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("local: initialise portaudio: %w", err)
	}
	d := &Device{
		outputRate:      DefaultOutputRate,
		framesPerBuffer: defaultFramesPerBuffer,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if tErr := portaudio.Terminate(); tErr != nil {
			err = fmt.Errorf("local: terminate portaudio: %w", tErr)
		}
	})
	return err
}

// OpenOutput implements [audio.Device]. It starts a speaker stream rendering a
// fresh timeline.
func (d *Device) OpenOutput(_ context.Context) (audio.Output, error) {
	tl := mixer.NewTimeline(d.outputRate)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(d.outputRate), d.framesPerBuffer,
		func(out []float32) { tl.Render(out) })
	if err != nil {
		return nil, fmt.Errorf("local: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("local: start output stream: %w", err)
	}
	slog.Debug("local: speaker opened", "sample_rate", d.outputRate)
	return &speaker{Timeline: tl, stream: stream}, nil
}

// OpenInput implements [audio.Device]. It opens the default input device at
// its native rate with one channel.
func (d *Device) OpenInput(_ context.Context, blockSize int) (audio.Source, error) {
	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoInputDevice, err)
	}
	if info == nil || info.MaxInputChannels < 1 {
		return nil, ErrNoInputDevice
	}

	m := &microphone{
		rate:   int(info.DefaultSampleRate),
		blocks: make(chan []float32, defaultInputQueue),
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, info.DefaultSampleRate, blockSize, m.capture)
	if err != nil {
		return nil, fmt.Errorf("local: open input stream on %q: %w", info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("local: start input stream on %q: %w", info.Name, err)
	}
	m.stream = stream
	slog.Debug("local: microphone opened", "device", info.Name, "sample_rate", m.rate, "block_size", blockSize)
	return m, nil
}

// ── speaker ─────────────────────────────────────────────────────────────────

// speaker is a timeline driven by a PortAudio output stream.
type speaker struct {
	*mixer.Timeline
	stream *portaudio.Stream

	closeOnce sync.Once
	closeErr  error
}

// Close stops the stream, then closes the timeline.
func (s *speaker) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(
			s.stream.Stop(),
			s.stream.Close(),
			s.Timeline.Close(),
		)
		if s.closeErr != nil {
			s.closeErr = fmt.Errorf("local: close speaker: %w", s.closeErr)
		}
	})
	return s.closeErr
}

// ── microphone ──────────────────────────────────────────────────────────────

// microphone forwards PortAudio input callbacks to a block channel.
type microphone struct {
	rate   int
	blocks chan []float32
	stream *portaudio.Stream

	mu       sync.Mutex
	closed   bool
	warnDrop sync.Once
	closeErr error
}

func (m *microphone) SampleRate() int { return m.rate }

func (m *microphone) Blocks() <-chan []float32 { return m.blocks }

// capture runs on the PortAudio callback thread. The buffer is reused by
// PortAudio, so each block is copied. It never blocks.
func (m *microphone) capture(in []float32) {
	block := make([]float32, len(in))
	copy(block, in)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.blocks <- block:
	default:
		m.warnDrop.Do(func() {
			slog.Warn("local: capture queue full, dropping microphone blocks")
		})
	}
}

// Close stops the input stream and closes the block channel.
func (m *microphone) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.closeErr
	}
	m.closed = true
	close(m.blocks)
	m.mu.Unlock()

	// Stop outside the lock: it waits for an in-flight callback.
	if err := errors.Join(m.stream.Stop(), m.stream.Close()); err != nil {
		m.mu.Lock()
		m.closeErr = fmt.Errorf("local: close microphone: %w", err)
		m.mu.Unlock()
		return m.closeErr
	}
	return nil
}
