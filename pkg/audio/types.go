package audio

import (
	"context"
	"fmt"
	"time"
)

// Frame represents a single block of encoded audio flowing towards the
// transport. Frames are produced by the capture pipeline and consumed once.
type Frame struct {
	// PCM audio data, 16-bit signed little-endian.
	Data []byte

	// SampleRate in Hz (16000 for everything sent to the model).
	SampleRate int

	// Channels: always 1 for capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// MIMEType returns the transport tag for the frame, e.g. "audio/pcm;rate=16000".
func (f Frame) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// Buffer is a decoded block of mono float samples in [-1, 1], ready to be
// scheduled for playback.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer. A buffer with no
// sample rate has zero duration.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Source delivers fixed-size blocks of mono float samples captured from an
// input device at the device's native rate.
type Source interface {
	// SampleRate reports the native rate of the blocks on [Source.Blocks].
	SampleRate() int

	// Blocks returns the channel of captured blocks. It is closed when the
	// source is closed or the device fails.
	Blocks() <-chan []float32

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}

// Output is a playback sink with its own monotonic clock. Buffers are placed
// on its timeline at absolute positions measured by [Output.Now].
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Schedule places samples on the timeline starting at at.
	Schedule(samples []float32, sampleRate int, at time.Duration) error

	// Flush drops everything scheduled but not yet played.
	Flush()

	// Close stops playback and releases the device. Safe to call more than once.
	Close() error
}

// Device opens the audio endpoints used by a call.
type Device interface {
	// OpenOutput opens the shared playback output.
	OpenOutput(ctx context.Context) (Output, error)

	// OpenInput acquires the microphone. Each block on the returned source
	// holds blockSize samples. Fails when permission is denied or no input
	// device is available.
	OpenInput(ctx context.Context, blockSize int) (Source, error)
}
