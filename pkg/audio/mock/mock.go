// Package mock provides in-memory mock implementations of the [audio.Source],
// [audio.Output], and [audio.Device] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(48000, 4)
//	out := &mock.Output{}
//	dev := &mock.Device{InputResult: src, OutputResult: out}
//	src.Push(make([]float32, 4096))
//	out.SetNow(2 * time.Second)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/nexuslive/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Output = (*Output)(nil)
	_ audio.Device = (*Device)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source] fed by [Source.Push].
type Source struct {
	rate   int
	blocks chan []float32

	mu             sync.Mutex
	closed         bool
	CallCountClose int
}

// NewSource returns a source reporting rate with a block buffer of size buf.
func NewSource(rate, buf int) *Source {
	return &Source{rate: rate, blocks: make(chan []float32, buf)}
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.rate }

// Blocks implements [audio.Source].
func (s *Source) Blocks() <-chan []float32 { return s.blocks }

// Push delivers block as if the device had captured it. Reports false if the
// source is closed or its buffer is full.
func (s *Source) Push(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.blocks <- block:
		return true
	default:
		return false
	}
}

// Close implements [audio.Source]. Closes the block channel once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.blocks)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records a single invocation of [Output.Schedule].
type ScheduleCall struct {
	Samples    []float32
	SampleRate int
	At         time.Duration
}

// Output is a mock [audio.Output] with a manually driven clock.
type Output struct {
	mu  sync.Mutex
	now time.Duration

	// ScheduleErr is returned by [Output.Schedule].
	ScheduleErr error

	// ScheduleCalls records every Schedule invocation in order.
	ScheduleCalls []ScheduleCall

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SetNow moves the output clock.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(samples []float32, sampleRate int, at time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return o.ScheduleErr
	}
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{Samples: samples, SampleRate: sampleRate, At: at})
	return nil
}

// Flush implements [audio.Output].
func (o *Output) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountFlush++
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return nil
}

// Calls returns a copy of the recorded Schedule invocations.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ScheduleCall(nil), o.ScheduleCalls...)
}

// Closes returns the number of Close calls.
func (o *Output) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}

// Flushes returns the number of Flush calls.
func (o *Output) Flushes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountFlush
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [audio.Device]. Set the Result and Err fields before use.
type Device struct {
	mu sync.Mutex

	// OutputResult is returned by [Device.OpenOutput].
	OutputResult audio.Output

	// OutputErr, when set, makes [Device.OpenOutput] fail.
	OutputErr error

	// InputResult is returned by [Device.OpenInput].
	InputResult audio.Source

	// InputErr, when set, makes [Device.OpenInput] fail.
	InputErr error

	// CallCountOpenOutput records how many times OpenOutput was called.
	CallCountOpenOutput int

	// OpenInputBlockSizes records the blockSize of each OpenInput call.
	OpenInputBlockSizes []int
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenOutput++
	if d.OutputErr != nil {
		return nil, d.OutputErr
	}
	return d.OutputResult, nil
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(_ context.Context, blockSize int) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenInputBlockSizes = append(d.OpenInputBlockSizes, blockSize)
	if d.InputErr != nil {
		return nil, d.InputErr
	}
	return d.InputResult, nil
}

// OpenInputCalls returns the number of OpenInput calls.
func (d *Device) OpenInputCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenInputBlockSizes)
}

// SetInput replaces the source returned by later [Device.OpenInput] calls.
func (d *Device) SetInput(src audio.Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InputResult = src
}

// SetOutput replaces the output returned by later [Device.OpenOutput] calls.
func (d *Device) SetOutput(out audio.Output) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OutputResult = out
}
