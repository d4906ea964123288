// Package playback schedules decoded model audio for gapless playback.
//
// A [Scheduler] keeps a cursor (the time the next buffer should start) on the
// clock of an [audio.Output]. Each enqueued buffer starts exactly where the
// previous one ended. When the output clock has already passed the cursor,
// because audio arrived late or nothing was playing, the cursor snaps forward
// to the current clock instead of scheduling into the past.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/nexuslive/pkg/audio"
)

// DefaultMaxLookahead bounds how far ahead of the output clock audio may be
// queued before new buffers are rejected.
const DefaultMaxLookahead = 60 * time.Second

var (
	// ErrLookaheadExceeded is returned by [Scheduler.Enqueue] when the cursor is
	// already the maximum lookahead ahead of the output clock. The buffer is
	// dropped.
	ErrLookaheadExceeded = errors.New("playback: lookahead exceeded")

	// ErrStopped is returned by [Scheduler.Enqueue] after [Scheduler.Stop].
	ErrStopped = errors.New("playback: scheduler stopped")
)

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithMaxLookahead bounds the queued-ahead audio. A value of zero disables
// the bound.
func WithMaxLookahead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.maxLookahead = d
		}
	}
}

// Scheduler assigns gapless start times to buffers on an output timeline.
// All methods are safe for concurrent use.
type Scheduler struct {
	out          audio.Output
	maxLookahead time.Duration

	mu      sync.Mutex
	next    time.Duration
	stopped bool
}

// New creates a scheduler on out with its cursor at zero.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:          out,
		maxLookahead: DefaultMaxLookahead,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf to start at the cursor, or at the current output time
// if the cursor has fallen behind, and advances the cursor by the buffer's
// duration. It returns the start time assigned to buf.
//
// Empty buffers are accepted and leave the cursor untouched apart from the
// catch-up step.
func (s *Scheduler) Enqueue(buf audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, ErrStopped
	}

	now := s.out.Now()
	if s.next < now {
		s.next = now
	}
	if s.maxLookahead > 0 && s.next-now >= s.maxLookahead {
		return 0, fmt.Errorf("%w: %v queued", ErrLookaheadExceeded, s.next-now)
	}

	start := s.next
	if len(buf.Samples) > 0 {
		if err := s.out.Schedule(buf.Samples, buf.SampleRate, start); err != nil {
			return 0, fmt.Errorf("playback: schedule at %v: %w", start, err)
		}
	}
	s.next = start + buf.Duration()
	return start, nil
}

// Cursor returns the time at which the next buffer would start if the output
// clock did not advance.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Lookahead returns how much audio is queued ahead of the output clock.
func (s *Scheduler) Lookahead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.next - s.out.Now(); d > 0 {
		return d
	}
	return 0
}

// Flush drops everything queued on the output and pulls the cursor back to
// the current clock so the next buffer plays immediately. This is the one
// place the cursor moves backwards: every buffer scheduled past the new
// cursor was dropped with the flush, so nothing can overlap, and the cursor
// still never falls behind the clock.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Flush()
	s.next = s.out.Now()
}

// Stop rejects further buffers. Audio already handed to the output is left
// alone; closing the output is the owner's job. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}
