package mixer

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/nexuslive/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Output = (*Timeline)(nil)

// defaultQueueCap is the initial capacity hint for the entry heap.
const defaultQueueCap = 16

// ErrClosed is returned by [Timeline.Schedule] after [Timeline.Close].
var ErrClosed = errors.New("mixer: timeline closed")

// Timeline is an [audio.Output] whose clock advances only as frames are
// rendered. The device callback drives it through [Timeline.Render]; producers
// place buffers on it with [Timeline.Schedule]. Overlapping buffers are summed
// and clamped to [-1, 1].
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64 // frames rendered so far
	queue  entryHeap
	seq    uint64
	active []entry // scratch space reused by Render
	closed bool
}

// NewTimeline creates an empty timeline rendering at sampleRate.
func NewTimeline(sampleRate int) *Timeline {
	t := &Timeline{
		rate:  sampleRate,
		queue: make(entryHeap, 0, defaultQueueCap),
	}
	heap.Init(&t.queue)
	return t
}

// SampleRate returns the rate Render produces.
func (t *Timeline) SampleRate() int { return t.rate }

// Now returns the duration of audio rendered so far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameToDuration(t.pos)
}

// Schedule places samples on the timeline starting at at. Samples recorded at
// a different rate are interpolated to the timeline rate first. A start time
// that has already been rendered is moved up to the current position so no
// audio is lost.
func (t *Timeline) Schedule(samples []float32, sampleRate int, at time.Duration) error {
	if sampleRate <= 0 {
		return fmt.Errorf("mixer: invalid sample rate %d", sampleRate)
	}
	samples = audio.Interpolate(samples, sampleRate, t.rate)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if len(samples) == 0 {
		return nil
	}

	start := max(t.durationToFrame(at), t.pos)
	t.seq++
	heap.Push(&t.queue, entry{start: start, samples: samples, seq: t.seq})
	return nil
}

// Render fills out with the next len(out) frames and advances the clock. Gaps
// between scheduled buffers render as silence.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.pos
	to := from + int64(len(out))
	t.pos = to

	t.active = t.active[:0]
	for t.queue.Len() > 0 && t.queue[0].start < to {
		t.active = append(t.active, heap.Pop(&t.queue).(entry))
	}

	for _, e := range t.active {
		lo := max(from, e.start)
		hi := min(to, e.end())
		for f := lo; f < hi; f++ {
			out[f-from] += e.samples[f-e.start]
		}
		if e.end() > to {
			heap.Push(&t.queue, e)
		}
	}
	for i, s := range out {
		out[i] = max(-1, min(1, s))
	}
}

// Pending returns the number of buffers not yet fully rendered.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len()
}

// Flush drops every pending buffer. The clock keeps its position.
func (t *Timeline) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.queue)
	t.queue = t.queue[:0]
}

// Close drops pending audio and rejects further buffers. Render keeps
// producing silence so a device callback can still drain. Close is
// idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	clear(t.queue)
	t.queue = t.queue[:0]
	return nil
}

func (t *Timeline) frameToDuration(f int64) time.Duration {
	if t.rate <= 0 {
		return 0
	}
	return time.Duration(f) * time.Second / time.Duration(t.rate)
}

// durationToFrame rounds d to the nearest frame.
func (t *Timeline) durationToFrame(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}
