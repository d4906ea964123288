// Package capture turns raw microphone blocks into wire-ready PCM frames.
//
// A [Pipeline] reads fixed-size mono blocks from an [audio.Source], resamples
// each block to [TargetSampleRate] with [audio.Resample], encodes it with
// [audio.EncodePCM16] and hands the resulting [audio.Frame] to a sink. Blocks
// are processed strictly in arrival order and never retained.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/nexuslive/pkg/audio"
)

const (
	// BlockSize is the number of samples requested per microphone callback.
	BlockSize = 4096

	// TargetSampleRate is the rate every outbound frame is encoded at.
	TargetSampleRate = 16000
)

// Sink receives each encoded frame. It is called sequentially from the
// pipeline goroutine and must not block for long.
type Sink func(audio.Frame)

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithTargetRate overrides [TargetSampleRate]. Values ≤ 0 are ignored.
func WithTargetRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.targetRate = rate
		}
	}
}

// Pipeline pumps blocks from a source through resample and encode into a sink.
// Start and Stop are safe for concurrent use.
type Pipeline struct {
	src        audio.Source
	sink       Sink
	targetRate int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	frames   atomic.Int64
	warnRate sync.Once
}

// New creates a pipeline reading from src and delivering to sink. The pipeline
// is idle until [Pipeline.Start] is called.
func New(src audio.Source, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:        src,
		sink:       sink,
		targetRate: TargetSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the processing goroutine. It returns immediately. Calling
// Start on a running or stopped pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.done != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop halts processing and waits for the goroutine to exit. No frame is
// delivered to the sink after Stop returns. Safe to call more than once and
// before Start.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Frames returns how many frames have been delivered to the sink.
func (p *Pipeline) Frames() int64 {
	return p.frames.Load()
}

func (p *Pipeline) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	srcRate := p.src.SampleRate()
	if srcRate != p.targetRate {
		p.warnRate.Do(func() {
			slog.Debug("capture: resampling microphone input",
				"from", srcRate,
				"to", p.targetRate,
			)
		})
	}

	blocks := p.src.Blocks()
	var captured int64 // samples consumed at the source rate
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-blocks:
			if !ok {
				return
			}
			frame := Process(block, srcRate, p.targetRate)
			if srcRate > 0 {
				frame.Timestamp = time.Duration(captured) * time.Second / time.Duration(srcRate)
			}
			captured += int64(len(block))

			// Re-check after a potentially slow resample so a concurrent Stop
			// never races one more frame into the sink.
			if ctx.Err() != nil {
				return
			}
			p.sink(frame)
			p.frames.Add(1)
		}
	}
}

// Process converts a single captured block into an encoded frame tagged with
// targetRate.
func Process(block []float32, sourceRate, targetRate int) audio.Frame {
	resampled := audio.Resample(block, sourceRate, targetRate)
	rate := targetRate
	if sourceRate <= 0 || targetRate <= 0 {
		rate = sourceRate
	}
	return audio.Frame{
		Data:       audio.EncodePCM16(resampled),
		SampleRate: rate,
		Channels:   1,
	}
}
