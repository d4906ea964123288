package session

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/nexuslive/internal/observe"
	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

// DefaultOutboundQueue is the number of capture frames buffered between the
// capture pipeline and the transport. At 4096-sample blocks this is roughly
// five seconds of 48 kHz microphone audio.
const DefaultOutboundQueue = 64

// outbound decouples capture from the transport. push never blocks: when the
// queue is full the oldest frame is discarded to make room, so a stalled
// network costs stale audio rather than memory or capture latency.
type outbound struct {
	frames chan audio.Frame
	done   chan struct{}

	onSent func()
	onDrop func(reason string)

	closeOnce sync.Once
	startOnce sync.Once
	finished  chan struct{}
	started   bool
	mu        sync.Mutex

	warnSend sync.Once
}

func newOutbound(size int, onSent func(), onDrop func(reason string)) *outbound {
	if size <= 0 {
		size = DefaultOutboundQueue
	}
	if onSent == nil {
		onSent = func() {}
	}
	if onDrop == nil {
		onDrop = func(string) {}
	}
	return &outbound{
		frames:   make(chan audio.Frame, size),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		onSent:   onSent,
		onDrop:   onDrop,
	}
}

// push queues f for sending. Frames pushed after close are swallowed.
func (q *outbound) push(f audio.Frame) {
	select {
	case <-q.done:
		return
	default:
	}
	for {
		select {
		case q.frames <- f:
			return
		default:
		}
		select {
		case <-q.frames:
			q.onDrop(observe.DropQueueFull)
		default:
		}
	}
}

// start launches the sender for handle. Only the first call has effect.
func (q *outbound) start(handle s2s.SessionHandle) {
	q.startOnce.Do(func() {
		q.mu.Lock()
		q.started = true
		q.mu.Unlock()
		go q.run(handle)
	})
}

func (q *outbound) run(handle s2s.SessionHandle) {
	defer close(q.finished)
	for {
		select {
		case <-q.done:
			return
		case f := <-q.frames:
			if err := handle.SendRealtimeInput(s2s.AudioInput(f)); err != nil {
				q.onDrop(observe.DropSendError)
				q.warnSend.Do(func() {
					slog.Warn("session: failed to send audio frame, further failures are counted only", "err", err)
				})
				continue
			}
			q.onSent()
		}
	}
}

// close stops the sender and waits for it to exit. Queued frames are
// discarded. Safe to call more than once and before start.
func (q *outbound) close() {
	q.closeOnce.Do(func() { close(q.done) })
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if started {
		<-q.finished
	}
}

// depth reports the number of frames waiting to be sent.
func (q *outbound) depth() int {
	return len(q.frames)
}
