package app

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/nexuslive/internal/session"
)

// subscriberBuffer is the number of events a slow subscriber may lag behind
// before older events are discarded for it.
const subscriberBuffer = 16

// Event is one status change as published to subscribers.
type Event struct {
	Seq    uint64    `json:"seq"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// StatusHub is the Manager's observer. It remembers the latest status, logs
// every transition, prints a line to the terminal and fans events out to
// subscribers and forwarded observers.
type StatusHub struct {
	out   io.Writer
	now   func() time.Time
	errFn func() error

	mu        sync.Mutex
	seq       uint64
	last      Event
	subs      map[chan Event]struct{}
	forwarded []session.Observer
}

var _ session.Observer = (*StatusHub)(nil)

// NewStatusHub creates a hub that prints to out. A nil out disables printing.
func NewStatusHub(out io.Writer) *StatusHub {
	return &StatusHub{
		out:  out,
		now:  time.Now,
		last: Event{Status: session.StatusIdle.String()},
		subs: make(map[chan Event]struct{}),
	}
}

// Forward registers an observer that receives every status after the hub
// has recorded it.
func (h *StatusHub) Forward(obs session.Observer) {
	if obs == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwarded = append(h.forwarded, obs)
}

// OnStatus implements [session.Observer].
func (h *StatusHub) OnStatus(s session.Status) {
	ev := Event{Status: s.String(), At: h.now()}
	if s == session.StatusError && h.errFn != nil {
		if err := h.errFn(); err != nil {
			ev.Error = err.Error()
		}
	}

	h.mu.Lock()
	h.seq++
	ev.Seq = h.seq
	h.last = ev
	for ch := range h.subs {
		deliver(ch, ev)
	}
	forwarded := h.forwarded
	h.mu.Unlock()

	switch {
	case ev.Error != "":
		slog.Warn("call status changed", "status", ev.Status, "err", ev.Error)
	case s.Terminal():
		slog.Info("call ended", "status", ev.Status)
	default:
		slog.Info("call status changed", "status", ev.Status)
	}
	h.print(s, ev)

	for _, obs := range forwarded {
		obs.OnStatus(s)
	}
}

// Last returns the most recent event. Before any transition it reports idle.
func (h *StatusHub) Last() Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Subscribe returns a channel receiving every subsequent event, starting with
// the current one. The returned cancel function unsubscribes and closes the
// channel.
func (h *StatusHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	ch <- h.last
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// deliver sends ev without blocking, discarding the oldest queued event when
// the subscriber is full.
func deliver(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (h *StatusHub) print(s session.Status, ev Event) {
	if h.out == nil {
		return
	}
	line := fmt.Sprintf("%s  ● %s", ev.At.Format("15:04:05"), statusLabel(s))
	if ev.Error != "" {
		line += "  (" + ev.Error + ")"
	}
	fmt.Fprintln(h.out, line)
}

func statusLabel(s session.Status) string {
	switch s {
	case session.StatusIdle:
		return "Prêt"
	case session.StatusConnecting:
		return "Connexion sécurisée en cours..."
	case session.StatusConnected:
		return "En ligne"
	case session.StatusSpeaking:
		return "L'expert parle"
	case session.StatusError:
		return "Erreur"
	case session.StatusDisconnected:
		return "Appel terminé"
	}
	return s.String()
}
