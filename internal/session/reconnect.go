package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Connector is the part of [Manager] the [Reconnector] drives.
type Connector interface {
	Connect(ctx context.Context) bool
	Err() error
}

// Reconnector is an [Observer] that calls Connect again after a call ends in
// [StatusError].
//
// Attempts back off exponentially from Backoff up to MaxBackoff. The attempt
// counter resets when a call reaches [StatusConnected]. A user-initiated
// [StatusDisconnected] cancels any pending attempt. Missing credentials are
// never retried.
//
// Register it as (one of) the Manager's observers and call
// [Reconnector.Monitor] once. All methods are safe for concurrent use.
type Reconnector struct {
	target     Connector
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onGiveUp   func(error)

	mu       sync.Mutex
	attempts int
	epoch    uint64 // bumped whenever a pending attempt becomes stale

	done     chan struct{}
	stopOnce sync.Once
	failed   chan uint64 // carries the epoch of the failure
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Target is the manager to reconnect. Required.
	Target Connector

	// MaxRetries is the number of consecutive attempts before giving up.
	// Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the delay before the first attempt. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnGiveUp is called with the last failure when retries are exhausted.
	// May be nil.
	OnGiveUp func(error)
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	return &Reconnector{
		target:     cfg.Target,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		onGiveUp:   cfg.OnGiveUp,
		done:       make(chan struct{}),
		failed:     make(chan uint64, 1),
	}
}

// OnStatus implements [Observer]. It never blocks.
func (r *Reconnector) OnStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch s {
	case StatusConnected:
		r.attempts = 0
		r.epoch++
	case StatusDisconnected:
		r.attempts = 0
		r.epoch++
	case StatusError:
		// Replace any unconsumed signal so the loop sees the latest epoch.
		select {
		case <-r.failed:
		default:
		}
		r.failed <- r.epoch
	}
}

// Attempts returns the number of reconnects issued since the last success.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Monitor starts the reconnect loop in a background goroutine. It runs until
// ctx is cancelled or [Reconnector.Stop] is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// Stop halts the reconnect loop. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case epoch := <-r.failed:
			r.attemptReconnect(ctx, epoch)
		}
	}
}

// attemptReconnect waits out the backoff for the next attempt and issues it,
// unless the failure has been superseded in the meantime.
func (r *Reconnector) attemptReconnect(ctx context.Context, epoch uint64) {
	lastErr := r.target.Err()
	if errors.Is(lastErr, ErrMissingCredential) {
		slog.Warn("reconnect: not retrying, credential is missing", "err", lastErr)
		return
	}

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return
	}
	if r.attempts >= r.maxRetries {
		r.attempts = 0
		r.epoch++
		r.mu.Unlock()
		slog.Error("reconnect: giving up after max retries",
			"max_retries", r.maxRetries,
			"err", lastErr,
		)
		if r.onGiveUp != nil {
			r.onGiveUp(lastErr)
		}
		return
	}
	r.attempts++
	attempt := r.attempts
	r.mu.Unlock()

	delay := r.delay(attempt)
	slog.Info("reconnect: scheduling attempt",
		"attempt", attempt,
		"max_retries", r.maxRetries,
		"backoff", delay,
		"err", lastErr,
	)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-r.done:
		return
	case <-t.C:
	}

	r.mu.Lock()
	stale := r.epoch != epoch
	r.mu.Unlock()
	if stale {
		slog.Debug("reconnect: attempt cancelled", "attempt", attempt)
		return
	}
	if !r.target.Connect(ctx) {
		slog.Debug("reconnect: a call is already active, attempt skipped", "attempt", attempt)
	}
}

// delay returns the backoff before the given 1-based attempt.
func (r *Reconnector) delay(attempt int) time.Duration {
	d := r.backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.maxBackoff {
			return r.maxBackoff
		}
	}
	return d
}
