// Package countdown implements the session countdown timer. Remaining time is
// always derived from the absolute expiration instant and the clock, never by
// subtracting the tick interval, so delayed or throttled ticks cannot drift.
package countdown

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/session-lifecycle-go/clock"
	"github.com/ggoodman/session-lifecycle-go/sessions"
)

// DefaultInterval is the tick period used when WithInterval is not supplied.
const DefaultInterval = 250 * time.Millisecond

// Handlers receive countdown events. Any of them may be nil. They are invoked
// without the timer's lock held, so they may call Stop or Extend.
type Handlers struct {
	OnTick    func(remaining time.Duration)
	OnWarning func(remaining time.Duration)
	OnExpire  func()
}

// Option configures a Timer.
type Option func(*Timer)

// WithInterval sets the tick period. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithLogger sets the logger used for debug tracing.
func WithLogger(l *slog.Logger) Option {
	return func(t *Timer) {
		if l != nil {
			t.log = l
		}
	}
}

// Timer is a restartable session countdown.
type Timer struct {
	clock    clock.Clock
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	gen       uint64
	running   bool
	expiresAt time.Time
	threshold time.Duration
	warned    bool
	expired   bool
	handlers  Handlers
	pending   clock.Timer
}

// New constructs a stopped Timer.
func New(c clock.Clock, opts ...Option) *Timer {
	t := &Timer{
		clock:    c,
		interval: DefaultInterval,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start begins counting down to s.ExpiresAt, replacing any previous run. The
// first evaluation happens synchronously, so a session already inside its
// warning threshold warns immediately and one already past expiry expires
// immediately (without warning).
func (t *Timer) Start(s sessions.Session, h Handlers) {
	t.mu.Lock()
	t.stopLocked()
	t.gen++
	t.running = true
	t.expiresAt = s.ExpiresAt
	t.threshold = s.WarningThreshold
	t.warned = false
	t.expired = false
	t.handlers = h
	gen := t.gen
	t.mu.Unlock()

	t.log.Debug("countdown.start", slog.Time("expires_at", s.ExpiresAt), slog.Duration("threshold", s.WarningThreshold))
	t.tick(gen)
}

// Stop cancels the countdown. It is idempotent and safe to call from inside
// any handler.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Timer) stopLocked() {
	if !t.running {
		return
	}
	t.running = false
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// Extend replaces the expiration instant and re-evaluates thresholds
// immediately. The warning is re-armed, so it fires again if the new instant
// is still inside the threshold. Extend has no effect once the timer expired
// or while it is stopped.
func (t *Timer) Extend(expiresAt time.Time) {
	t.mu.Lock()
	if !t.running || t.expired {
		t.mu.Unlock()
		return
	}
	t.expiresAt = expiresAt
	t.warned = false
	fire := t.evaluateLocked(t.gen)
	t.mu.Unlock()

	t.log.Debug("countdown.extend", slog.Time("expires_at", expiresAt))
	fire()
}

// Remaining reports the time left, clamped at zero. It is zero when the timer
// has never been started.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expiresAt.IsZero() {
		return 0
	}
	return max(t.expiresAt.Sub(t.clock.Now()), 0)
}

// ExpiresAt reports the current expiration instant.
func (t *Timer) ExpiresAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiresAt
}

// Expired reports whether OnExpire has fired for the current run.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

// live reports whether gen is still the current, running generation.
func (t *Timer) live(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && t.gen == gen
}

func (t *Timer) tick(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.running || t.expired {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	fire := t.evaluateLocked(gen)
	if !t.expired {
		t.pending = t.clock.AfterFunc(t.interval, func() { t.tick(gen) })
	}
	t.mu.Unlock()

	fire()
}

// evaluateLocked updates warned/expired for the current instant and returns a
// closure delivering the resulting events. The closure must be called after
// the lock is released; it delivers nothing, ticks included, once gen has been
// stopped or replaced.
func (t *Timer) evaluateLocked(gen uint64) func() {
	remaining := t.expiresAt.Sub(t.clock.Now())
	h := t.handlers

	var warn, expire bool
	switch {
	case remaining <= 0:
		t.expired = true
		expire = true
		remaining = 0
	case !t.warned && remaining <= t.threshold:
		t.warned = true
		warn = true
	}

	return func() {
		if h.OnTick != nil && t.live(gen) {
			h.OnTick(remaining)
		}
		if warn && h.OnWarning != nil && t.live(gen) {
			t.log.Debug("countdown.warning", slog.Duration("remaining", remaining))
			h.OnWarning(remaining)
		}
		if expire && t.live(gen) {
			t.log.Debug("countdown.expire")
			if h.OnExpire != nil {
				h.OnExpire()
			}
		}
	}
}
