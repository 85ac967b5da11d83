// Package presenter drives the warning and ending views of a session. It
// mirrors the coordinator's state, runs display-only countdowns and turns user
// actions into intents. It never changes lifecycle state itself.
package presenter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/session-lifecycle-go/clock"
	"github.com/ggoodman/session-lifecycle-go/internal/serial"
	"github.com/ggoodman/session-lifecycle-go/lifecycle"
	"github.com/ggoodman/session-lifecycle-go/sessions"
)

// DefaultInterval is the refresh period of both views.
const DefaultInterval = time.Second

// Lifecycle is the part of *lifecycle.Coordinator a Driver depends on.
type Lifecycle interface {
	Snapshot() lifecycle.Snapshot
	EndingDuration() time.Duration
	RequestEnd(reason lifecycle.Reason)
	RequestExtend(ctx context.Context) (<-chan lifecycle.ExtendOutcome, error)
	AcknowledgeWarning()
	ObserveState(fn func(from, to sessions.State))
}

// Renderer draws the views. Calls are serialized.
type Renderer interface {
	ShowWarning(remaining time.Duration)
	UpdateWarning(remaining time.Duration)
	HideWarning()
	ShowEnding(total time.Duration)
	// UpdateEnding reports animation progress in [0, 1].
	UpdateEnding(progress float64)
}

// View identifies what the driver currently displays.
type View int

const (
	ViewNone View = iota
	ViewWarning
	ViewEnding
)

func (v View) String() string {
	switch v {
	case ViewWarning:
		return "warning"
	case ViewEnding:
		return "ending"
	default:
		return "none"
	}
}

type Option func(*Driver)

func WithClock(c clock.Clock) Option {
	return func(d *Driver) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithInterval sets the refresh period of the warning and ending views.
func WithInterval(iv time.Duration) Option {
	return func(d *Driver) {
		if iv > 0 {
			d.interval = iv
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// Driver is the presentation layer of one tab.
type Driver struct {
	lc       Lifecycle
	r        Renderer
	clock    clock.Clock
	interval time.Duration
	log      *slog.Logger
	queue    serial.Queue

	// Owned by queue tasks.
	timer       clock.Timer
	gen         uint64
	endingStart time.Time

	mu      sync.Mutex
	view    View
	stopped bool
}

// New attaches a Driver to lc. If lc is already warning or ending the matching
// view is shown right away.
func New(lc Lifecycle, r Renderer, opts ...Option) *Driver {
	d := &Driver{
		lc:       lc,
		r:        r,
		clock:    clock.Real(),
		interval: DefaultInterval,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(d)
	}

	lc.ObserveState(func(_, to sessions.State) {
		d.queue.Do(func() { d.enter(to) })
	})
	if st := lc.Snapshot().State; st != sessions.StateActive {
		d.queue.Do(func() { d.enter(st) })
	}
	return d
}

// View reports the view currently displayed.
func (d *Driver) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view
}

// Extend forwards the user's "stay signed in" intent.
func (d *Driver) Extend(ctx context.Context) (<-chan lifecycle.ExtendOutcome, error) {
	return d.lc.RequestExtend(ctx)
}

// End forwards the user's "sign out" intent.
func (d *Driver) End() {
	d.lc.RequestEnd(lifecycle.ReasonUser)
}

// Dismiss hides the warning and tells the other tabs it was acknowledged. The
// session still ends at its expiration unless extended.
func (d *Driver) Dismiss() {
	d.queue.Do(func() {
		if !d.hideWarning() {
			return
		}
		d.lc.AcknowledgeWarning()
	})
}

// WarningAcknowledged hides the warning because another tab dismissed it. Hosts
// call it from lifecycle.Events.OnWarningAcknowledged.
func (d *Driver) WarningAcknowledged() {
	d.queue.Do(func() { d.hideWarning() })
}

// Stop halts all view timers. It is idempotent.
func (d *Driver) Stop() {
	d.queue.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		d.cancelTimer()
	})
}

func (d *Driver) enter(to sessions.State) {
	if d.isStopped() {
		return
	}
	switch to {
	case sessions.StateWarning:
		d.showWarning()
	case sessions.StateActive:
		d.hideWarning()
	case sessions.StateEnding:
		d.showEnding()
	case sessions.StateEnded:
		d.cancelTimer()
		if d.View() == ViewEnding {
			d.r.UpdateEnding(1)
		}
	}
}

func (d *Driver) showWarning() {
	d.cancelTimer()
	remaining := d.remaining()
	d.setView(ViewWarning)
	d.r.ShowWarning(remaining)
	if remaining <= 0 {
		d.warningTimeout()
		return
	}
	d.schedule(d.warningTick)
}

func (d *Driver) warningTick() {
	remaining := d.remaining()
	d.r.UpdateWarning(remaining)
	if remaining <= 0 {
		d.warningTimeout()
		return
	}
	d.schedule(d.warningTick)
}

func (d *Driver) warningTimeout() {
	d.log.Debug("presenter.warning.timeout")
	d.lc.RequestEnd(lifecycle.ReasonWarningTimeout)
}

// hideWarning reports whether a warning was showing.
func (d *Driver) hideWarning() bool {
	if d.View() != ViewWarning {
		return false
	}
	d.cancelTimer()
	d.setView(ViewNone)
	d.r.HideWarning()
	return true
}

func (d *Driver) showEnding() {
	d.hideWarning()
	d.cancelTimer()

	total := d.lc.EndingDuration()
	d.endingStart = d.clock.Now()
	d.setView(ViewEnding)
	d.r.ShowEnding(total)
	if total <= 0 {
		d.r.UpdateEnding(1)
		return
	}
	d.schedule(d.endingTick)
}

func (d *Driver) endingTick() {
	total := d.lc.EndingDuration()
	progress := min(float64(d.clock.Now().Sub(d.endingStart))/float64(total), 1)
	d.r.UpdateEnding(progress)
	if progress < 1 {
		d.schedule(d.endingTick)
	}
}

func (d *Driver) remaining() time.Duration {
	exp := d.lc.Snapshot().ExpiresAt
	if exp.IsZero() {
		return 0
	}
	return max(exp.Sub(d.clock.Now()), 0)
}

// schedule runs fn on the queue after one interval unless the timer is
// cancelled or replaced first.
func (d *Driver) schedule(fn func()) {
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.interval, func() {
		d.queue.Do(func() {
			if gen != d.gen || d.isStopped() {
				return
			}
			d.timer = nil
			fn()
		})
	})
}

func (d *Driver) cancelTimer() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Driver) setView(v View) {
	d.mu.Lock()
	d.view = v
	d.mu.Unlock()
}

func (d *Driver) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}
