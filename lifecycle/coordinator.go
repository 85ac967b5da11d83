package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/session-lifecycle-go/clock"
	"github.com/ggoodman/session-lifecycle-go/countdown"
	"github.com/ggoodman/session-lifecycle-go/heartbeat"
	"github.com/ggoodman/session-lifecycle-go/internal/logctx"
	"github.com/ggoodman/session-lifecycle-go/internal/serial"
	"github.com/ggoodman/session-lifecycle-go/sessions"
	"github.com/ggoodman/session-lifecycle-go/tabsync"
)

var (
	ErrAlreadyStarted = errors.New("lifecycle: coordinator already started")
	// ErrExtendNotAllowed is returned by RequestExtend outside the Warning state.
	ErrExtendNotAllowed = errors.New("lifecycle: extend is only allowed while warning")
	ErrExtendInFlight   = errors.New("lifecycle: an extend request is already in flight")
	ErrNoBackend        = errors.New("lifecycle: no backend configured")
	// ErrExtendRejected marks a backend response whose expiration is not in
	// the future.
	ErrExtendRejected = errors.New("lifecycle: extended expiration is not in the future")
	// ErrExtendDiscarded marks an extend response that arrived after the
	// session left the Warning state.
	ErrExtendDiscarded = errors.New("lifecycle: extend response discarded")
)

// broadcastTimeout bounds each tab broadcast made by the coordinator.
const broadcastTimeout = 5 * time.Second

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) {
		if l != nil {
			co.log = l
		}
	}
}

func WithEvents(ev Events) Option {
	return func(co *Coordinator) { co.events = ev }
}

// WithSynchronizer connects the coordinator to the other tabs of its session.
// Without one the coordinator behaves as the only tab.
func WithSynchronizer(s *tabsync.Synchronizer) Option {
	return func(co *Coordinator) { co.tabs = s }
}

// WithHeartbeatOptions passes options to the heartbeat reporter, for example
// heartbeat.WithMeterProvider.
func WithHeartbeatOptions(opts ...heartbeat.Option) Option {
	return func(co *Coordinator) { co.hbOpts = append(co.hbOpts, opts...) }
}

// Coordinator is the lifecycle state machine of one tab. It is the single
// authority on session state and performs the Ended side effects (End
// broadcast, OnSessionEnd, redirect) at most once.
//
// All transitions run as tasks on a run-to-completion serial queue, so timer
// callbacks, tab messages, extend responses and host calls never interleave.
type Coordinator struct {
	cfg        Config
	backend    Backend
	redirector Redirector
	clock      clock.Clock
	log        *slog.Logger
	events     Events
	tabs       *tabsync.Synchronizer
	hbOpts     []heartbeat.Option

	countdown *countdown.Timer
	heartbeat *heartbeat.Reporter
	queue     serial.Queue
	changes   changeNotifier
	started   atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once

	// Owned by serial tasks.
	begun       bool
	tornDown    bool
	endedRan    bool
	endingTimer clock.Timer

	mu             sync.Mutex
	session        sessions.Session
	state          sessions.State
	expiresAt      time.Time
	reason         Reason
	redirectURL    string
	extendInFlight bool
	observers      []func(from, to sessions.State)
}

// New constructs a coordinator. backend may be nil, which disables the
// heartbeat and extension. redirector may be nil when the host only consumes
// Events.OnSessionEnd.
func New(cfg Config, backend Backend, redirector Redirector, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()

	c := &Coordinator{
		cfg:        cfg,
		backend:    backend,
		redirector: redirector,
		clock:      clock.Real(),
		log:        slog.New(slog.DiscardHandler),
		done:       make(chan struct{}),
		state:      sessions.StateActive,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = logctx.Wrap(c.log)

	c.countdown = countdown.New(c.clock, countdown.WithInterval(cfg.TickInterval), countdown.WithLogger(c.log))
	c.heartbeat = heartbeat.New(c.clock, append([]heartbeat.Option{heartbeat.WithLogger(c.log)}, c.hbOpts...)...)

	if c.tabs != nil {
		c.tabs.OnMessage(c.onTabMessage)
	}
	return c
}

// Start joins the session's tab group and begins the countdown. An invalid
// session (empty id, already expired, ...) goes straight to Ending with
// ReasonInvalid. Start may be called once.
func (c *Coordinator) Start(ctx context.Context, s sessions.Session) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if s.WarningThreshold == 0 {
		s.WarningThreshold = c.cfg.WarningThreshold
	}

	c.mu.Lock()
	c.session = s
	c.expiresAt = s.ExpiresAt
	c.mu.Unlock()

	if c.tabs != nil && s.ID != "" {
		if err := c.tabs.Join(ctx, s.ID); err != nil {
			c.log.WarnContext(c.logCtx(), "lifecycle.tabs.join.error", slog.String("err", err.Error()))
		}
	}

	c.queue.Do(func() { c.begin(s) })
	return nil
}

func (c *Coordinator) begin(s sessions.Session) {
	c.begun = true
	if c.closed.Load() || c.State().IsEnding() {
		// Closed, or another tab ended the session while we were joining.
		return
	}

	if err := s.Validate(c.clock.Now()); err != nil {
		c.log.WarnContext(c.logCtx(), "lifecycle.session.invalid", slog.String("err", err.Error()))
		c.enterEnding(ReasonInvalid, c.cfg.RedirectBaseURL)
		return
	}

	if c.backend != nil && c.cfg.HeartbeatInterval > 0 {
		id := s.ID
		err := c.heartbeat.Start(c.cfg.HeartbeatInterval, func(ctx context.Context) error {
			return c.backend.Heartbeat(ctx, id, c.clock.Now())
		})
		if err != nil {
			c.log.WarnContext(c.logCtx(), "lifecycle.heartbeat.start.error", slog.String("err", err.Error()))
		}
	}

	c.log.InfoContext(c.logCtx(), "lifecycle.start",
		slog.Time("expires_at", s.ExpiresAt),
		slog.Duration("warning_threshold", s.WarningThreshold),
	)

	c.countdown.Start(s, c.countdownHandlers())
}

func (c *Coordinator) countdownHandlers() countdown.Handlers {
	return countdown.Handlers{
		OnWarning: func(remaining time.Duration) {
			c.queue.Do(func() { c.onWarning(remaining) })
		},
		OnExpire: func() {
			c.queue.Do(c.onExpire)
		},
	}
}

func (c *Coordinator) onWarning(remaining time.Duration) {
	if c.closed.Load() || c.State() != sessions.StateActive {
		return
	}
	c.setState(sessions.StateWarning)
	if c.events.OnWarning != nil {
		c.events.OnWarning(remaining)
	}
}

func (c *Coordinator) onExpire() {
	if c.closed.Load() {
		return
	}
	// An extension applied while this expiry was queued moved the deadline.
	c.mu.Lock()
	expiresAt := c.expiresAt
	c.mu.Unlock()
	if now := c.clock.Now(); now.Before(expiresAt) {
		c.log.DebugContext(c.logCtx(), "lifecycle.expire.stale", slog.Time("expires_at", expiresAt))
		return
	}
	c.enterEnding(ReasonExpired, c.cfg.RedirectBaseURL)
}

// RequestEnd asks the coordinator to end the session. It is ignored once the
// session is ending. ReasonWarningTimeout is only honoured while the session
// is in Warning, so a display countdown that outlived an extension cannot end
// the session.
func (c *Coordinator) RequestEnd(reason Reason) {
	if reason == "" {
		reason = ReasonUser
	}
	c.queue.Do(func() { c.requestEnd(reason) })
}

func (c *Coordinator) requestEnd(reason Reason) {
	state := c.State()
	switch {
	case c.closed.Load() || !c.begun:
		c.log.DebugContext(c.logCtx(), "lifecycle.end.ignored", slog.String("reason", string(reason)), slog.String("why", "not running"))
	case state.IsEnding():
		c.log.DebugContext(c.logCtx(), "lifecycle.end.ignored", slog.String("reason", string(reason)), slog.String("why", "already ending"))
	case reason == ReasonWarningTimeout && state != sessions.StateWarning:
		c.log.DebugContext(c.logCtx(), "lifecycle.end.ignored", slog.String("reason", string(reason)), slog.String("why", "stale warning timeout"))
	default:
		target := c.cfg.RedirectBaseURL
		if reason == ReasonExtendFailed {
			target = c.extendFailureURL()
		}
		c.enterEnding(reason, target)
	}
}

// RequestExtend asks the backend for more time. It is accepted only in the
// Warning state with no other extension in flight. The backend call runs on
// its own goroutine; its result is applied against whatever state holds when
// it arrives and reported once on the returned channel.
func (c *Coordinator) RequestExtend(ctx context.Context) (<-chan ExtendOutcome, error) {
	c.mu.Lock()
	switch {
	case c.backend == nil:
		c.mu.Unlock()
		return nil, ErrNoBackend
	case c.state != sessions.StateWarning:
		c.mu.Unlock()
		return nil, ErrExtendNotAllowed
	case c.extendInFlight:
		c.mu.Unlock()
		return nil, ErrExtendInFlight
	}
	c.extendInFlight = true
	id := c.session.ID
	c.mu.Unlock()

	c.log.InfoContext(c.logCtx(), "lifecycle.extend.request")

	out := make(chan ExtendOutcome, 1)
	go func() {
		expiresAt, err := c.backend.ExtendSession(ctx, id)
		c.queue.Do(func() { out <- c.applyExtend(expiresAt, err) })
	}()
	return out, nil
}

func (c *Coordinator) applyExtend(expiresAt time.Time, err error) ExtendOutcome {
	c.mu.Lock()
	c.extendInFlight = false
	current := c.expiresAt
	c.mu.Unlock()

	if err == nil && !expiresAt.After(c.clock.Now()) {
		err = fmt.Errorf("%w: %s", ErrExtendRejected, expiresAt.Format(time.RFC3339))
	}

	state := c.State()
	switch {
	case c.closed.Load() || state.IsEnding():
		c.log.InfoContext(c.logCtx(), "lifecycle.extend.discarded", slog.Bool("failed", err != nil))
		return ExtendOutcome{State: state, Err: discarded(err)}

	case state == sessions.StateActive:
		// Another tab extended first. Keep the later expiration, never end.
		if err != nil || !expiresAt.After(current) {
			c.log.InfoContext(c.logCtx(), "lifecycle.extend.discarded", slog.Bool("failed", err != nil))
			return ExtendOutcome{State: state, Err: discarded(err)}
		}
		c.applyExpiry(expiresAt)
		c.broadcast(tabsync.KindExtend, expiresAt)
		return ExtendOutcome{State: c.State(), Applied: true, ExpiresAt: expiresAt}

	case err != nil:
		c.log.WarnContext(c.logCtx(), "lifecycle.extend.failure", slog.String("err", err.Error()))
		c.enterEnding(ReasonExtendFailed, c.extendFailureURL())
		return ExtendOutcome{State: c.State(), Err: err}

	default:
		c.log.InfoContext(c.logCtx(), "lifecycle.extend.success", slog.Time("expires_at", expiresAt))
		c.applyExpiry(expiresAt)
		c.broadcast(tabsync.KindExtend, expiresAt)
		return ExtendOutcome{State: c.State(), Applied: true, ExpiresAt: expiresAt}
	}
}

func discarded(err error) error {
	if err == nil {
		return ErrExtendDiscarded
	}
	return fmt.Errorf("%w: %w", ErrExtendDiscarded, err)
}

// applyExpiry moves the session to a later expiration: back to Active, the
// countdown re-armed, and the host told. A countdown that already expired
// (its expiry still queued behind this task) is restarted.
func (c *Coordinator) applyExpiry(expiresAt time.Time) {
	c.mu.Lock()
	c.expiresAt = expiresAt
	s := c.session
	c.mu.Unlock()

	c.setState(sessions.StateActive)
	if c.countdown.Expired() {
		s.ExpiresAt = expiresAt
		c.countdown.Start(s, c.countdownHandlers())
	} else {
		c.countdown.Extend(expiresAt)
	}
	if c.events.OnExtended != nil {
		c.events.OnExtended(expiresAt)
	}
}

// AcknowledgeWarning tells the other tabs that the user dismissed the warning
// here. It has no effect outside the Warning state and never changes state.
func (c *Coordinator) AcknowledgeWarning() {
	c.queue.Do(func() {
		if c.closed.Load() || c.State() != sessions.StateWarning {
			return
		}
		c.broadcast(tabsync.KindWarningAck, time.Time{})
	})
}

func (c *Coordinator) onTabMessage(_ context.Context, msg tabsync.Message) {
	c.queue.Do(func() { c.handleTabMessage(msg) })
}

func (c *Coordinator) handleTabMessage(msg tabsync.Message) {
	if c.closed.Load() {
		return
	}
	state := c.State()
	ctx := c.logCtx()

	switch msg.Kind {
	case tabsync.KindEnd:
		// End always wins, whatever extension may be pending here.
		if state.IsEnding() {
			c.log.DebugContext(ctx, "lifecycle.remote.end.ignored", slog.String("origin", msg.OriginTabID))
			return
		}
		c.log.InfoContext(ctx, "lifecycle.remote.end", slog.String("origin", msg.OriginTabID))
		c.enterEnding(ReasonRemote, c.cfg.RedirectBaseURL)

	case tabsync.KindExtend:
		if !c.begun || state.IsEnding() {
			return
		}
		c.mu.Lock()
		current := c.expiresAt
		c.mu.Unlock()
		if !msg.ExpiresAt.After(current) || !msg.ExpiresAt.After(c.clock.Now()) {
			c.log.DebugContext(ctx, "lifecycle.remote.extend.ignored", slog.Time("expires_at", msg.ExpiresAt))
			return
		}
		c.log.InfoContext(ctx, "lifecycle.remote.extend", slog.Time("expires_at", msg.ExpiresAt), slog.String("origin", msg.OriginTabID))
		c.applyExpiry(msg.ExpiresAt)

	case tabsync.KindWarningAck:
		if state == sessions.StateWarning && c.events.OnWarningAcknowledged != nil {
			c.events.OnWarningAcknowledged()
		}
	}
}

// enterEnding records the end reason, runs the teardown path once and
// schedules Ended. Repeated calls are ignored.
func (c *Coordinator) enterEnding(reason Reason, redirectURL string) {
	if c.State().IsEnding() {
		c.log.DebugContext(c.logCtx(), "lifecycle.end.ignored", slog.String("reason", string(reason)))
		return
	}

	c.teardown()

	c.mu.Lock()
	c.reason = reason
	c.redirectURL = redirectURL
	c.mu.Unlock()
	c.setState(sessions.StateEnding)

	// Peers must not stay Active once any tab is ending. A remote End already
	// reached them.
	if reason != ReasonRemote {
		c.broadcast(tabsync.KindEnd, time.Time{})
	}

	c.log.InfoContext(c.logCtx(), "lifecycle.ending",
		slog.String("reason", string(reason)),
		slog.Duration("ending_duration", c.cfg.EndingDuration),
	)
	c.endingTimer = c.clock.AfterFunc(c.cfg.EndingDuration, func() {
		c.queue.Do(c.enterEnded)
	})
}

func (c *Coordinator) teardown() {
	if c.tornDown {
		return
	}
	c.tornDown = true
	c.countdown.Stop()
	c.heartbeat.Stop()
}

// enterEnded performs the single Ended side effect: stop timers, broadcast
// End, emit OnSessionEnd, redirect. It runs as one serial task.
func (c *Coordinator) enterEnded() {
	if c.endedRan || c.closed.Load() {
		return
	}
	c.endedRan = true
	c.endingTimer = nil

	c.setState(sessions.StateEnded)
	c.countdown.Stop()
	c.heartbeat.Stop()
	c.broadcast(tabsync.KindEnd, time.Time{})

	c.mu.Lock()
	ev := EndEvent{
		SessionID:   c.session.ID,
		Reason:      c.reason,
		RedirectURL: c.redirectURL,
		At:          c.clock.Now(),
	}
	c.mu.Unlock()

	c.log.InfoContext(c.logCtx(), "lifecycle.ended",
		slog.String("reason", string(ev.Reason)),
		slog.String("redirect_url", ev.RedirectURL),
	)
	if c.events.OnSessionEnd != nil {
		c.events.OnSessionEnd(ev)
	}
	if c.redirector != nil {
		c.redirector.Redirect(ev.RedirectURL)
	}
	c.finish()
}

func (c *Coordinator) broadcast(kind tabsync.Kind, expiresAt time.Time) {
	if c.tabs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()
	err := c.tabs.Broadcast(ctx, tabsync.Message{Kind: kind, ExpiresAt: expiresAt})
	if err != nil && !errors.Is(err, tabsync.ErrNotJoined) {
		c.log.WarnContext(c.logCtx(), "lifecycle.broadcast.error", slog.String("kind", string(kind)), slog.String("err", err.Error()))
	}
}

func (c *Coordinator) extendFailureURL() string {
	c.mu.Lock()
	id := c.session.ID
	c.mu.Unlock()
	return c.cfg.RedirectBaseURL + c.cfg.ExtendFailurePath + "?sessionId=" + url.QueryEscape(id)
}

// setState moves to a new state and notifies observers. Ending states never
// move back.
func (c *Coordinator) setState(to sessions.State) {
	c.mu.Lock()
	from := c.state
	if from == to || (from.IsEnding() && to < from) {
		c.mu.Unlock()
		return
	}
	c.state = to
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	c.log.InfoContext(c.logCtx(), "lifecycle.state.change", slog.String("from", from.String()), slog.String("to", to.String()))
	for _, fn := range observers {
		fn(from, to)
	}
	c.changes.notify(to)
}

// ObserveState registers fn to run after every state change. Observers run
// inside the serial executor in registration order.
func (c *Coordinator) ObserveState(fn func(from, to sessions.State)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State reports the current state.
func (c *Coordinator) State() sessions.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a consistent view of the coordinator.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		SessionID:   c.session.ID,
		State:       c.state,
		ExpiresAt:   c.expiresAt,
		Reason:      c.reason,
		RedirectURL: c.redirectURL,
	}
	c.mu.Unlock()

	if !snap.ExpiresAt.IsZero() {
		snap.Remaining = max(snap.ExpiresAt.Sub(c.clock.Now()), 0)
	}
	if c.tabs != nil {
		snap.TabID = c.tabs.TabID()
	}
	snap.Heartbeat = c.heartbeat.Record()
	return snap
}

// Changes returns a channel carrying the latest state after each change. A
// reader that falls behind skips intermediate states. The channel is closed by
// Close.
func (c *Coordinator) Changes() <-chan sessions.State {
	return c.changes.subscribe()
}

// Done is closed once the Ended side effects completed or the coordinator
// was closed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// EndingDuration is the delay between Ending and Ended. Presentation layers
// use it for the ending animation so both share one source of truth.
func (c *Coordinator) EndingDuration() time.Duration {
	return c.cfg.EndingDuration
}

// Close leaves the tab group and stops every timer without running the Ended
// side effects. No Ended side effect starts after Close returns; one already
// under way on another goroutine completes. Timer teardown runs as a serial
// task, so it may finish after Close returns when another goroutine is
// running a task. Close is idempotent.
func (c *Coordinator) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.queue.Do(func() {
			if c.endingTimer != nil {
				c.endingTimer.Stop()
				c.endingTimer = nil
			}
			c.teardown()
		})
	}

	var err error
	if c.tabs != nil {
		err = c.tabs.Leave()
	}
	c.finish()
	c.changes.close()
	return err
}

func (c *Coordinator) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Coordinator) logCtx() context.Context {
	c.mu.Lock()
	sd := &logctx.SessionData{SessionID: c.session.ID, State: c.state}
	c.mu.Unlock()
	if c.tabs != nil {
		sd.TabID = c.tabs.TabID()
	}
	return logctx.WithSessionData(context.Background(), sd)
}
