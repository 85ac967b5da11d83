// Package heartbeat periodically reports session liveness on a best-effort
// basis. Report failures are counted and logged but never escalate: the
// heartbeat is telemetry, not a liveness gate.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ggoodman/session-lifecycle-go/clock"
)

const meterName = "github.com/ggoodman/session-lifecycle-go/heartbeat"

var (
	// ErrAlreadyStarted is returned by Start on a running Reporter.
	ErrAlreadyStarted = errors.New("heartbeat already started")
	// ErrInvalidInterval is returned by Start for a non-positive interval.
	ErrInvalidInterval = errors.New("heartbeat interval must be positive")
)

// ReportFunc delivers one heartbeat. The context is cancelled when the
// Reporter stops or the per-report timeout elapses.
type ReportFunc func(ctx context.Context) error

// Record is an advisory snapshot of heartbeat outcomes.
type Record struct {
	LastSuccessAt       time.Time
	ConsecutiveFailures int
	TotalFailures       int
	Beats               int
	// Skipped counts intervals that elapsed while the previous report was
	// still in flight.
	Skipped int
}

// Option configures a Reporter.
type Option func(*Reporter)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *Reporter) {
		if mp != nil {
			r.mp = mp
		}
	}
}

// WithReportTimeout bounds each report. The default is the interval.
func WithReportTimeout(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithAttributes adds attributes to every recorded measurement.
func WithAttributes(opts ...metric.AddOption) Option {
	return func(r *Reporter) {
		r.addOpts = append(r.addOpts, opts...)
	}
}

// Reporter fires a ReportFunc on a fixed interval.
type Reporter struct {
	clock   clock.Clock
	log     *slog.Logger
	mp      metric.MeterProvider
	timeout time.Duration
	addOpts []metric.AddOption

	success metric.Int64Counter
	failure metric.Int64Counter
	skipped metric.Int64Counter

	mu       sync.Mutex
	running  bool
	gen      uint64
	interval time.Duration
	fn       ReportFunc
	pending  clock.Timer
	inFlight bool
	ctx      context.Context
	cancel   context.CancelFunc
	rec      Record
}

// New constructs a stopped Reporter.
func New(c clock.Clock, opts ...Option) *Reporter {
	r := &Reporter{
		clock: c,
		log:   slog.New(slog.DiscardHandler),
		mp:    otel.GetMeterProvider(),
	}
	for _, o := range opts {
		o(r)
	}
	r.initInstruments()
	return r
}

func (r *Reporter) initInstruments() {
	meter := r.mp.Meter(meterName)
	fallback := noop.Meter{}

	var err error
	if r.success, err = meter.Int64Counter("session.heartbeat.success",
		metric.WithDescription("Heartbeat reports that succeeded.")); err != nil {
		r.log.Warn("heartbeat.metrics.error", slog.String("err", err.Error()))
		r.success, _ = fallback.Int64Counter("session.heartbeat.success")
	}
	if r.failure, err = meter.Int64Counter("session.heartbeat.failure",
		metric.WithDescription("Heartbeat reports that failed.")); err != nil {
		r.log.Warn("heartbeat.metrics.error", slog.String("err", err.Error()))
		r.failure, _ = fallback.Int64Counter("session.heartbeat.failure")
	}
	if r.skipped, err = meter.Int64Counter("session.heartbeat.skipped",
		metric.WithDescription("Heartbeat intervals skipped because a report was still in flight.")); err != nil {
		r.log.Warn("heartbeat.metrics.error", slog.String("err", err.Error()))
		r.skipped, _ = fallback.Int64Counter("session.heartbeat.skipped")
	}
}

// Start schedules fn every interval, beginning one interval from now.
func (r *Reporter) Start(interval time.Duration, fn ReportFunc) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyStarted
	}
	r.running = true
	r.gen++
	r.interval = interval
	r.fn = fn
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.scheduleLocked(r.gen)

	r.log.Debug("heartbeat.start", slog.Duration("interval", interval))
	return nil
}

// Stop cancels the schedule and any in-flight report. It is idempotent.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	r.gen++
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
	r.cancel()
	r.log.Debug("heartbeat.stop")
}

// Running reports whether the Reporter is started.
func (r *Reporter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Record returns a copy of the current counters.
func (r *Reporter) Record() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec
}

func (r *Reporter) scheduleLocked(gen uint64) {
	r.pending = r.clock.AfterFunc(r.interval, func() { r.beat(gen) })
}

func (r *Reporter) beat(gen uint64) {
	r.mu.Lock()
	if !r.running || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.scheduleLocked(gen)
	if r.inFlight {
		r.rec.Skipped++
		ctx := r.ctx
		r.mu.Unlock()
		r.skipped.Add(ctx, 1, r.addOpts...)
		r.log.Debug("heartbeat.skip")
		return
	}
	r.inFlight = true
	fn := r.fn
	timeout := r.timeout
	if timeout <= 0 {
		timeout = r.interval
	}
	base := r.ctx
	r.mu.Unlock()

	go r.report(base, timeout, fn)
}

func (r *Reporter) report(base context.Context, timeout time.Duration, fn ReportFunc) {
	ctx, cancel := context.WithTimeout(base, timeout)
	err := fn(ctx)
	cancel()

	now := r.clock.Now()

	r.mu.Lock()
	r.inFlight = false
	r.rec.Beats++
	if err != nil {
		r.rec.ConsecutiveFailures++
		r.rec.TotalFailures++
	} else {
		r.rec.ConsecutiveFailures = 0
		r.rec.LastSuccessAt = now
	}
	consecutive := r.rec.ConsecutiveFailures
	r.mu.Unlock()

	// Reports that race Stop are still counted.
	mctx := context.WithoutCancel(base)
	if err != nil {
		r.failure.Add(mctx, 1, r.addOpts...)
		r.log.Warn("heartbeat.failure", slog.String("err", err.Error()), slog.Int("consecutive_failures", consecutive))
		return
	}
	r.success.Add(mctx, 1, r.addOpts...)
	r.log.Debug("heartbeat.success")
}
