package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/session-lifecycle-go/clock"
	"github.com/ggoodman/session-lifecycle-go/sessions"
	"github.com/ggoodman/session-lifecycle-go/tabsync"
)

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

const baseURL = "https://app.example.com/"

func testConfig() Config {
	return Config{
		WarningThreshold:  2 * time.Second,
		TickInterval:      100 * time.Millisecond,
		EndingDuration:    3 * time.Second,
		RedirectBaseURL:   baseURL,
		ExtendFailurePath: "extend-session",
	}
}

type extendResult struct {
	expiresAt time.Time
	err       error
}

// fakeBackend blocks ExtendSession until the test releases a result, so tests
// control exactly when a response arrives.
type fakeBackend struct {
	results chan extendResult

	mu         sync.Mutex
	extends    int
	heartbeats int
	hbErr      error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{results: make(chan extendResult, 4)}
}

func (b *fakeBackend) ExtendSession(ctx context.Context, sessionID string) (time.Time, error) {
	b.mu.Lock()
	b.extends++
	b.mu.Unlock()
	select {
	case r := <-b.results:
		return r.expiresAt, r.err
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

func (b *fakeBackend) Heartbeat(ctx context.Context, sessionID string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeats++
	return b.hbErr
}

func (b *fakeBackend) heartbeatCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heartbeats
}

// recorder captures every host-visible effect of a coordinator.
type recorder struct {
	clk *clock.Fake

	mu          sync.Mutex
	redirects   []string
	ends        []EndEvent
	warnings    []time.Time
	extended    []time.Time
	acks        int
	transitions []string
}

func (r *recorder) events() Events {
	return Events{
		OnWarning: func(time.Duration) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.warnings = append(r.warnings, r.clk.Now())
		},
		OnSessionEnd: func(ev EndEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ends = append(r.ends, ev)
		},
		OnExtended: func(t time.Time) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.extended = append(r.extended, t)
		},
		OnWarningAcknowledged: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.acks++
		},
	}
}

func (r *recorder) Redirect(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redirects = append(r.redirects, url)
}

func (r *recorder) observe(from, to sessions.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		redirects:   append([]string(nil), r.redirects...),
		ends:        append([]EndEvent(nil), r.ends...),
		warnings:    append([]time.Time(nil), r.warnings...),
		extended:    append([]time.Time(nil), r.extended...),
		acks:        r.acks,
		transitions: append([]string(nil), r.transitions...),
	}
}

type tab struct {
	c   *Coordinator
	rec *recorder
}

type harness struct {
	t   *testing.T
	clk *clock.Fake
	hub tabsync.Hub
}

func newHarness(t *testing.T, hub tabsync.Hub) *harness {
	return &harness{t: t, clk: clock.NewFake(epoch), hub: hub}
}

func (h *harness) newTab(cfg Config, backend Backend, tabID string) *tab {
	rec := &recorder{clk: h.clk}
	opts := []Option{WithClock(h.clk), WithEvents(rec.events())}
	if h.hub != nil {
		opts = append(opts, WithSynchronizer(tabsync.New(h.hub, tabsync.WithTabID(tabID), tabsync.WithClock(h.clk))))
	}
	c := New(cfg, backend, rec, opts...)
	c.ObserveState(rec.observe)
	h.t.Cleanup(func() { _ = c.Close() })
	return &tab{c: c, rec: rec}
}

func (h *harness) start(tb *tab, id string, expiresIn time.Duration) {
	h.t.Helper()
	s := sessions.Session{ID: id, IssuedAt: h.clk.Now(), ExpiresAt: h.clk.Now().Add(expiresIn)}
	if err := tb.c.Start(context.Background(), s); err != nil {
		h.t.Fatalf("start: %v", err)
	}
}

func awaitOutcome(t *testing.T, ch <-chan ExtendOutcome) ExtendOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for extend outcome")
		return ExtendOutcome{}
	}
}

func requireState(t *testing.T, c *Coordinator, want sessions.State) {
	t.Helper()
	if got := c.State(); got != want {
		t.Fatalf("expected state %s, got %s", want, got)
	}
}

func requireRedirects(t *testing.T, rec *recorder, want ...string) {
	t.Helper()
	got := rec.snapshot()
	if len(got.redirects) != len(want) {
		t.Fatalf("expected redirects %v, got %v", want, got.redirects)
	}
	for i := range want {
		if got.redirects[i] != want[i] {
			t.Fatalf("expected redirects %v, got %v", want, got.redirects)
		}
	}
	if len(got.ends) != len(want) {
		t.Fatalf("expected %d OnSessionEnd, got %d", len(want), len(got.ends))
	}
}

func isDone(c *Coordinator) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

var errDown = errors.New("backend down")
