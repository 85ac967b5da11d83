package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/session-lifecycle-go/sessions"
	"github.com/ggoodman/session-lifecycle-go/tabsync"
	"github.com/ggoodman/session-lifecycle-go/tabsync/memoryhub"
)

func multiTabConfig() Config {
	cfg := testConfig()
	cfg.WarningThreshold = 30 * time.Second
	return cfg
}

func newMultiTab(t *testing.T) (*harness, *memoryhub.Hub) {
	hub := memoryhub.New()
	t.Cleanup(func() { _ = hub.Close() })
	return newHarness(t, hub), hub
}

func TestTabs_EndPropagatesAndEachTabRedirectsOnce(t *testing.T) {
	h, _ := newMultiTab(t)
	a := h.newTab(multiTabConfig(), nil, "tab-a")
	b := h.newTab(multiTabConfig(), nil, "tab-b")
	h.start(a, "s1", time.Hour)
	h.start(b, "s1", time.Hour)

	a.c.RequestEnd(ReasonUser)
	requireState(t, a.c, sessions.StateEnding)
	requireState(t, b.c, sessions.StateEnding)

	h.clk.Advance(2900 * time.Millisecond)
	requireState(t, a.c, sessions.StateEnding)
	requireState(t, b.c, sessions.StateEnding)

	h.clk.Advance(100 * time.Millisecond)
	requireState(t, a.c, sessions.StateEnded)
	requireState(t, b.c, sessions.StateEnded)

	// The End re-broadcast at Ended is a duplicate for the peer.
	h.clk.Advance(time.Minute)
	requireRedirects(t, a.rec, baseURL)
	requireRedirects(t, b.rec, baseURL)
	if r := b.rec.snapshot().ends[0].Reason; r != ReasonRemote {
		t.Fatalf("expected remote reason, got %s", r)
	}
}

// No tab stays Active once any tab has recorded Ending, whatever the reason.
func TestTabs_PeersLeaveActiveWhenAnyTabEnds(t *testing.T) {
	cases := map[string]func(h *harness, a *tab){
		"user":   func(h *harness, a *tab) { a.c.RequestEnd(ReasonUser) },
		"expiry": func(h *harness, a *tab) { h.clk.Advance(time.Minute) },
	}
	for name, trigger := range cases {
		t.Run(name, func(t *testing.T) {
			h, _ := newMultiTab(t)
			a := h.newTab(multiTabConfig(), nil, "tab-a")
			b := h.newTab(multiTabConfig(), nil, "tab-b")
			c := h.newTab(multiTabConfig(), nil, "tab-c")
			h.start(a, "s1", time.Minute)
			h.start(b, "s1", 2*time.Hour)
			h.start(c, "s1", 2*time.Hour)

			trigger(h, a)
			requireState(t, a.c, sessions.StateEnding)
			for _, peer := range []*tab{b, c} {
				if st := peer.c.State(); !st.IsEnding() {
					t.Fatalf("peer still %s after another tab started ending", st)
				}
			}

			h.clk.Advance(time.Minute)
			for _, tb := range []*tab{a, b, c} {
				requireState(t, tb.c, sessions.StateEnded)
				requireRedirects(t, tb.rec, baseURL)
			}
		})
	}
}

func TestTabs_DuplicateEndMessagesEndOnce(t *testing.T) {
	h, hub := newMultiTab(t)
	tb := h.newTab(multiTabConfig(), nil, "tab-a")
	h.start(tb, "s1", time.Hour)

	data, err := json.Marshal(tabsync.Message{
		SessionID:   "s1",
		Kind:        tabsync.KindEnd,
		OriginTabID: "tab-elsewhere",
		Timestamp:   h.clk.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := hub.Publish(context.Background(), "tab:s1", data); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	requireState(t, tb.c, sessions.StateEnding)

	h.clk.Advance(time.Minute)
	for i := 0; i < 5; i++ {
		if err := hub.Publish(context.Background(), "tab:s1", data); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	h.clk.Advance(time.Minute)

	requireState(t, tb.c, sessions.StateEnded)
	requireRedirects(t, tb.rec, baseURL)
}

func TestTabs_OtherSessionsAreIgnored(t *testing.T) {
	h, _ := newMultiTab(t)
	a := h.newTab(multiTabConfig(), nil, "tab-a")
	b := h.newTab(multiTabConfig(), nil, "tab-b")
	h.start(a, "s1", time.Hour)
	h.start(b, "s2", time.Hour)

	a.c.RequestEnd(ReasonUser)
	h.clk.Advance(time.Minute)
	requireState(t, a.c, sessions.StateEnded)
	requireState(t, b.c, sessions.StateActive)
}

func TestTabs_ExtendPropagates(t *testing.T) {
	h, _ := newMultiTab(t)
	be := newFakeBackend()
	a := h.newTab(multiTabConfig(), be, "tab-a")
	b := h.newTab(multiTabConfig(), nil, "tab-b")
	h.start(a, "s1", time.Minute)
	h.start(b, "s1", time.Minute)

	h.clk.Advance(31 * time.Second)
	requireState(t, a.c, sessions.StateWarning)
	requireState(t, b.c, sessions.StateWarning)

	out, err := a.c.RequestExtend(context.Background())
	if err != nil {
		t.Fatalf("RequestExtend: %v", err)
	}
	newExp := h.clk.Now().Add(time.Hour)
	be.results <- extendResult{expiresAt: newExp}
	if o := awaitOutcome(t, out); !o.Applied {
		t.Fatalf("expected extension to apply, got %+v", o)
	}

	requireState(t, a.c, sessions.StateActive)
	requireState(t, b.c, sessions.StateActive)
	if got := b.c.Snapshot().ExpiresAt; !got.Equal(newExp) {
		t.Fatalf("expected peer expiresAt %v, got %v", newExp, got)
	}
	if ext := b.rec.snapshot().extended; len(ext) != 1 {
		t.Fatalf("expected peer OnExtended once, got %d", len(ext))
	}

	// Neither tab expires at the old instant.
	h.clk.Advance(time.Minute)
	requireState(t, a.c, sessions.StateActive)
	requireState(t, b.c, sessions.StateActive)
}

func TestTabs_StaleRemoteExtendIgnored(t *testing.T) {
	h, hub := newMultiTab(t)
	tb := h.newTab(multiTabConfig(), nil, "tab-a")
	h.start(tb, "s1", time.Minute)
	h.clk.Advance(31 * time.Second)

	data, _ := json.Marshal(tabsync.Message{
		SessionID:   "s1",
		Kind:        tabsync.KindExtend,
		OriginTabID: "tab-elsewhere",
		Timestamp:   h.clk.Now(),
		ExpiresAt:   epoch.Add(45 * time.Second),
	})
	if err := hub.Publish(context.Background(), "tab:s1", data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	requireState(t, tb.c, sessions.StateWarning)
	if got := tb.c.Snapshot().ExpiresAt; !got.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("expiration moved backwards to %v", got)
	}
}

func TestTabs_WarningAckReachesPeers(t *testing.T) {
	h, _ := newMultiTab(t)
	a := h.newTab(multiTabConfig(), nil, "tab-a")
	b := h.newTab(multiTabConfig(), nil, "tab-b")
	h.start(a, "s1", time.Minute)
	h.start(b, "s1", time.Minute)

	// Outside Warning the acknowledgement is not sent.
	a.c.AcknowledgeWarning()
	if n := b.rec.snapshot().acks; n != 0 {
		t.Fatalf("expected no ack while active, got %d", n)
	}

	h.clk.Advance(31 * time.Second)
	a.c.AcknowledgeWarning()
	if n := b.rec.snapshot().acks; n != 1 {
		t.Fatalf("expected one ack at peer, got %d", n)
	}
	if n := a.rec.snapshot().acks; n != 0 {
		t.Fatalf("sender must not see its own ack, got %d", n)
	}
	requireState(t, a.c, sessions.StateWarning)
	requireState(t, b.c, sessions.StateWarning)
}

func TestTabs_RemoteEndWinsOverPendingExtend(t *testing.T) {
	h, _ := newMultiTab(t)
	be := newFakeBackend()
	a := h.newTab(multiTabConfig(), be, "tab-a")
	b := h.newTab(multiTabConfig(), nil, "tab-b")
	h.start(a, "s1", time.Minute)
	h.start(b, "s1", time.Minute)
	h.clk.Advance(31 * time.Second)

	out, err := a.c.RequestExtend(context.Background())
	if err != nil {
		t.Fatalf("RequestExtend: %v", err)
	}
	b.c.RequestEnd(ReasonUser)
	requireState(t, b.c, sessions.StateEnding)
	requireState(t, a.c, sessions.StateEnding)

	be.results <- extendResult{expiresAt: h.clk.Now().Add(time.Hour)}
	o := awaitOutcome(t, out)
	if o.Applied || !errors.Is(o.Err, ErrExtendDiscarded) {
		t.Fatalf("expected discarded extension, got %+v", o)
	}

	h.clk.Advance(3 * time.Second)
	requireState(t, b.c, sessions.StateEnded)
	requireState(t, a.c, sessions.StateEnded)
	if r := a.rec.snapshot().ends[0].Reason; r != ReasonRemote {
		t.Fatalf("expected remote reason, got %s", r)
	}
	requireRedirects(t, a.rec, baseURL)
	requireRedirects(t, b.rec, baseURL)
}

func TestTabs_CloseLeavesGroup(t *testing.T) {
	h, _ := newMultiTab(t)
	a := h.newTab(multiTabConfig(), nil, "tab-a")
	b := h.newTab(multiTabConfig(), nil, "tab-b")
	h.start(a, "s1", time.Hour)
	h.start(b, "s1", time.Hour)

	if err := b.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	a.c.RequestEnd(ReasonUser)
	h.clk.Advance(time.Minute)
	requireState(t, a.c, sessions.StateEnded)
	requireState(t, b.c, sessions.StateActive)
	requireRedirects(t, b.rec)
}
