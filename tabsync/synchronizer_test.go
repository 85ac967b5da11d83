package tabsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/session-lifecycle-go/clock"
	"github.com/ggoodman/session-lifecycle-go/tabsync"
	"github.com/ggoodman/session-lifecycle-go/tabsync/memoryhub"
)

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func join(t *testing.T, hub tabsync.Hub, tabID, sessionID string) (*tabsync.Synchronizer, *[]tabsync.Message) {
	t.Helper()
	s := tabsync.New(hub, tabsync.WithTabID(tabID), tabsync.WithClock(clock.NewFake(epoch)))
	var got []tabsync.Message
	s.OnMessage(func(_ context.Context, msg tabsync.Message) { got = append(got, msg) })
	if err := s.Join(context.Background(), sessionID); err != nil {
		t.Fatalf("join %s: %v", tabID, err)
	}
	t.Cleanup(func() { _ = s.Leave() })
	return s, &got
}

func TestSynchronizer_BroadcastReachesPeersNotSelf(t *testing.T) {
	hub := memoryhub.New()
	a, aGot := join(t, hub, "tab-a", "s1")
	_, bGot := join(t, hub, "tab-b", "s1")
	_, cGot := join(t, hub, "tab-c", "s1")

	exp := epoch.Add(time.Hour)
	if err := a.Broadcast(context.Background(), tabsync.Message{Kind: tabsync.KindExtend, ExpiresAt: exp}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if len(*aGot) != 0 {
		t.Fatalf("sender received its own message: %+v", *aGot)
	}
	for name, got := range map[string]*[]tabsync.Message{"b": bGot, "c": cGot} {
		if len(*got) != 1 {
			t.Fatalf("tab %s: expected 1 message, got %d", name, len(*got))
		}
		msg := (*got)[0]
		if msg.SessionID != "s1" || msg.OriginTabID != "tab-a" || msg.Kind != tabsync.KindExtend {
			t.Fatalf("tab %s: unexpected message %+v", name, msg)
		}
		if !msg.Timestamp.Equal(epoch) || !msg.ExpiresAt.Equal(exp) {
			t.Fatalf("tab %s: unexpected times %+v", name, msg)
		}
	}
}

func TestSynchronizer_SessionIsolation(t *testing.T) {
	hub := memoryhub.New()
	a, _ := join(t, hub, "tab-a", "s1")
	_, otherGot := join(t, hub, "tab-b", "s2")

	if err := a.Broadcast(context.Background(), tabsync.Message{Kind: tabsync.KindEnd}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(*otherGot) != 0 {
		t.Fatalf("tab on another session received %+v", *otherGot)
	}
}

func TestSynchronizer_PerSenderOrder(t *testing.T) {
	hub := memoryhub.New()
	a, _ := join(t, hub, "tab-a", "s1")
	_, bGot := join(t, hub, "tab-b", "s1")

	kinds := []tabsync.Kind{tabsync.KindWarningAck, tabsync.KindExtend, tabsync.KindEnd}
	for _, k := range kinds {
		if err := a.Broadcast(context.Background(), tabsync.Message{Kind: k}); err != nil {
			t.Fatalf("broadcast %s: %v", k, err)
		}
	}
	if len(*bGot) != len(kinds) {
		t.Fatalf("expected %d messages, got %d", len(kinds), len(*bGot))
	}
	for i, k := range kinds {
		if (*bGot)[i].Kind != k {
			t.Fatalf("position %d: expected %s, got %s", i, k, (*bGot)[i].Kind)
		}
	}
}

func TestSynchronizer_DropsMalformedAndUnknown(t *testing.T) {
	hub := memoryhub.New()
	_, bGot := join(t, hub, "tab-b", "s1")

	ctx := context.Background()
	for _, raw := range []string{
		`not json`,
		`{"sessionId":"s1","kind":"reboot","originTabId":"x"}`,
		`{"sessionId":"s2","kind":"end","originTabId":"x"}`,
	} {
		if err := hub.Publish(ctx, "tab:s1", []byte(raw)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if len(*bGot) != 0 {
		t.Fatalf("expected all payloads to be dropped, got %+v", *bGot)
	}

	if err := hub.Publish(ctx, "tab:s1", []byte(`{"sessionId":"s1","kind":"end","originTabId":"x"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(*bGot) != 1 || (*bGot)[0].Kind != tabsync.KindEnd {
		t.Fatalf("expected the valid payload to be delivered, got %+v", *bGot)
	}
}

func TestSynchronizer_NotJoinedAndLeave(t *testing.T) {
	hub := memoryhub.New()
	s := tabsync.New(hub)
	if s.TabID() == "" {
		t.Fatal("expected a generated tab id")
	}
	if err := s.Broadcast(context.Background(), tabsync.Message{Kind: tabsync.KindEnd}); !errors.Is(err, tabsync.ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}

	_, bGot := join(t, hub, "tab-b", "s1")
	if err := s.Join(context.Background(), "s1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := s.Leave(); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if err := s.Broadcast(context.Background(), tabsync.Message{Kind: tabsync.KindEnd}); !errors.Is(err, tabsync.ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined after leave, got %v", err)
	}
	if len(*bGot) != 0 {
		t.Fatalf("unexpected delivery %+v", *bGot)
	}
}

func TestSynchronizer_LeftTabStopsReceiving(t *testing.T) {
	hub := memoryhub.New()
	a, _ := join(t, hub, "tab-a", "s1")
	b, bGot := join(t, hub, "tab-b", "s1")
	if err := b.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := a.Broadcast(context.Background(), tabsync.Message{Kind: tabsync.KindEnd}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(*bGot) != 0 {
		t.Fatalf("left tab received %+v", *bGot)
	}
}

func TestSynchronizer_JoinOutlivesContext(t *testing.T) {
	hub := memoryhub.New()
	a, _ := join(t, hub, "tab-a", "s1")

	ctx, cancel := context.WithCancel(context.Background())
	b := tabsync.New(hub, tabsync.WithTabID("tab-b"))
	var n int
	b.OnMessage(func(context.Context, tabsync.Message) { n++ })
	if err := b.Join(ctx, "s1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer b.Leave()
	cancel()
	time.Sleep(20 * time.Millisecond)

	if err := a.Broadcast(context.Background(), tabsync.Message{Kind: tabsync.KindWarningAck}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected membership to survive join ctx cancellation, got %d deliveries", n)
	}
}

func TestSynchronizer_RejectsUnknownKind(t *testing.T) {
	hub := memoryhub.New()
	a, _ := join(t, hub, "tab-a", "s1")
	if err := a.Broadcast(context.Background(), tabsync.Message{Kind: "reboot"}); err == nil {
		t.Fatal("expected an error for an unknown kind")
	}
}
