// Package hubtest is a conformance suite for tabsync.Hub implementations.
package hubtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/session-lifecycle-go/tabsync"
)

// HubFactory creates a new Hub instance for testing.
type HubFactory func(t *testing.T) tabsync.Hub

const (
	waitTimeout = 5 * time.Second
	// quietPeriod is how long a test waits to be reasonably sure that a
	// message which should not arrive has not arrived.
	quietPeriod = 200 * time.Millisecond
)

// RunHubTests runs the complete Hub test suite against the provided factory.
func RunHubTests(t *testing.T, factory HubFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) { testPublishAndSubscribe(t, factory) })
	t.Run("IsolationBetweenTopics", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("FanOut_AllSubscribersReceive", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("PerSenderOrder", func(t *testing.T) { testPerSenderOrder(t, factory) })
	t.Run("LateSubscriberOnlySeesLaterMessages", func(t *testing.T) { testLateSubscriber(t, factory) })
	t.Run("CloseStopsDelivery", func(t *testing.T) { testCloseStopsDelivery(t, factory) })
	t.Run("CancellationStopsDelivery", func(t *testing.T) { testCancellationStopsDelivery(t, factory) })
	t.Run("CloseFromHandler", func(t *testing.T) { testCloseFromHandler(t, factory) })
	t.Run("PublishWithoutSubscribers", func(t *testing.T) { testPublishWithoutSubscribers(t, factory) })
}

// collector gathers deliveries from a subscription.
type collector struct {
	mu     sync.Mutex
	msgs   []string
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 1)}
}

func (c *collector) handle(_ context.Context, data []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(data))
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %v", n, c.snapshot())
		}
	}
}

func uniqueTopic(t *testing.T, name string) string {
	return fmt.Sprintf("%s:%s:%d", t.Name(), name, time.Now().UnixNano())
}

func subscribe(t *testing.T, ctx context.Context, h tabsync.Hub, topic string, c *collector) tabsync.Subscription {
	t.Helper()
	sub, err := h.Subscribe(ctx, topic, c.handle)
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func publish(t *testing.T, ctx context.Context, h tabsync.Hub, topic, data string) {
	t.Helper()
	if err := h.Publish(ctx, topic, []byte(data)); err != nil {
		t.Fatalf("publish %s: %v", topic, err)
	}
}

func testPublishAndSubscribe(t *testing.T, factory HubFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueTopic(t, "a")
	c := newCollector()
	subscribe(t, ctx, h, topic, c)

	publish(t, ctx, h, topic, "hello")
	got := c.waitFor(t, 1)
	if got[0] != "hello" {
		t.Fatalf("expected hello, got %q", got[0])
	}
}

func testTopicIsolation(t *testing.T, factory HubFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topicA, topicB := uniqueTopic(t, "a"), uniqueTopic(t, "b")
	ca, cb := newCollector(), newCollector()
	subscribe(t, ctx, h, topicA, ca)
	subscribe(t, ctx, h, topicB, cb)

	publish(t, ctx, h, topicA, "for-a")
	publish(t, ctx, h, topicB, "for-b")

	if got := ca.waitFor(t, 1); got[0] != "for-a" {
		t.Fatalf("topic a received %v", got)
	}
	if got := cb.waitFor(t, 1); got[0] != "for-b" {
		t.Fatalf("topic b received %v", got)
	}
	time.Sleep(quietPeriod)
	if got := ca.snapshot(); len(got) != 1 {
		t.Fatalf("topic a received foreign messages: %v", got)
	}
	if got := cb.snapshot(); len(got) != 1 {
		t.Fatalf("topic b received foreign messages: %v", got)
	}
}

func testFanOut(t *testing.T, factory HubFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueTopic(t, "fan")
	cs := []*collector{newCollector(), newCollector(), newCollector()}
	for _, c := range cs {
		subscribe(t, ctx, h, topic, c)
	}

	publish(t, ctx, h, topic, "one")
	publish(t, ctx, h, topic, "two")

	for i, c := range cs {
		got := c.waitFor(t, 2)
		if len(got) != 2 {
			t.Fatalf("subscriber %d: expected 2 messages, got %v", i, got)
		}
	}
}

func testPerSenderOrder(t *testing.T, factory HubFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueTopic(t, "order")
	c := newCollector()
	subscribe(t, ctx, h, topic, c)

	const n = 25
	for i := 0; i < n; i++ {
		publish(t, ctx, h, topic, fmt.Sprintf("m%02d", i))
	}

	got := c.waitFor(t, n)
	for i := 0; i < n; i++ {
		if want := fmt.Sprintf("m%02d", i); got[i] != want {
			t.Fatalf("position %d: expected %s, got %s (all: %v)", i, want, got[i], got)
		}
	}
}

func testLateSubscriber(t *testing.T, factory HubFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueTopic(t, "late")
	early := newCollector()
	subscribe(t, ctx, h, topic, early)
	publish(t, ctx, h, topic, "before")
	early.waitFor(t, 1)

	late := newCollector()
	subscribe(t, ctx, h, topic, late)
	publish(t, ctx, h, topic, "after")

	late.waitFor(t, 1)
	time.Sleep(quietPeriod)
	got := late.snapshot()
	if len(got) != 1 || got[0] != "after" {
		t.Fatalf("late subscriber expected [after], got %v", got)
	}
}

func testCloseStopsDelivery(t *testing.T, factory HubFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueTopic(t, "close")
	closed, live := newCollector(), newCollector()
	sub := subscribe(t, ctx, h, topic, closed)
	subscribe(t, ctx, h, topic, live)

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	publish(t, ctx, h, topic, "after-close")
	live.waitFor(t, 1)
	time.Sleep(quietPeriod)
	if got := closed.snapshot(); len(got) != 0 {
		t.Fatalf("closed subscription received %v", got)
	}
}

func testCancellationStopsDelivery(t *testing.T, factory HubFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueTopic(t, "cancel")
	subCtx, subCancel := context.WithCancel(ctx)
	cancelled, live := newCollector(), newCollector()
	subscribe(t, subCtx, h, topic, cancelled)
	subscribe(t, ctx, h, topic, live)

	subCancel()
	time.Sleep(quietPeriod)

	publish(t, ctx, h, topic, "after-cancel")
	live.waitFor(t, 1)
	time.Sleep(quietPeriod)
	if got := cancelled.snapshot(); len(got) != 0 {
		t.Fatalf("cancelled subscription received %v", got)
	}
}

func testCloseFromHandler(t *testing.T, factory HubFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := uniqueTopic(t, "self-close")
	var (
		mu    sync.Mutex
		sub   tabsync.Subscription
		count int
	)
	done := make(chan struct{}, 1)
	s, err := h.Subscribe(ctx, topic, func(context.Context, []byte) {
		mu.Lock()
		count++
		self := sub
		mu.Unlock()
		if self != nil {
			_ = self.Close()
		}
		select {
		case done <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	mu.Lock()
	sub = s
	mu.Unlock()

	publish(t, ctx, h, topic, "first")
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("handler never ran")
	}

	publish(t, ctx, h, topic, "second")
	time.Sleep(quietPeriod)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected delivery to stop after closing from the handler, got %d deliveries", count)
	}
}

func testPublishWithoutSubscribers(t *testing.T, factory HubFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	publish(t, ctx, h, uniqueTopic(t, "nobody"), "into-the-void")
}
