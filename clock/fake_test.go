package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFake_AdvanceRunsDueCallbacksInOrder(t *testing.T) {
	c := NewFake(epoch)

	var order []int
	var seen []time.Time
	c.AfterFunc(2*time.Second, func() { order = append(order, 2); seen = append(seen, c.Now()) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1); seen = append(seen, c.Now()) })
	c.AfterFunc(5*time.Second, func() { order = append(order, 5) })

	c.Advance(3 * time.Second)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected [1 2], got %v", order)
	}
	if !seen[0].Equal(epoch.Add(time.Second)) || !seen[1].Equal(epoch.Add(2*time.Second)) {
		t.Fatalf("callbacks observed wrong times: %v", seen)
	}
	if got := c.Now(); !got.Equal(epoch.Add(3 * time.Second)) {
		t.Fatalf("expected now=%v, got %v", epoch.Add(3*time.Second), got)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", c.Pending())
	}
}

func TestFake_SameDeadlineRunsInScheduleOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []string
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(time.Second, func() { order = append(order, "b") })
	c.Advance(time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected [a b], got %v", order)
	}
}

func TestFake_CallbackSchedulingCallback(t *testing.T) {
	c := NewFake(epoch)
	fired := 0
	var tick func()
	tick = func() {
		fired++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	if fired != 10 {
		t.Fatalf("expected 10 ticks, got %d", fired)
	}
}

func TestFake_Stop(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("expected first Stop to report true")
	}
	if tm.Stop() {
		t.Fatal("expected second Stop to report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}

	tm = c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	if tm.Stop() {
		t.Fatal("expected Stop after firing to report false")
	}
}

func TestFake_ZeroAndNegativeDelay(t *testing.T) {
	c := NewFake(epoch)
	n := 0
	c.AfterFunc(0, func() { n++ })
	c.AfterFunc(-time.Second, func() { n++ })
	c.Advance(0)
	if n != 2 {
		t.Fatalf("expected both immediate callbacks to run, got %d", n)
	}
}
