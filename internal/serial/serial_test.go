package serial

import (
	"sync"
	"testing"
)

func TestQueue_RunsInlineWhenIdle(t *testing.T) {
	var q Queue
	ran := false
	q.Do(func() { ran = true })
	if !ran {
		t.Fatal("expected task to run before Do returned")
	}
}

func TestQueue_ReentrantSubmissionsRunAfterCurrentTask(t *testing.T) {
	var q Queue
	var order []string
	q.Do(func() {
		order = append(order, "outer:start")
		q.Do(func() {
			order = append(order, "inner")
			q.Do(func() { order = append(order, "nested") })
		})
		order = append(order, "outer:end")
	})

	want := []string{"outer:start", "outer:end", "inner", "nested"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestQueue_TasksNeverOverlap(t *testing.T) {
	var q Queue
	var (
		mu      sync.Mutex
		active  int
		overlap bool
		total   int
	)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Do(func() {
					mu.Lock()
					active++
					if active > 1 {
						overlap = true
					}
					total++
					mu.Unlock()

					mu.Lock()
					active--
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()
	// Drain anything that was queued behind the last running submitter.
	q.Do(func() {})

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Fatal("tasks overlapped")
	}
	if total != 3200 {
		t.Fatalf("expected 3200 tasks to run, got %d", total)
	}
}

func TestQueue_RecoversAfterPanic(t *testing.T) {
	var q Queue
	func() {
		defer func() { _ = recover() }()
		q.Do(func() { panic("boom") })
	}()

	ran := false
	q.Do(func() { ran = true })
	if !ran {
		t.Fatal("queue stayed wedged after a panicking task")
	}
}

func TestQueue_LenCountsWaitingTasks(t *testing.T) {
	var q Queue
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
	var seen []int
	q.Do(func() {
		seen = append(seen, q.Len())
		q.Do(func() {})
		q.Do(func() {})
		seen = append(seen, q.Len())
	})
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 2 {
		t.Fatalf("expected [0 2], got %v", seen)
	}
	if q.Len() != 0 {
		t.Fatalf("expected drained queue, got %d", q.Len())
	}
}
