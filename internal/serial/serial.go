// Package serial provides a run-to-completion task queue. Tasks submitted to a
// Queue never overlap: the first submitter drains the queue on its own
// goroutine and tasks submitted meanwhile (including from inside a running
// task) are appended and run afterwards, in submission order.
package serial

import "sync"

// Queue serializes task execution without owning a goroutine.
type Queue struct {
	mu      sync.Mutex
	running bool
	tasks   []func()
}

// Do submits fn. If no task is running, fn (and anything queued while it
// runs) executes before Do returns. Otherwise fn is queued and Do returns
// immediately.
func (q *Queue) Do(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true

	for len(q.tasks) > 0 {
		next := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(next)

		q.mu.Lock()
	}
	q.running = false
	q.tasks = nil
	q.mu.Unlock()
}

// Len reports how many tasks are waiting behind the running one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// run executes a single task, making sure a panicking task does not leave the
// queue wedged in the running state.
func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.mu.Lock()
			q.running = false
			q.tasks = nil
			q.mu.Unlock()
			panic(r)
		}
	}()
	fn()
}
