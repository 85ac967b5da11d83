package lifecycle

import (
	"sync"

	"github.com/ggoodman/session-lifecycle-go/sessions"
)

// changeNotifier fans state changes out to channel subscribers. Each channel
// buffers one value; a newer state replaces one the reader has not taken yet,
// so slow readers always see the latest state and never block the producer.
type changeNotifier struct {
	mu     sync.Mutex
	subs   []chan sessions.State
	closed bool
}

func (cn *changeNotifier) notify(st sessions.State) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	for _, ch := range cn.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

func (cn *changeNotifier) close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	cn.closed = true
	for _, ch := range cn.subs {
		close(ch)
	}
	cn.subs = nil
}

func (cn *changeNotifier) subscribe() <-chan sessions.State {
	ch := make(chan sessions.State, 1)
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		close(ch)
		return ch
	}
	cn.subs = append(cn.subs, ch)
	return ch
}
