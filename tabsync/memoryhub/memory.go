package memoryhub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/session-lifecycle-go/tabsync"
)

// Hub is an in-memory implementation of tabsync.Hub.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*subscription]struct{}
	closed bool
}

type subscription struct {
	hub     *Hub
	topic   string
	ctx     context.Context
	handler tabsync.HandlerFunc
	closed  atomic.Bool
	stopCh  chan struct{}
}

var _ tabsync.Hub = (*Hub)(nil)

func New() *Hub {
	return &Hub{topics: make(map[string]map[*subscription]struct{})}
}

func (h *Hub) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return tabsync.ErrHubClosed
	}
	subs := make([]*subscription, 0, len(h.topics[topic]))
	for sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() || sub.ctx.Err() != nil {
			continue
		}
		// Each subscriber gets its own copy; handlers may retain it.
		sub.handler(sub.ctx, append([]byte(nil), data...))
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, topic string, handler tabsync.HandlerFunc) (tabsync.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{hub: h, topic: topic, ctx: ctx, handler: handler, stopCh: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, tabsync.ErrHubClosed
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.stopCh:
		}
	}()

	return sub, nil
}

// Close drops every subscription. Further Publish and Subscribe calls fail
// with tabsync.ErrHubClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var all []*subscription
	for _, subs := range h.topics {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}

func (s *subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)

	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, s.topic)
		}
	}
	return nil
}
