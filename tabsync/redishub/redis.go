package redishub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/session-lifecycle-go/tabsync"
)

// Config for the Redis-backed Hub. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all channels. ENV: TABSYNC_KEY_PREFIX
	KeyPrefix string `env:"TABSYNC_KEY_PREFIX,default=sessions:tabs:"`
}

const defaultKeyPrefix = "sessions:tabs:"

type Hub struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool
	log       *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ tabsync.Hub = (*Hub)(nil)

// Option configures a Hub.
type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// New dials Redis and verifies connectivity with PING.
func New(cfg Config, opts ...Option) (*Hub, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	h := NewWithClient(cl, cfg.KeyPrefix, opts...)
	h.ownClient = true
	return h, nil
}

// NewFromEnv builds a Hub using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Hub, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg, opts...)
}

// NewWithClient wraps an existing client. Close does not close a client that
// was supplied by the caller.
func NewWithClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *Hub {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	h := &Hub{
		client:    client,
		keyPrefix: keyPrefix,
		log:       slog.New(slog.DiscardHandler),
		subs:      make(map[*subscription]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) channel(topic string) string { return h.keyPrefix + topic }

func (h *Hub) Publish(ctx context.Context, topic string, data []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return tabsync.ErrHubClosed
	}
	if err := h.client.Publish(ctx, h.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, topic string, handler tabsync.HandlerFunc) (tabsync.Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, tabsync.ErrHubClosed
	}
	h.mu.Unlock()

	ps := h.client.Subscribe(ctx, h.channel(topic))
	// The first reply confirms the subscription is registered server side.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{hub: h, ps: ps, cancel: cancel}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		_ = ps.Close()
		return nil, tabsync.ErrHubClosed
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go sub.run(subCtx, handler)
	return sub, nil
}

// Close closes every subscription and, when the Hub dialed it, the client.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	if h.ownClient {
		return h.client.Close()
	}
	return nil
}

type subscription struct {
	hub    *Hub
	ps     *redis.PubSub
	cancel context.CancelFunc

	once sync.Once
	err  error
}

func (s *subscription) run(ctx context.Context, handler tabsync.HandlerFunc) {
	defer func() { _ = s.Close() }()

	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Close may have raced the receive.
			if ctx.Err() != nil {
				return
			}
			handler(ctx, []byte(msg.Payload))
		}
	}
}

// Close does not wait for the delivery goroutine, so it is safe to call from
// inside the handler.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.ps.Close()

		h := s.hub
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()

		if s.err != nil {
			h.log.Debug("redishub.subscription.close.error", slog.String("err", s.err.Error()))
		}
	})
	return s.err
}
