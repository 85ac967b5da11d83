package tabsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ggoodman/session-lifecycle-go/clock"
)

// ErrNotJoined is returned by Broadcast when the synchronizer has not joined a
// session (or has left it).
var ErrNotJoined = errors.New("tabsync: not joined to a session")

// Handler receives messages from other tabs of the joined session.
type Handler func(ctx context.Context, msg Message)

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTabID overrides the randomly generated tab id.
func WithTabID(id string) Option {
	return func(s *Synchronizer) {
		if id != "" {
			s.tabID = id
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock sets the clock used to stamp outgoing messages.
func WithClock(c clock.Clock) Option {
	return func(s *Synchronizer) {
		if c != nil {
			s.clock = c
		}
	}
}

// Synchronizer is one tab's membership in a session's broadcast group.
type Synchronizer struct {
	hub   Hub
	tabID string
	log   *slog.Logger
	clock clock.Clock

	mu        sync.Mutex
	sessionID string
	sub       Subscription
	cancel    context.CancelFunc
	handlers  []Handler
}

// New creates a Synchronizer on hub. It does not join any session yet.
func New(hub Hub, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		hub:   hub,
		tabID: uuid.NewString(),
		log:   slog.New(slog.DiscardHandler),
		clock: clock.Real(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TabID identifies this tab in outgoing messages.
func (s *Synchronizer) TabID() string { return s.tabID }

// SessionID reports the joined session id, or "" when not joined.
func (s *Synchronizer) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func topicFor(sessionID string) string { return "tab:" + sessionID }

// Join subscribes to the broadcast group of sessionID, leaving any previously
// joined session first. The subscription outlives ctx; use Leave to end it.
func (s *Synchronizer) Join(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("tabsync: join: empty session id")
	}

	s.mu.Lock()
	if s.sessionID == sessionID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.Leave(); err != nil {
		s.log.DebugContext(ctx, "tabsync.leave.error", slog.String("err", err.Error()))
	}

	// The id is recorded before subscribing so nothing delivered in between is
	// dropped as belonging to another session.
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := s.hub.Subscribe(subCtx, topicFor(sessionID), s.deliver)
	if err != nil {
		cancel()
		s.mu.Lock()
		if s.sub == nil {
			s.sessionID = ""
		}
		s.mu.Unlock()
		return fmt.Errorf("tabsync: join %s: %w", sessionID, err)
	}

	s.mu.Lock()
	s.sub = sub
	s.cancel = cancel
	s.mu.Unlock()

	s.log.DebugContext(ctx, "tabsync.join", slog.String("session_id", sessionID), slog.String("tab_id", s.tabID))
	return nil
}

// Leave ends the current membership. It is idempotent.
func (s *Synchronizer) Leave() error {
	s.mu.Lock()
	sub, cancel := s.sub, s.cancel
	s.sessionID = ""
	s.sub = nil
	s.cancel = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Close()
	cancel()
	return err
}

// OnMessage registers h for messages from other tabs. Handlers run in
// registration order on whatever goroutine the hub delivers on.
func (s *Synchronizer) OnMessage(h Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Broadcast publishes msg to the joined session. SessionID and OriginTabID
// are filled in by the synchronizer; a zero Timestamp is set to now.
func (s *Synchronizer) Broadcast(ctx context.Context, msg Message) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID == "" {
		return ErrNotJoined
	}
	if !msg.Kind.Valid() {
		return fmt.Errorf("tabsync: broadcast: unknown kind %q", msg.Kind)
	}

	msg.SessionID = sessionID
	msg.OriginTabID = s.tabID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("tabsync: encode: %w", err)
	}
	if err := s.hub.Publish(ctx, topicFor(sessionID), data); err != nil {
		return fmt.Errorf("tabsync: publish: %w", err)
	}
	s.log.DebugContext(ctx, "tabsync.broadcast", slog.String("kind", string(msg.Kind)))
	return nil
}

func (s *Synchronizer) deliver(ctx context.Context, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.DebugContext(ctx, "tabsync.drop.decode", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	sessionID := s.sessionID
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.Unlock()

	switch {
	case msg.OriginTabID == s.tabID:
		return
	case msg.SessionID != sessionID:
		s.log.DebugContext(ctx, "tabsync.drop.session", slog.String("session_id", msg.SessionID))
		return
	case !msg.Kind.Valid():
		s.log.DebugContext(ctx, "tabsync.drop.kind", slog.String("kind", string(msg.Kind)))
		return
	}

	for _, h := range handlers {
		h(ctx, msg)
	}
}
