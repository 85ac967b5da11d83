package tabsync

import (
	"context"
	"errors"
)

// ErrHubClosed is returned by hub operations after Close.
var ErrHubClosed = errors.New("tabsync hub closed")

// HandlerFunc receives one published payload. It must not block for long: hubs
// may deliver on the publisher's goroutine.
type HandlerFunc func(ctx context.Context, data []byte)

// Subscription is a live registration on a Hub topic.
type Subscription interface {
	// Close stops delivery. It is idempotent and safe to call from inside the
	// subscription's own handler.
	Close() error
}

// Hub is a fan-out pub/sub transport.
type Hub interface {
	// Publish delivers data to every live subscription on topic. Publishing to
	// a topic without subscribers is not an error.
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe registers handler for future messages on topic. It returns
	// once the subscription is live: anything published after Subscribe
	// returns is delivered. Cancelling ctx closes the subscription.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) (Subscription, error)
}
