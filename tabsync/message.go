package tabsync

import "time"

// Kind is the lifecycle signal carried by a Message.
type Kind string

const (
	KindExtend     Kind = "extend"
	KindEnd        Kind = "end"
	KindWarningAck Kind = "warning-ack"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindExtend, KindEnd, KindWarningAck:
		return true
	}
	return false
}

// Message is the cross-tab coordination envelope. It is never persisted.
type Message struct {
	SessionID   string    `json:"sessionId"`
	Kind        Kind      `json:"kind"`
	OriginTabID string    `json:"originTabId"`
	Timestamp   time.Time `json:"timestamp"`
	// ExpiresAt is the new expiration carried by KindExtend so peers can
	// re-arm without their own backend round trip.
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}
