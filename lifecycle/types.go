package lifecycle

import (
	"context"
	"time"

	"github.com/ggoodman/session-lifecycle-go/heartbeat"
	"github.com/ggoodman/session-lifecycle-go/sessions"
)

// Reason records why a session ended.
type Reason string

const (
	ReasonExpired        Reason = "expired"
	ReasonUser           Reason = "user"
	ReasonWarningTimeout Reason = "warning-timeout"
	ReasonExtendFailed   Reason = "extend-failed"
	ReasonRemote         Reason = "remote"
	ReasonInvalid        Reason = "invalid"
)

// Backend is the network collaborator that owns session validity.
type Backend interface {
	// ExtendSession asks for more time and returns the new expiration.
	ExtendSession(ctx context.Context, sessionID string) (time.Time, error)
	// Heartbeat reports that the session is still in use.
	Heartbeat(ctx context.Context, sessionID string, at time.Time) error
}

// Redirector performs navigation once the session has ended. It is called at
// most once per coordinator.
type Redirector interface {
	Redirect(url string)
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(url string)

func (f RedirectFunc) Redirect(url string) { f(url) }

// EndEvent describes the single Ended transition of a session.
type EndEvent struct {
	SessionID   string
	Reason      Reason
	RedirectURL string
	At          time.Time
}

// Events are host callbacks. Each fires at most once per logical transition.
// They run inside the coordinator's serial executor: they may call back into
// the coordinator, but such calls take effect after the callback returns.
type Events struct {
	OnWarning             func(remaining time.Duration)
	OnSessionEnd          func(EndEvent)
	OnExtended            func(expiresAt time.Time)
	OnWarningAcknowledged func()
}

// ExtendOutcome is delivered once per accepted RequestExtend.
type ExtendOutcome struct {
	// State is the coordinator state after the response was handled.
	State sessions.State
	// Applied reports whether the new expiration took effect.
	Applied   bool
	ExpiresAt time.Time
	Err       error
}

// Snapshot is a point-in-time view of a coordinator.
type Snapshot struct {
	SessionID   string
	TabID       string
	State       sessions.State
	ExpiresAt   time.Time
	Remaining   time.Duration
	Reason      Reason
	RedirectURL string
	Heartbeat   heartbeat.Record
}
