package sessions

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSession is wrapped by every error returned from Session.Validate.
var ErrInvalidSession = errors.New("invalid session")

// Session is a decoded, already-trusted session payload plus the warning
// threshold the host wants applied to it.
type Session struct {
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// WarningThreshold is how long before ExpiresAt the user is warned. Zero
	// means "use the coordinator's configured default".
	WarningThreshold time.Duration
}

// Remaining reports the time left until expiry as of now. It is negative once
// the session has expired.
func (s Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Validate checks that the session can enter the Active state at now.
func (s Session) Validate(now time.Time) error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: empty session id", ErrInvalidSession)
	case s.ExpiresAt.IsZero():
		return fmt.Errorf("%w: missing expiration", ErrInvalidSession)
	case !s.IssuedAt.IsZero() && s.IssuedAt.After(s.ExpiresAt):
		return fmt.Errorf("%w: issued at %s after expiration %s", ErrInvalidSession, s.IssuedAt.Format(time.RFC3339), s.ExpiresAt.Format(time.RFC3339))
	case !s.ExpiresAt.After(now):
		return fmt.Errorf("%w: expired at %s", ErrInvalidSession, s.ExpiresAt.Format(time.RFC3339))
	case s.WarningThreshold < 0:
		return fmt.Errorf("%w: negative warning threshold %s", ErrInvalidSession, s.WarningThreshold)
	}
	return nil
}
