package sessions

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token cannot be decoded into a Payload.
var ErrInvalidToken = errors.New("invalid session token")

// Payload is the decoded session payload handed over by the token verifier.
type Payload struct {
	SubjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// DecodeToken extracts the session payload from a compact JWT. The signature
// is NOT verified and time-based claims are not validated; callers must only
// pass tokens that were already verified elsewhere.
func DecodeToken(token string) (Payload, error) {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Payload{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	if claims.ExpiresAt == nil {
		return Payload{}, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}

	p := Payload{
		SubjectID: claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	return p, nil
}

// FromPayload builds a Session whose id is the payload's subject.
func FromPayload(p Payload, warningThreshold time.Duration) Session {
	return Session{
		ID:               p.SubjectID,
		IssuedAt:         p.IssuedAt,
		ExpiresAt:        p.ExpiresAt,
		WarningThreshold: warningThreshold,
	}
}
