// Package sessions defines the session value shared by every lifecycle
// component. A Session is a time-boxed grant identified by an opaque id with a
// fixed expiration instant. It is immutable once constructed; the only thing
// that changes over its life is the State tracked by a lifecycle coordinator.
//
// # Payloads
//
// Hosts usually hold a compact JWT issued by a third party. DecodeToken reads
// the subject, issued-at and expiration claims from such a token WITHOUT
// verifying its signature: verification belongs to whichever collaborator
// handed the token over. FromPayload turns the decoded payload into a Session.
//
//	p, err := sessions.DecodeToken(raw)
//	if err != nil { return err }
//	s := sessions.FromPayload(p, 2*time.Minute)
//	if err := s.Validate(time.Now()); err != nil { ... }
//
// # States
//
//	Active  -> Warning -> Active (extended)
//	Active | Warning -> Ending -> Ended
//
// Ending and Ended are monotonic: once a session reaches them nothing moves it
// back.
package sessions
