// Package clock abstracts the wall clock used for every timing decision in the
// session lifecycle. Production code uses Real; tests use Fake to drive
// virtual time deterministically.
package clock

import "time"

// Clock reads the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed. f runs on an arbitrary goroutine
	// for Real and on the goroutine calling Fake.Advance for Fake.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

var _ Clock = realClock{}
