// Package clock provides an injectable source of "now" so the
// coordinator's time-driven transitions can be tested without real
// sleeps.
package clock

import "time"

// Clock is the coordinator's view of time. Real() wraps the standard
// library; Fake is used by tests to control the clock explicitly.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns a Clock backed by the standard library.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
