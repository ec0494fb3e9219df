// Package clock abstracts wall time and timer scheduling so the router and capture state
// machines can be driven deterministically in tests.
package clock

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop cancels the timer; it reports whether the callback was prevented from running.
	Stop() bool
}

// Clock supplies time and timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// System returns the real-time clock.
func System() Clock { return systemClock{} }
