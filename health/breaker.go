// Package health tracks error bursts with a rolling-window circuit breaker. While the
// circuit is open, error-triggered side effects (reconnects, re-requests) are suppressed
// so one bad dependency cannot amplify into a failure storm.
package health

import (
	"sync"
	"time"
)

// State is the breaker's current disposition.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker opens once Threshold failures land within Window, stays open for Cooldown, then
// lets a single probe through (half-open). A success closes it; a failure re-opens.
type Breaker struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
	// OnStateChange, when set, observes transitions (used to mirror the gauge).
	OnStateChange func(State)

	mu        sync.Mutex
	failures  []time.Time
	state     State
	openUntil time.Time
}

// NewBreaker returns a closed breaker with the given shape.
func NewBreaker(threshold int, window, cooldown time.Duration) *Breaker {
	return &Breaker{Threshold: threshold, Window: window, Cooldown: cooldown}
}

func (b *Breaker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Allow reports whether an error-triggered side effect may proceed. An open breaker past
// its cooldown transitions to half-open and allows one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Before(b.openUntil) {
			return false
		}
		b.transition(HalfOpen)
		return true
	}
	return true
}

// Failure records one failure, opening the circuit when the rolling count crosses the
// threshold or when a half-open probe fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	if b.state == HalfOpen {
		b.openUntil = now.Add(b.Cooldown)
		b.transition(Open)
		return
	}

	b.failures = append(b.failures, now)
	b.trim(now)
	if b.state == Closed && len(b.failures) >= b.Threshold {
		b.openUntil = now.Add(b.Cooldown)
		b.transition(Open)
	}
}

// Success clears the rolling history; a half-open probe success closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
	if b.state != Closed {
		b.transition(Closed)
	}
}

// State returns the current disposition (open past cooldown reads as half-open).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && !b.now().Before(b.openUntil) {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) trim(now time.Time) {
	cutoff := now.Add(-b.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) transition(s State) {
	b.state = s
	if b.OnStateChange != nil {
		b.OnStateChange(s)
	}
}
