package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Timers fire synchronously inside Advance,
// in deadline order, on the caller's goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake returns a fake clock starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, at: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves time forward, running every timer whose deadline is reached. Callbacks
// may schedule further timers; those fire too when they fall inside the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var next *fakeTimer
		for _, t := range f.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		if next.at.After(f.now) {
			f.now = next.at
		}
		next.fired = true
		fn := next.fn
		f.mu.Unlock()
		fn()
	}
}

// PendingTimers returns how many timers are armed but not yet fired or stopped.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// compact drops dead timers so long tests don't accumulate them.
func (f *Fake) compact() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].at.Before(live[j].at) })
	f.timers = live
}

type fakeTimer struct {
	clock   *Fake
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	t.clock.compact()
	return true
}
