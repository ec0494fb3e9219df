package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	f := NewFake()
	var order []int
	f.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	f.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	f.AfterFunc(3*time.Second, func() { order = append(order, 3) })

	f.Advance(2500 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2]", order)
	}
	f.Advance(time.Second)
	if len(order) != 3 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestFakeStop(t *testing.T) {
	f := NewFake()
	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Error("Stop = false on pending timer")
	}
	f.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if timer.Stop() {
		t.Error("Stop = true on already-stopped timer")
	}
}

func TestFakeNestedTimers(t *testing.T) {
	f := NewFake()
	fired := false
	f.AfterFunc(time.Second, func() {
		f.AfterFunc(time.Second, func() { fired = true })
	})
	f.Advance(3 * time.Second)
	if !fired {
		t.Error("nested timer did not fire within the advance window")
	}
	if f.PendingTimers() != 0 {
		t.Errorf("PendingTimers = %d, want 0", f.PendingTimers())
	}
}

func TestFakeNowAdvances(t *testing.T) {
	f := NewFake()
	start := f.Now()
	f.Advance(90 * time.Second)
	if got := f.Now().Sub(start); got != 90*time.Second {
		t.Errorf("elapsed = %v, want 90s", got)
	}
}
