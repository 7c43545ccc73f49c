// Package system exercises the real-time clock adapter.
package system

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

// TestClockAfterFuncStop checks a stopped timer never fires.
func TestClockAfterFuncStop(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	timer := New().AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	if !timer.Stop() {
		t.Fatal("expected Stop to report an active timer")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Fatal("stopped timer fired")
	}
}

// TestClockAfter checks the channel form delivers once the delay passes.
func TestClockAfter(t *testing.T) {
	t.Parallel()

	select {
	case <-New().After(5 * time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After did not deliver")
	}
}
