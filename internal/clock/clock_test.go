package clock_test

import (
	"testing"
	"time"

	"pkt.systems/middlewared/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestRealAfterFuncStops(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	timer := clock.Real{}.AfterFunc(time.Hour, func() { fired <- struct{}{} })
	if !timer.Stop() {
		t.Fatalf("expected pending timer to stop")
	}
	select {
	case <-fired:
		t.Fatalf("stopped timer fired")
	default:
	}
}

func TestManualAdvanceFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	var order []int
	m.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	m.AfterFunc(time.Second, func() { order = append(order, 1) })
	ch := m.After(2 * time.Second)
	if m.Pending() != 3 {
		t.Fatalf("expected 3 pending timers, got %d", m.Pending())
	}
	m.Advance(1500 * time.Millisecond)
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("expected only first timer to fire, got %v", order)
	}
	select {
	case <-ch:
		t.Fatalf("After fired early")
	default:
	}
	m.Advance(2 * time.Second)
	if len(order) != 2 || order[1] != 3 {
		t.Fatalf("expected second func after advance, got %v", order)
	}
	select {
	case <-ch:
	default:
		t.Fatalf("After channel did not fire")
	}
}

func TestManualStopPreventsFire(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	called := false
	timer := m.AfterFunc(time.Second, func() { called = true })
	if !timer.Stop() {
		t.Fatalf("expected Stop to report pending timer")
	}
	if timer.Stop() {
		t.Fatalf("second Stop should report false")
	}
	m.Advance(time.Minute)
	if called {
		t.Fatalf("stopped timer fired")
	}
}
