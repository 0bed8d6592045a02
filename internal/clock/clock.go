// Package clock abstracts timer scheduling so that timing-dependent behavior
// (backoff curves, debounce windows, optimizer hysteresis) is deterministically
// testable without wall-clock sleeps.
package clock

import "time"

// Timer is a cancellable single-shot timer handle.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from firing. Safe to call multiple times.
	Stop() bool
}

// Ticker delivers ticks on C at a fixed interval until stopped.
type Ticker interface {
	C() <-chan time.Time
	// Reset changes the tick interval and restarts the period.
	Reset(d time.Duration)
	Stop()
}

// Clock schedules work. All components take a Clock at construction; production
// code passes System, tests pass a Virtual clock and advance it explicitly.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run after d. f runs on its own goroutine for
	// the system clock and inside Advance for the virtual clock.
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// System is the wall-clock implementation backed by the time package.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{time.AfterFunc(d, f)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Stop() bool { return s.t.Stop() }

type systemTicker struct {
	t *time.Ticker
}

func (s *systemTicker) C() <-chan time.Time   { return s.t.C }
func (s *systemTicker) Reset(d time.Duration) { s.t.Reset(d) }
func (s *systemTicker) Stop()                 { s.t.Stop() }
