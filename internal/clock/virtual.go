package clock

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a deterministic Clock for tests. Time only moves when Advance is
// called; due callbacks run synchronously inside Advance, in firing order.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	timers  []*virtualTimer
	tickers []*virtualTicker
}

// NewVirtual creates a virtual clock starting at a fixed arbitrary epoch.
func NewVirtual() *Virtual {
	return &Virtual{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) AfterFunc(d time.Duration, f func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &virtualTimer{
		clock: v,
		when:  v.now.Add(d),
		seq:   v.seq,
		f:     f,
	}
	v.timers = append(v.timers, t)
	return t
}

func (v *Virtual) NewTicker(d time.Duration) Ticker {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &virtualTicker{
		clock:    v,
		interval: d,
		next:     v.now.Add(d),
		seq:      v.seq,
		ch:       make(chan time.Time, 1),
	}
	v.tickers = append(v.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing every due timer and ticker in
// chronological order. Callbacks that schedule new timers within the advanced
// window are honored before Advance returns.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.mu.Lock()
		ev := v.nextEventLocked(target)
		if ev == nil {
			v.now = target
			v.mu.Unlock()
			return
		}
		v.now = ev.at()
		fire := ev.take()
		v.mu.Unlock()
		if fire != nil {
			fire()
		}
	}
}

type virtualEvent interface {
	at() time.Time
	order() int
	// take marks the event consumed and returns the work to run, or nil.
	take() func()
}

// nextEventLocked returns the earliest pending event at or before target.
func (v *Virtual) nextEventLocked(target time.Time) virtualEvent {
	var events []virtualEvent
	for _, t := range v.timers {
		if !t.done && !t.at().After(target) {
			events = append(events, t)
		}
	}
	for _, t := range v.tickers {
		if !t.stopped && !t.at().After(target) {
			events = append(events, t)
		}
	}
	if len(events) == 0 {
		return nil
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].at().Equal(events[j].at()) {
			return events[i].at().Before(events[j].at())
		}
		return events[i].order() < events[j].order()
	})
	return events[0]
}

type virtualTimer struct {
	clock *Virtual
	when  time.Time
	seq   int
	f     func()
	done  bool
}

func (t *virtualTimer) at() time.Time { return t.when }
func (t *virtualTimer) order() int    { return t.seq }

func (t *virtualTimer) take() func() {
	t.done = true
	return t.f
}

func (t *virtualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

type virtualTicker struct {
	clock    *Virtual
	interval time.Duration
	next     time.Time
	seq      int
	ch       chan time.Time
	stopped  bool
}

func (t *virtualTicker) at() time.Time { return t.next }
func (t *virtualTicker) order() int    { return t.seq }

func (t *virtualTicker) take() func() {
	tick := t.next
	t.next = t.next.Add(t.interval)
	ch := t.ch
	return func() {
		select {
		case ch <- tick:
		default:
		}
	}
}

func (t *virtualTicker) C() <-chan time.Time { return t.ch }

func (t *virtualTicker) Reset(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.interval = d
	t.next = t.clock.now.Add(d)
	t.stopped = false
}

func (t *virtualTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
