// Package optimizer adapts the presence broadcast cadence to who is actually
// there: when a client is alone in a room its presence chatter drops to a slow
// keep-alive, and the moment someone else shows up it snaps back. Document
// update propagation is never throttled, only presence.
package optimizer

import (
	"log"
	"sync"
	"time"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/metrics"
)

// PresenceSink is where the optimizer pushes cadence changes. The awareness
// manager implements it; the optimizer never reaches into ambient state.
type PresenceSink interface {
	SetRefreshInterval(d time.Duration)
	Broadcast()
}

// PresenceSource reports how many distinct remote users are present,
// excluding the local client and other tabs of the same user.
type PresenceSource interface {
	ActiveRemoteUsers() int
}

// Config tunes the control loop.
type Config struct {
	// CheckInterval is how often the presence map is inspected (default: 3s)
	CheckInterval time.Duration
	// SettleDelay suppresses optimization right after attach, so a briefly
	// empty room during connect does not cause flapping (default: 5s)
	SettleDelay time.Duration
	// NormalInterval is the presence cadence with remote users (default: 200ms)
	NormalInterval time.Duration
	// OptimizedInterval is the cadence while alone (default: 30s)
	OptimizedInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:     3 * time.Second,
		SettleDelay:       5 * time.Second,
		NormalInterval:    200 * time.Millisecond,
		OptimizedInterval: 30 * time.Second,
	}
}

// Optimizer is the adaptive control loop.
type Optimizer struct {
	cfg    *Config
	clk    clock.Clock
	sink   PresenceSink
	source PresenceSource
	room   string

	mu         sync.Mutex
	optimized  bool
	attachedAt time.Time
	zeroChecks int
	timer      clock.Timer
	gen        uint64
	stopped    bool
}

// New creates an optimizer for room. Call Start to attach it.
func New(cfg *Config, clk clock.Clock, sink PresenceSink, source PresenceSource, room string) *Optimizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Optimizer{
		cfg:    cfg,
		clk:    clk,
		sink:   sink,
		source: source,
		room:   room,
	}
}

// Start attaches the control loop and begins checking.
func (o *Optimizer) Start() {
	o.mu.Lock()
	o.stopped = false
	o.optimized = false
	o.zeroChecks = 0
	o.attachedAt = o.clk.Now()
	o.mu.Unlock()

	o.sink.SetRefreshInterval(o.cfg.NormalInterval)
	o.arm()
}

// Stop cancels the loop. Idempotent.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.gen++
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.mu.Unlock()
}

// Optimized reports whether alone-mode throttling is active.
func (o *Optimizer) Optimized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.optimized
}

func (o *Optimizer) arm() {
	o.mu.Lock()
	if o.stopped || o.timer != nil {
		o.mu.Unlock()
		return
	}
	o.gen++
	gen := o.gen
	o.timer = o.clk.AfterFunc(o.cfg.CheckInterval, func() { o.check(gen) })
	o.mu.Unlock()
}

func (o *Optimizer) check(gen uint64) {
	o.mu.Lock()
	if o.stopped || gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	o.mu.Unlock()

	remote := o.source.ActiveRemoteUsers()

	o.mu.Lock()
	var widen, narrow bool
	switch {
	case remote >= 1 && o.optimized:
		// Someone showed up: revert immediately, don't wait a tick.
		o.optimized = false
		o.zeroChecks = 0
		narrow = true
	case remote >= 1:
		o.zeroChecks = 0
	case o.clk.Now().Sub(o.attachedAt) < o.cfg.SettleDelay:
		// Still settling after attach; don't trust an empty room yet.
		o.zeroChecks = 0
	default:
		o.zeroChecks++
		// One full zero cycle after the settle delay before widening.
		if !o.optimized && o.zeroChecks >= 2 {
			o.optimized = true
			widen = true
		}
	}
	o.mu.Unlock()

	if widen {
		log.Printf("optimizer: %s alone, widening presence interval to %v", o.room, o.cfg.OptimizedInterval)
		metrics.OptimizerState.WithLabelValues(o.room).Set(1)
		o.sink.SetRefreshInterval(o.cfg.OptimizedInterval)
	}
	if narrow {
		log.Printf("optimizer: %s has company, reverting presence interval to %v", o.room, o.cfg.NormalInterval)
		metrics.OptimizerState.WithLabelValues(o.room).Set(0)
		o.sink.SetRefreshInterval(o.cfg.NormalInterval)
		o.sink.Broadcast()
	}

	o.arm()
}
