package transport

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/metrics"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// ReconnectConfig bounds the exponential backoff retry policy.
type ReconnectConfig struct {
	// BaseDelay is the first retry delay (default: 1s)
	BaseDelay time.Duration
	// CapDelay bounds the delay growth (default: 30s)
	CapDelay time.Duration
	// MaxAttempts bounds retries before the failure becomes fatal (default: 5)
	MaxAttempts int
}

// DefaultReconnectConfig returns sensible defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:   time.Second,
		CapDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// newBackoffPolicy builds the deterministic delay schedule
// min(base * 2^(attempt-1), cap). Randomization is disabled so the schedule
// is reproducible; MaxElapsedTime is disabled because attempts, not elapsed
// time, bound the retries.
func newBackoffPolicy(cfg ReconnectConfig) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.BaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = cfg.CapDelay
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// Reconnector drives bounded-backoff reconnection attempts. It is armed by
// the connection on unexpected disconnects and health degradation, reset on
// successful re-entry into Connected, and cancelled by explicit disconnects.
type Reconnector struct {
	cfg ReconnectConfig
	clk clock.Clock

	// attempt re-dials the connection; onExhausted surfaces the fatal
	// connectivity error once MaxAttempts is exceeded.
	attempt     func()
	onExhausted func(error)

	mu       sync.Mutex
	policy   *backoff.ExponentialBackOff
	attempts int
	timer    clock.Timer
	stopped  bool
}

// NewReconnector creates a reconnector. attempt runs on a timer goroutine.
func NewReconnector(cfg ReconnectConfig, clk clock.Clock, attempt func(), onExhausted func(error)) *Reconnector {
	return &Reconnector{
		cfg:         cfg,
		clk:         clk,
		attempt:     attempt,
		onExhausted: onExhausted,
		policy:      newBackoffPolicy(cfg),
	}
}

// Schedule arms the next retry. It is a no-op if a retry is already pending
// or the reconnector was cancelled. After MaxAttempts the reconnector stops
// and surfaces ErrRetriesExhausted instead; the local document stays usable
// offline.
func (r *Reconnector) Schedule() {
	r.mu.Lock()
	if r.stopped || r.timer != nil {
		r.mu.Unlock()
		return
	}
	r.attempts++
	if r.attempts > r.cfg.MaxAttempts {
		r.stopped = true
		onExhausted := r.onExhausted
		r.mu.Unlock()
		if onExhausted != nil {
			onExhausted(errors.ErrRetriesExhausted)
		}
		return
	}
	delay := r.policy.NextBackOff()
	metrics.ReconnectsTotal.Inc()
	r.timer = r.clk.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()
		r.attempt()
	})
	r.mu.Unlock()
}

// Reset clears the attempt counter and delay schedule after a successful
// re-entry into Connected, and re-arms a previously exhausted reconnector.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.stopped = false
	r.policy.Reset()
}

// Cancel stops any pending retry without resetting the attempt counter.
// A cancelled timer never fires, so a subsequent successful connect cannot
// be disturbed by a stale attempt.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Attempts returns the number of retries since the last Reset.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
