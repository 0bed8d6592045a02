package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

func TestBackoffSchedule(t *testing.T) {
	policy := newBackoffPolicy(DefaultReconnectConfig())

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for i, expected := range want {
		assert.Equal(t, expected, policy.NextBackOff(), "delay %d", i+1)
	}
}

func TestBackoffResetRestartsSchedule(t *testing.T) {
	policy := newBackoffPolicy(DefaultReconnectConfig())
	policy.NextBackOff()
	policy.NextBackOff()
	policy.Reset()
	assert.Equal(t, time.Second, policy.NextBackOff())
}

func TestReconnectorAttemptsThenExhausts(t *testing.T) {
	v := clock.NewVirtual()

	attempts := 0
	var fatal error
	r := NewReconnector(DefaultReconnectConfig(), v,
		func() { attempts++ },
		func(err error) { fatal = err },
	)

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, d := range delays {
		r.Schedule()
		require.Nil(t, fatal, "attempt %d must not be fatal", i+1)
		assert.Equal(t, i, attempts, "attempt fires only after the delay")
		v.Advance(d)
		assert.Equal(t, i+1, attempts)
	}
	assert.Equal(t, 5, r.Attempts())

	// The sixth schedule exceeds MaxAttempts and becomes fatal.
	r.Schedule()
	assert.ErrorIs(t, fatal, errors.ErrRetriesExhausted)
	v.Advance(time.Hour)
	assert.Equal(t, 5, attempts, "no attempt after exhaustion")
}

func TestReconnectorScheduleIsIdempotentWhilePending(t *testing.T) {
	v := clock.NewVirtual()

	attempts := 0
	r := NewReconnector(DefaultReconnectConfig(), v, func() { attempts++ }, nil)

	r.Schedule()
	r.Schedule()
	r.Schedule()
	assert.Equal(t, 1, r.Attempts(), "pending retry absorbs further schedules")

	v.Advance(time.Second)
	assert.Equal(t, 1, attempts)
}

func TestReconnectorResetRestoresBudget(t *testing.T) {
	v := clock.NewVirtual()

	attempts := 0
	var fatal error
	r := NewReconnector(DefaultReconnectConfig(), v,
		func() { attempts++ },
		func(err error) { fatal = err },
	)

	for i := 0; i < 5; i++ {
		r.Schedule()
		v.Advance(30 * time.Second)
	}
	r.Schedule()
	require.ErrorIs(t, fatal, errors.ErrRetriesExhausted)

	// A successful connect resets both the counter and the delay schedule.
	fatal = nil
	r.Reset()
	r.Schedule()
	assert.Equal(t, 1, r.Attempts())
	assert.Nil(t, fatal)

	before := attempts
	v.Advance(time.Second)
	assert.Equal(t, before+1, attempts, "first retry after reset uses the base delay")
}

func TestReconnectorCancelStopsPendingRetry(t *testing.T) {
	v := clock.NewVirtual()

	attempts := 0
	r := NewReconnector(DefaultReconnectConfig(), v, func() { attempts++ }, nil)

	r.Schedule()
	r.Cancel()
	v.Advance(time.Hour)
	assert.Equal(t, 0, attempts)

	// Cancelled reconnectors ignore further schedules until Reset.
	r.Schedule()
	v.Advance(time.Hour)
	assert.Equal(t, 0, attempts)
}

func TestSendQueueFIFOAndShedding(t *testing.T) {
	q := newSendQueue(3)

	assert.False(t, q.push([]byte("a")))
	assert.False(t, q.push([]byte("b")))
	assert.False(t, q.push([]byte("c")))
	assert.True(t, q.push([]byte("d")), "overflow sheds the oldest frame")
	assert.Equal(t, 3, q.len())

	drained := q.drain()
	require.Len(t, drained, 3)
	assert.Equal(t, "b", string(drained[0]))
	assert.Equal(t, "c", string(drained[1]))
	assert.Equal(t, "d", string(drained[2]))
	assert.Equal(t, 0, q.len())
}
