package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(c *clock) *Limiter {
	l := New(Config{LowQuotaThreshold: 0.2, BackoffStep: time.Minute, MaxBackoff: 3 * time.Minute})
	l.SetClock(c.now)
	return l
}

func TestUnknownServerCanProceed(t *testing.T) {
	l := newTestLimiter(&clock{t: time.Unix(1_700_000_000, 0)})
	assert.True(t, l.CanProceed(1))
	_, known := l.Quota(1)
	assert.False(t, known)
	assert.False(t, l.Warning(1))
}

func TestLowQuotaBlocksUntilBackoffElapses(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(c)
	reset := c.t.Add(2 * time.Hour)

	l.Update(1, Quota{Limit: 5000, Remaining: 4000, ResetAt: reset})
	assert.True(t, l.CanProceed(1))
	assert.False(t, l.Warning(1))

	l.Update(1, Quota{Limit: 5000, Remaining: 999, ResetAt: reset})
	assert.True(t, l.Warning(1))
	assert.False(t, l.CanProceed(1))
	assert.Equal(t, c.t.Add(time.Minute), l.BackoffUntil(1))

	c.advance(59 * time.Second)
	assert.False(t, l.CanProceed(1))
	c.advance(time.Second)
	assert.True(t, l.CanProceed(1))
}

func TestBackoffGrowsAndIsCapped(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(c)

	var delays []time.Duration
	for range 5 {
		until := l.RecordFailure(1)
		delays = append(delays, until.Sub(c.t))
		c.t = until
	}
	assert.Equal(t, []time.Duration{
		time.Minute, 2 * time.Minute, 3 * time.Minute, 3 * time.Minute, 3 * time.Minute,
	}, delays)

	l.RecordSuccess(1)
	assert.Equal(t, time.Minute, l.RecordFailure(1).Sub(c.t), "success resets the step")
}

func TestRemainingNeverNegative(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(c)

	l.Update(1, Quota{Limit: 100, Remaining: -5, ResetAt: c.t.Add(30 * time.Minute)})
	q, ok := l.Quota(1)
	require.True(t, ok)
	assert.Equal(t, 0, q.Remaining)
	assert.False(t, l.CanProceed(1))
	assert.Equal(t, c.t.Add(30*time.Minute), l.BackoffUntil(1), "exhausted quota waits for reset")
}

func TestResetWindowClearsWarning(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(c)

	l.Update(1, Quota{Limit: 100, Remaining: 1, ResetAt: c.t.Add(10 * time.Second)})
	assert.True(t, l.Warning(1))
	c.advance(time.Minute)
	assert.False(t, l.Warning(1))
	assert.True(t, l.CanProceed(1))
}

func TestUnlimitedServer(t *testing.T) {
	l := newTestLimiter(&clock{t: time.Unix(1_700_000_000, 0)})
	l.Update(1, Quota{Limit: 0, Remaining: 0})
	assert.True(t, l.CanProceed(1))
	assert.False(t, l.Warning(1))
}
