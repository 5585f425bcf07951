package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/sluice/coordinator"
	"github.com/teranos/sluice/jobs"
)

func TestConnLimitsFallBackToDefaults(t *testing.T) {
	d := ConnectionDefaults{MaxConcurrency: 4, RateCapacity: 10, RateTick: time.Second}

	l := newConnLimits(jobs.Connection{Name: "c"}, d)
	assert.Equal(t, 4, l.max)
	require.NotNil(t, l.limiter)
	assert.Equal(t, 10, l.limiter.Burst())

	l.configure(jobs.Connection{Name: "c", MaxConcurrency: 2, RateCapacity: 1, RateTick: time.Minute}, d)
	assert.Equal(t, 2, l.max)
	assert.Equal(t, 1, l.limiter.Burst())

	l.configure(jobs.Connection{Name: "c"}, ConnectionDefaults{})
	assert.Equal(t, 0, l.max)
	assert.Nil(t, l.limiter)
}

func TestConnLimitsSaturated(t *testing.T) {
	l := newConnLimits(jobs.Connection{Name: "c", MaxConcurrency: 2}, ConnectionDefaults{})
	assert.False(t, l.saturated())
	l.inFlight = 2
	assert.True(t, l.saturated())

	unlimited := newConnLimits(jobs.Connection{Name: "u"}, ConnectionDefaults{})
	unlimited.inFlight = 1000
	assert.False(t, unlimited.saturated())
}

func TestConnLimitsTokenBucket(t *testing.T) {
	l := newConnLimits(jobs.Connection{Name: "c", RateCapacity: 2, RateTick: time.Second}, ConnectionDefaults{})
	now := time.Now()

	ok, _ := l.take(now)
	assert.True(t, ok)
	ok, _ = l.take(now)
	assert.True(t, ok)

	ok, at := l.take(now)
	assert.False(t, ok)
	assert.WithinDuration(t, now.Add(500*time.Millisecond), at, time.Millisecond)

	// a refused take does not consume the next token
	ok, _ = l.take(at)
	assert.True(t, ok)
}

func TestConnLimitsWithoutRate(t *testing.T) {
	l := newConnLimits(jobs.Connection{Name: "c"}, ConnectionDefaults{})
	for range 100 {
		ok, _ := l.take(time.Now())
		require.True(t, ok)
	}
}

func TestQueuesOrder(t *testing.T) {
	var ready readyQueue
	for _, seq := range []uint64{5, 1, 3} {
		ready.push(coordinator.Task{Seq: seq})
	}
	assert.Equal(t, uint64(1), ready.peek().Seq)
	assert.Equal(t, uint64(1), ready.pop().Seq)
	assert.Equal(t, uint64(3), ready.pop().Seq)
	assert.Equal(t, uint64(5), ready.pop().Seq)

	now := time.Now()
	var delayed delayQueue
	delayed.push(coordinator.Task{Seq: 1}, now.Add(time.Second))
	delayed.push(coordinator.Task{Seq: 3}, now)
	delayed.push(coordinator.Task{Seq: 2}, now)
	assert.Equal(t, uint64(2), delayed.pop().Seq)
	assert.Equal(t, uint64(3), delayed.pop().Seq)
	assert.Equal(t, now.Add(time.Second), delayed.peek().readyAt)
}
