package schedule

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/sluice/jobs"
)

// ConnectionDefaults fill in connection limits left at zero. They can be
// changed at runtime when the configuration file is reloaded.
type ConnectionDefaults struct {
	MaxConcurrency int           // 0 is unlimited
	RateCapacity   int           // tokens per RateTick; 0 disables rate limiting
	RateTick       time.Duration // refill period
}

// connLimits is the per-connection concurrency counter and token bucket.
// Jobs sharing a connection share one connLimits; only the scheduler loop
// touches it.
type connLimits struct {
	name     string
	def      jobs.Connection
	max      int
	inFlight int
	limiter  *rate.Limiter
}

func newConnLimits(c jobs.Connection, d ConnectionDefaults) *connLimits {
	l := &connLimits{name: c.Name}
	l.configure(c, d)
	return l
}

// configure applies the connection's own limits, falling back to d for any
// left at zero. An existing bucket keeps its current tokens.
func (l *connLimits) configure(c jobs.Connection, d ConnectionDefaults) {
	l.def = c

	l.max = c.MaxConcurrency
	if l.max == 0 {
		l.max = d.MaxConcurrency
	}

	capacity, tick := c.RateCapacity, c.RateTick
	if capacity == 0 {
		capacity = d.RateCapacity
	}
	if tick == 0 {
		tick = d.RateTick
	}
	if capacity <= 0 || tick <= 0 {
		l.limiter = nil
		return
	}

	limit := rate.Every(tick / time.Duration(capacity))
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(limit, capacity)
		return
	}
	l.limiter.SetLimit(limit)
	l.limiter.SetBurst(capacity)
}

// saturated reports whether the concurrency ceiling is reached.
func (l *connLimits) saturated() bool {
	return l.max > 0 && l.inFlight >= l.max
}

// take consumes one token at now. When the bucket is empty it returns
// false and the time the next token becomes available.
func (l *connLimits) take(now time.Time) (bool, time.Time) {
	if l.limiter == nil {
		return true, time.Time{}
	}
	if l.limiter.AllowN(now, 1) {
		return true, time.Time{}
	}
	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, now.Add(time.Second)
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, now.Add(delay)
}
