package coordinator

import (
	"time"

	"github.com/teranos/sluice/connector"
)

// RetryPolicy bounds retries of transient failures with exponential backoff.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on any single delay
}

// Decision is what happens after a failed attempt.
type Decision struct {
	Kind  OutcomeKind
	Retry bool
	Delay time.Duration
}

// Decide maps a failed attempt (1-based) of the given class to its outcome.
// Transient failures retry until MaxRetries retries have been spent, so a
// task that always fails transiently is attempted MaxRetries+1 times and
// the last attempt becomes a PermanentFailure. Permanent and auth failures
// never retry.
func (p RetryPolicy) Decide(attempt int, class connector.Class) Decision {
	if class != connector.ClassTransient {
		return Decision{Kind: PermanentFailure}
	}
	if attempt > p.MaxRetries {
		return Decision{Kind: PermanentFailure}
	}
	return Decision{Kind: TransientFailure, Retry: true, Delay: p.Backoff(attempt)}
}

// Backoff returns BaseDelay doubled per prior attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
