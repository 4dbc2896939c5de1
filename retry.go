package taskq

import "time"

// RetryBuilder assembles a RetryPolicy for TaskBuilder.Retry. Builders are
// values; every method returns a modified copy.
//
//	taskq.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute)
//	taskq.Retry(3).WithConstantBackoff(500 * time.Millisecond)
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry allows maxRetries re-executions after the first failure, so a task
// runs at most maxRetries+1 times. Negative values mean no retries.
func Retry(maxRetries int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxRetries: max(maxRetries, 0)}}
}

// NoRetry is Retry(0).
func NoRetry() RetryBuilder {
	return Retry(0)
}

func (r RetryBuilder) with(fn func(p *RetryPolicy)) RetryBuilder {
	fn(&r.policy)
	return r
}

// WithExponentialBackoff waits initial before the first retry and
// multiplies the delay by multiplier (2 when <= 0) for each one after,
// never waiting longer than limit unless limit is <= 0.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff = initial
		p.BackoffMultiplier = multiplier
		p.MaxBackoff = limit
	})
}

// WithConstantBackoff waits delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff = delay
		p.BackoffMultiplier = 1.0
		p.MaxBackoff = 0
	})
}

// Immediate retries without delay.
func (r RetryBuilder) Immediate() RetryBuilder {
	return r.with(func(p *RetryPolicy) {
		*p = RetryPolicy{MaxRetries: p.MaxRetries}
	})
}

// Policy returns the assembled RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
