// Package retrypolicy provides an explicit retry policy object for transient
// cloud/CI-service calls, per spec.md §9's design note replacing ad-hoc retry
// decorators with a passed-in policy.
package retrypolicy

import (
	"context"
	"time"

	"github.com/juju/retry"
)

// Policy is the explicit {max_attempts, base_delay, max_delay, backoff} object
// named in spec.md §9. Backoff is the multiplier applied to Delay after each
// attempt (2 means double-delay, matching juju/retry's DoubleDelay).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Backoff     float64
}

// Default is a sensible policy for cloud/CI HTTP calls: a handful of attempts
// with exponential backoff capped at a few seconds.
var Default = Policy{
	MaxAttempts: 4,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Backoff:     2,
}

// Retryable is implemented by errors that the caller has classified as worth
// retrying (spec.md §4.2's ApiError, §7's "Transient cloud/network").
type Retryable interface {
	Retryable() bool
}

// Do runs fn under the policy, retrying while the returned error implements
// Retryable and reports true. A non-retryable error (or nil) returns
// immediately.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	backoff := func(delay time.Duration, attempt int) time.Duration {
		scaled := time.Duration(float64(delay) * p.Backoff)
		if scaled > p.MaxDelay {
			return p.MaxDelay
		}
		return scaled
	}

	return retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			r, ok := err.(Retryable)
			return !ok || !r.Retryable()
		},
		Attempts:    p.MaxAttempts,
		Delay:       p.BaseDelay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: backoff,
		Clock:       retry.WallClock,
		Stop:        ctx.Done(),
	})
}
