// Package retry reruns operations whose failures are marked retryable, such
// as README read-back verification and background job handlers.
package retry

import (
	"context"
	"math/rand"
	"time"

	perrors "github.com/p-blackswan/designvault/internal/errors"
)

// Backoff returns the pause after the failed attempt with the given
// zero-based index.
type Backoff func(attempt int) time.Duration

// Constant pauses d after every failure.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Exponential doubles base after each failure up to max. With jitter the
// pause is drawn from the upper half of that value.
func Exponential(base, max time.Duration, jitter bool) Backoff {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt && (max <= 0 || d < max); i++ {
			d *= 2
		}
		if max > 0 && d > max {
			d = max
		}
		if jitter {
			d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
		}
		return d
	}
}

// Policy bounds how often an operation runs and how long to wait between runs.
type Policy struct {
	Attempts int
	Backoff  Backoff
}

// Fixed returns a policy of attempts runs spaced delay apart.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Backoff: Constant(delay)}
}

// Default suits calls to slow external tools: three runs, 500ms doubling to
// 10s, jittered.
func Default() Policy {
	return Policy{Attempts: 3, Backoff: Exponential(500*time.Millisecond, 10*time.Second, true)}
}

// Do runs fn until it succeeds, fails with an error perrors.IsRetryable
// rejects, or the policy is exhausted. fn receives the 1-based attempt
// number. Do returns how many attempts ran and the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := max(p.Attempts, 1)
	var err error
	for n := 1; ; n++ {
		err = fn(ctx, n)
		if err == nil || !perrors.IsRetryable(err) || n == attempts {
			return n, err
		}

		var pause time.Duration
		if p.Backoff != nil {
			pause = p.Backoff(n - 1)
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return n, ctx.Err()
		case <-t.C:
		}
	}
}
