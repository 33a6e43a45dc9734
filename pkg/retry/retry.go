// Package retry runs an operation with a per-attempt timeout and exponential backoff with jitter.
//
// Failures are classified into the kinds of pkg/errors:
//
//   - the per-attempt timeout firing yields a Timeout error and stops immediately
//   - the caller's context ending yields a Cancelled error and stops immediately
//   - errors marked with Permanent yield a Network error and stop immediately
//   - anything else is retried until Policy.Retries is exhausted, then surfaces as a
//     Network error wrapping the last cause
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	fetcherr "github.com/yshengliao/hashnav/pkg/errors"
)

// ErrAttemptTimeout is the cancellation cause of an attempt that ran out of time.
var ErrAttemptTimeout = errors.New("attempt timed out")

// Policy bounds how an operation is retried.
type Policy struct {
	// Retries is the number of extra attempts after the first one. Negative means zero.
	Retries int
	// Backoff is the base delay; attempt i waits Backoff * 2^i before the next try.
	// Values below MinBackoff are raised to it.
	Backoff time.Duration
	// Timeout bounds each attempt. Zero disables the per-attempt timeout.
	Timeout time.Duration
	// MaxJitter is the upper bound of the random delay added to each wait.
	// It is capped at Backoff so every wait is strictly longer than the previous one.
	MaxJitter time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Retries:   2,
		Backoff:   250 * time.Millisecond,
		Timeout:   2500 * time.Millisecond,
		MaxJitter: 120 * time.Millisecond,
	}
}

// MinBackoff replaces a zero or negative Backoff so waits still grow.
const MinBackoff = time.Millisecond

// Delay returns the wait after the failed attempt with the given 0-based index.
func (p Policy) Delay(attempt int, jitter time.Duration) time.Duration {
	return p.backoff()<<uint(attempt) + jitter
}

func (p Policy) backoff() time.Duration {
	if p.Backoff <= 0 {
		return MinBackoff
	}
	return p.Backoff
}

func (p Policy) normalize() Policy {
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	return p
}

// Budget is the longest a load can take under p: every attempt timing out plus
// every wait at its maximum jitter. It is zero when Timeout is zero.
func (p Policy) Budget() time.Duration {
	p = p.normalize()
	if p.Timeout <= 0 {
		return 0
	}
	total := time.Duration(p.Retries+1) * p.Timeout
	for i := 0; i < p.Retries; i++ {
		total += p.Delay(i, p.jitterCap())
	}
	return total
}

func (p Policy) jitterCap() time.Duration {
	if b := p.backoff(); p.MaxJitter > b {
		return b
	}
	return p.MaxJitter
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Option customizes a single Do call.
type Option func(*runner)

// WithSleep replaces the cancellable wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *runner) { r.sleep = fn }
}

// WithJitter replaces the random jitter source. fn receives the jitter cap.
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(r *runner) { r.jitter = fn }
}

// OnRetry registers a hook called before each wait.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(r *runner) { r.onRetry = fn }
}

type runner struct {
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(limit time.Duration) time.Duration
	onRetry func(attempt int, delay time.Duration, err error)
}

// Do runs fn until it succeeds or the policy gives up. It returns the number of attempts made.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, opts ...Option) (int, error) {
	r := &runner{sleep: Sleep, jitter: randomJitter}
	for _, opt := range opts {
		opt(r)
	}
	p = p.normalize()

	var lastErr error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if ctx.Err() != nil {
			return attempt, cancelled(ctx, attempt)
		}

		err := runAttempt(ctx, p, fn)
		if err == nil {
			return attempt + 1, nil
		}

		attempts := attempt + 1
		switch fetcherr.KindOf(err) {
		case fetcherr.KindCancelled, fetcherr.KindTimeout:
			return attempts, withAttempts(err, attempts)
		}
		if IsPermanent(err) {
			return attempts, network(errors.Unwrap(err), attempts)
		}

		lastErr = err
		if attempt == p.Retries {
			break
		}

		delay := p.Delay(attempt, r.jitter(p.jitterCap()))
		if r.onRetry != nil {
			r.onRetry(attempts, delay, err)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return attempts, cancelled(ctx, attempts)
		}
	}

	return p.Retries + 1, network(lastErr, p.Retries+1)
}

func runAttempt(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeoutCause(ctx, p.Timeout, ErrAttemptTimeout)
	}
	defer cancel()

	err := fn(attemptCtx)
	if err == nil {
		return nil
	}

	// The cause of the attempt context records whichever of the two fired first.
	if attemptCtx.Err() != nil {
		cause := context.Cause(attemptCtx)
		if errors.Is(cause, ErrAttemptTimeout) {
			return fetcherr.Timeout(ErrAttemptTimeout)
		}
		return fetcherr.Cancelled(cause)
	}
	return err
}

func cancelled(ctx context.Context, attempts int) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	fe := fetcherr.Cancelled(cause)
	fe.Attempts = attempts
	return fe
}

func network(err error, attempts int) error {
	var fe *fetcherr.FetchError
	if errors.As(err, &fe) && fe.Kind == fetcherr.KindNetwork {
		out := *fe
		out.Attempts = attempts
		return &out
	}
	out := fetcherr.Network(err)
	out.Attempts = attempts
	return out
}

func withAttempts(err error, attempts int) error {
	var fe *fetcherr.FetchError
	if errors.As(err, &fe) {
		out := *fe
		out.Attempts = attempts
		return &out
	}
	return err
}

// Sleep waits for d or until ctx ends, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}
