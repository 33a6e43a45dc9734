package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fetcherr "github.com/yshengliao/hashnav/pkg/errors"
)

// recordSleep captures requested waits without actually sleeping.
func recordSleep(delays *[]time.Duration) Option {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	})
}

func fixedJitter(d time.Duration) Option {
	return WithJitter(func(time.Duration) time.Duration { return d })
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsRetriesWithGrowingBackoff(t *testing.T) {
	var delays []time.Duration
	p := Policy{Retries: 2, Backoff: 100 * time.Millisecond, MaxJitter: 50 * time.Millisecond}
	boom := errors.New("connection reset")

	calls := 0
	attempts, err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return boom
	}, recordSleep(&delays), fixedJitter(7*time.Millisecond))

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.True(t, fetcherr.IsNetwork(err))
	assert.ErrorIs(t, err, boom)

	var fe *fetcherr.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Attempts)

	require.Len(t, delays, 2)
	assert.Equal(t, 107*time.Millisecond, delays[0])
	assert.Equal(t, 207*time.Millisecond, delays[1])
	assert.Greater(t, delays[1], delays[0])
}

func TestDo_RandomJitterStillGrows(t *testing.T) {
	p := Policy{Retries: 4, Backoff: 10 * time.Millisecond, MaxJitter: time.Second}
	for run := 0; run < 20; run++ {
		var delays []time.Duration
		_, err := Do(context.Background(), p, func(ctx context.Context) error {
			return errors.New("fail")
		}, recordSleep(&delays))
		require.Error(t, err)
		require.Len(t, delays, 4)
		for i := 1; i < len(delays); i++ {
			assert.Greater(t, delays[i], delays[i-1])
		}
	}
}

func TestDo_ZeroBackoffStillGrows(t *testing.T) {
	p := Policy{Retries: 3, MaxJitter: 120 * time.Millisecond}
	for run := 0; run < 20; run++ {
		var delays []time.Duration
		var limit time.Duration
		_, err := Do(context.Background(), p, func(ctx context.Context) error {
			return errors.New("fail")
		}, recordSleep(&delays), WithJitter(func(l time.Duration) time.Duration {
			limit = l
			return randomJitter(l)
		}))
		require.Error(t, err)
		assert.Equal(t, MinBackoff, limit)
		require.Len(t, delays, 3)
		assert.GreaterOrEqual(t, delays[0], MinBackoff)
		for i := 1; i < len(delays); i++ {
			assert.Greater(t, delays[i], delays[i-1])
		}
	}
}

func TestDo_NegativeRetriesMakesOneAttempt(t *testing.T) {
	boom := errors.New("connection reset")
	calls := 0
	attempts, err := Do(context.Background(), Policy{Retries: -1}, func(ctx context.Context) error {
		calls++
		return boom
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.True(t, fetcherr.IsNetwork(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, time.Second, Policy{Retries: -1, Timeout: time.Second}.Budget())
}

func TestDo_JitterCappedAtBackoff(t *testing.T) {
	var seen time.Duration
	p := Policy{Retries: 1, Backoff: 30 * time.Millisecond, MaxJitter: time.Second}
	var delays []time.Duration
	_, _ = Do(context.Background(), p, func(ctx context.Context) error {
		return errors.New("fail")
	}, recordSleep(&delays), WithJitter(func(limit time.Duration) time.Duration {
		seen = limit
		return 0
	}))
	assert.Equal(t, 30*time.Millisecond, seen)
}

func TestDo_RecoversAfterFailures(t *testing.T) {
	var delays []time.Duration
	calls := 0
	attempts, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fetcherr.Status("/places", 503)
		}
		return nil
	}, recordSleep(&delays))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, delays, 2)
}

func TestDo_TimeoutIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	p := Policy{Retries: 3, Backoff: time.Millisecond, Timeout: 20 * time.Millisecond}

	attempts, err := Do(context.Background(), p, func(ctx context.Context) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.True(t, fetcherr.IsTimeout(err))
	assert.ErrorIs(t, err, ErrAttemptTimeout)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, attempts)
}

func TestDo_CallerCancellationIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Retries: 3, Backoff: time.Millisecond, Timeout: time.Second}

	var calls atomic.Int32
	_, err := Do(ctx, p, func(attemptCtx context.Context) error {
		calls.Add(1)
		cancel()
		<-attemptCtx.Done()
		return attemptCtx.Err()
	})

	require.Error(t, err)
	assert.True(t, fetcherr.IsCancelled(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_CancellationCausePropagates(t *testing.T) {
	superseded := errors.New("superseded")
	ctx, cancel := context.WithCancelCause(context.Background())

	_, err := Do(ctx, Policy{Timeout: time.Second}, func(attemptCtx context.Context) error {
		cancel(superseded)
		<-attemptCtx.Done()
		return attemptCtx.Err()
	})

	assert.True(t, fetcherr.IsCancelled(err))
	assert.ErrorIs(t, err, superseded)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Retries: 3, Backoff: time.Hour}

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, p, func(context.Context) error {
		calls++
		return errors.New("fail")
	}, fixedJitter(0))

	assert.True(t, fetcherr.IsCancelled(err))
	assert.Equal(t, 1, calls)
}

func TestDo_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	attempts, err := Do(ctx, DefaultPolicy(), func(context.Context) error {
		calls++
		return nil
	})
	assert.True(t, fetcherr.IsCancelled(err))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, attempts)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	open := errors.New("breaker open")
	calls := 0
	attempts, err := Do(context.Background(), DefaultPolicy(), func(context.Context) error {
		calls++
		return Permanent(open)
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.True(t, fetcherr.IsNetwork(err))
	assert.ErrorIs(t, err, open)
	assert.False(t, IsPermanent(err))
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestPolicy_Budget(t *testing.T) {
	p := Policy{Retries: 2, Backoff: 100 * time.Millisecond, Timeout: time.Second, MaxJitter: time.Second}
	// 3 timeouts, waits of 100+100 and 200+100 with jitter capped at the backoff.
	assert.Equal(t, 3*time.Second+500*time.Millisecond, p.Budget())

	assert.Zero(t, Policy{Retries: 3, Backoff: time.Second}.Budget())
}
