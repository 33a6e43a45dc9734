package fetchcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/yshengliao/hashnav/internal/testutil/mock"
	"github.com/yshengliao/hashnav/pkg/circuitbreaker"
	"github.com/yshengliao/hashnav/pkg/clock"
	fetcherr "github.com/yshengliao/hashnav/pkg/errors"
	"github.com/yshengliao/hashnav/pkg/inflight"
	"github.com/yshengliao/hashnav/pkg/retry"
	"github.com/yshengliao/hashnav/pkg/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func fastPolicy() retry.Policy {
	return retry.Policy{Retries: 2, Backoff: time.Millisecond, Timeout: time.Second}
}

type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type harness struct {
	cache   *Cache
	durable *store.MemoryStore
	clock   *clock.Manual
}

func newHarness(t *testing.T, tr Transport, opts ...Option) *harness {
	t.Helper()
	h := &harness{durable: store.NewMemoryStore(), clock: clock.NewManual(t0)}
	base := []Option{
		WithTransport(tr),
		WithClock(h.clock),
		WithRetryPolicy(fastPolicy()),
		WithRetryOptions(retry.WithSleep(noSleep)),
	}
	h.cache = New(h.durable, append(base, opts...)...)
	return h
}

func (h *harness) durableEntry(t *testing.T, url string) (Entry, bool) {
	t.Helper()
	raw, ok, err := h.durable.Get(context.Background(), h.cache.Key(url))
	require.NoError(t, err)
	if !ok {
		return Entry{}, false
	}
	e, err := decodeEntry(raw)
	require.NoError(t, err)
	return e, true
}

func TestLoad_RecoversAfterFailuresThenServesFromMemory(t *testing.T) {
	up := mock.NewUpstream(t, 2, `{"q":"paris"}`)
	h := newHarness(t, http.DefaultClient)
	url := up.URL + "/places?q=paris"

	res, err := h.cache.Load(context.Background(), Request{URL: url})
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, up.Calls())
	assert.JSONEq(t, `{"q":"paris"}`, string(res.Data))
	assert.Equal(t, t0.Add(DefaultTTL), res.ExpiresAt)

	res, err = h.cache.Load(context.Background(), Request{URL: url})
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, res.Source)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 3, up.Calls())

	stats := h.cache.Stats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(3), stats.NetworkCalls)
}

func TestLoad_Freshness(t *testing.T) {
	const ttl = time.Minute
	var calls atomic.Int32
	var failing atomic.Bool
	tr := transportFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		if failing.Load() {
			return nil, errors.New("offline")
		}
		return respond(http.StatusOK, `[1,2,3]`), nil
	})
	h := newHarness(t, tr, WithTTL(ttl))
	ctx := context.Background()
	url := "http://api.test/places"

	_, err := h.cache.Load(ctx, Request{URL: url})
	require.NoError(t, err)

	h.clock.Advance(ttl - time.Millisecond)
	res, err := h.cache.Load(ctx, Request{URL: url})
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, res.Source)

	// A second cache over the same durable store has an empty memory tier.
	other := New(h.durable, WithTransport(tr), WithClock(h.clock), WithTTL(ttl))
	res, err = other.Load(ctx, Request{URL: url})
	require.NoError(t, err)
	assert.Equal(t, SourceDurable, res.Source)
	_, promoted := other.Peek(url)
	assert.True(t, promoted)
	assert.Equal(t, int32(1), calls.Load())

	// Past expiry the read is a miss, and the stale entry is gone from both tiers
	// even though the refetch fails.
	h.clock.Advance(2 * time.Millisecond)
	failing.Store(true)
	_, err = h.cache.Load(ctx, Request{URL: url})
	require.Error(t, err)
	assert.True(t, fetcherr.IsNetwork(err))
	assert.Equal(t, int32(4), calls.Load())

	_, inMemory := h.cache.Peek(url)
	assert.False(t, inMemory)
	_, inDurable := h.durableEntry(t, url)
	assert.False(t, inDurable)
	assert.Equal(t, int64(2), h.cache.Stats().Evictions)
}

func TestLoad_IgnoreCacheRefetchesAndOverwrites(t *testing.T) {
	var body atomic.Value
	body.Store(`{"v":1}`)
	var calls atomic.Int32
	h := newHarness(t, transportFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return respond(http.StatusOK, body.Load().(string)), nil
	}))
	ctx := context.Background()
	url := "http://api.test/places/1"

	_, err := h.cache.Load(ctx, Request{URL: url})
	require.NoError(t, err)

	body.Store(`{"v":2}`)
	h.clock.Advance(time.Second)
	res, err := h.cache.Load(ctx, Request{URL: url, IgnoreCache: true})
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, int32(2), calls.Load())

	mem, ok := h.cache.Peek(url)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(mem.Data))
	assert.Equal(t, t0.Add(time.Second+DefaultTTL), mem.ExpiresAt)

	dur, ok := h.durableEntry(t, url)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(dur.Data))

	res, err = h.cache.Load(ctx, Request{URL: url})
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, res.Source)
	assert.JSONEq(t, `{"v":2}`, string(res.Data))
}

func TestLoad_SupersededLoadIsCancelledAndNotCached(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	h := newHarness(t, transportFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-r.Context().Done()
			return nil, r.Context().Err()
		}
		return respond(http.StatusOK, `"second"`), nil
	}))
	url := "http://api.test/places?q=rome"

	var slot inflight.Slot
	ctx1, t1 := slot.Begin(context.Background())
	defer t1.Done()

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.cache.Load(ctx1, Request{URL: url})
		firstErr <- err
	}()
	<-started

	ctx2, t2 := slot.Begin(context.Background())
	defer t2.Done()
	res, err := h.cache.Load(ctx2, Request{URL: url})
	require.NoError(t, err)
	assert.Equal(t, `"second"`, string(res.Data))

	err = <-firstErr
	require.Error(t, err)
	assert.True(t, fetcherr.IsCancelled(err))
	assert.ErrorIs(t, err, inflight.ErrSuperseded)

	mem, ok := h.cache.Peek(url)
	require.True(t, ok)
	assert.Equal(t, `"second"`, string(mem.Data))
	dur, ok := h.durableEntry(t, url)
	require.True(t, ok)
	assert.Equal(t, `"second"`, string(dur.Data))
}

func TestLoad_CancelledAfterResponseDoesNotWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, transportFunc(func(r *http.Request) (*http.Response, error) {
		cancel()
		return respond(http.StatusOK, `{}`), nil
	}))
	url := "http://api.test/late"

	_, err := h.cache.Load(ctx, Request{URL: url})
	require.Error(t, err)
	assert.True(t, fetcherr.IsCancelled(err))

	_, ok := h.cache.Peek(url)
	assert.False(t, ok)
	_, ok = h.durableEntry(t, url)
	assert.False(t, ok)
}

func TestLoad_TimeoutIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, transportFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		<-r.Context().Done()
		return nil, r.Context().Err()
	}), WithRetryPolicy(retry.Policy{Retries: 2, Backoff: time.Millisecond, Timeout: 10 * time.Millisecond}))

	_, err := h.cache.Load(context.Background(), Request{URL: "http://api.test/slow"})
	require.Error(t, err)
	assert.True(t, fetcherr.IsTimeout(err))
	assert.Equal(t, int32(1), calls.Load())

	var fe *fetcherr.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "http://api.test/slow", fe.URL)
	assert.Equal(t, int64(1), h.cache.Stats().Failures)
}

func TestLoad_ExhaustedRetries(t *testing.T) {
	up := mock.NewUpstream(t, 100, `{}`)
	h := newHarness(t, http.DefaultClient)
	url := up.URL + "/places"

	_, err := h.cache.Load(context.Background(), Request{URL: url})
	require.Error(t, err)
	assert.True(t, fetcherr.IsNetwork(err))
	assert.Equal(t, 3, up.Calls())

	var fe *fetcherr.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
	assert.Equal(t, 3, fe.Attempts)

	_, ok := h.cache.Peek(url)
	assert.False(t, ok)
}

func TestLoad_OpenBreakerStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	failing := transportFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})
	tr := circuitbreaker.NewTransport(failing, circuitbreaker.Config{FailureThreshold: 1, OpenTimeout: time.Minute}, nil)
	h := newHarness(t, tr)

	_, err := h.cache.Load(context.Background(), Request{URL: "http://down.test/x"})
	require.Error(t, err)
	assert.True(t, fetcherr.IsNetwork(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoad_OnlyGETIsCached(t *testing.T) {
	var calls atomic.Int32
	var method atomic.Value
	h := newHarness(t, transportFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		method.Store(r.Method)
		b, _ := io.ReadAll(r.Body)
		return respond(http.StatusCreated, string(b)), nil
	}))
	req := Request{URL: "http://api.test/places", Method: http.MethodPost, Body: []byte(`{"name":"x"}`)}

	for i := 0; i < 2; i++ {
		res, err := h.cache.Load(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, SourceNetwork, res.Source)
		assert.True(t, res.ExpiresAt.IsZero())
		assert.JSONEq(t, `{"name":"x"}`, string(res.Data))
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, http.MethodPost, method.Load())

	keys, err := h.cache.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLoad_ConcurrentWritersLeaveValidEntry(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, transportFunc(func(r *http.Request) (*http.Response, error) {
		if n.Add(1)%2 == 0 {
			return respond(http.StatusOK, `{"writer":"a"}`), nil
		}
		return respond(http.StatusOK, `{"writer":"b"}`), nil
	}))
	url := "http://api.test/race"

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.cache.Load(context.Background(), Request{URL: url, IgnoreCache: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := h.cache.Load(context.Background(), Request{URL: url})
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, res.Source)
	assert.Contains(t, []string{`{"writer":"a"}`, `{"writer":"b"}`}, string(res.Data))

	dur, ok := h.durableEntry(t, url)
	require.True(t, ok)
	assert.True(t, dur.Fresh(h.clock.Now()))
	assert.Contains(t, []string{`{"writer":"a"}`, `{"writer":"b"}`}, string(dur.Data))
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) Set(context.Context, string, string) error {
	return errors.New("quota exceeded")
}

func TestLoad_DurableWriteFailureIsLogged(t *testing.T) {
	logger := mock.NewLogger()
	c := New(failingStore{store.NewMemoryStore()},
		WithTransport(transportFunc(func(r *http.Request) (*http.Response, error) {
			return respond(http.StatusOK, `{}`), nil
		})),
		WithLogger(logger.Logger),
	)

	res, err := c.Load(context.Background(), Request{URL: "http://api.test/q"})
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.True(t, logger.HasEntry(zapcore.WarnLevel, "durable write failed"))

	res, err = c.Load(context.Background(), Request{URL: "http://api.test/q"})
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, res.Source)
}

func TestLoad_UndecodableDurableEntryIsDropped(t *testing.T) {
	h := newHarness(t, transportFunc(func(r *http.Request) (*http.Response, error) {
		return respond(http.StatusOK, `{"ok":true}`), nil
	}))
	url := "http://api.test/broken"
	require.NoError(t, h.durable.Set(context.Background(), h.cache.Key(url), "not json"))

	res, err := h.cache.Load(context.Background(), Request{URL: url})
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)

	dur, ok := h.durableEntry(t, url)
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(dur.Data))
}

func TestLoad_EmptyURL(t *testing.T) {
	c := New(nil)
	_, err := c.Load(context.Background(), Request{})
	assert.Error(t, err)
}

func TestLoadJSON(t *testing.T) {
	h := newHarness(t, transportFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		return respond(http.StatusOK, `{"name":"Kyoto"}`), nil
	}))

	var place struct {
		Name string `json:"name"`
	}
	res, err := h.cache.LoadJSON(context.Background(), Request{
		URL:    "http://api.test/places/3",
		Header: http.Header{"X-Test": []string{"yes"}},
	}, &place)
	require.NoError(t, err)
	assert.Equal(t, "Kyoto", place.Name)
	assert.Equal(t, SourceNetwork, res.Source)

	var wrong []int
	_, err = h.cache.LoadJSON(context.Background(), Request{URL: "http://api.test/places/3"}, &wrong)
	assert.Error(t, err)
}

func TestKeyInvalidateClear(t *testing.T) {
	h := newHarness(t, transportFunc(func(r *http.Request) (*http.Response, error) {
		return respond(http.StatusOK, `{}`), nil
	}), WithNamespace("v27:places:"))
	ctx := context.Background()

	assert.Equal(t, "v27:places:http://api.test/a", h.cache.Key("http://api.test/a"))
	assert.Equal(t, "v27:places:", h.cache.Namespace())

	for _, u := range []string{"http://api.test/a", "http://api.test/b"} {
		_, err := h.cache.Load(ctx, Request{URL: u})
		require.NoError(t, err)
	}
	require.NoError(t, h.durable.Set(ctx, "unrelated", "keep"))

	require.NoError(t, h.cache.Invalidate(ctx, "http://api.test/a"))
	_, ok := h.cache.Peek("http://api.test/a")
	assert.False(t, ok)
	keys, err := h.cache.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v27:places:http://api.test/b"}, keys)

	n, err := h.cache.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, h.cache.Stats().MemoryKeys)

	v, ok, err := h.durable.Get(ctx, "unrelated")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "keep", v)
}

func TestSweep(t *testing.T) {
	h := newHarness(t, transportFunc(func(r *http.Request) (*http.Response, error) {
		return respond(http.StatusOK, `{}`), nil
	}), WithTTL(time.Minute))
	ctx := context.Background()

	_, err := h.cache.Load(ctx, Request{URL: "http://api.test/old"})
	require.NoError(t, err)
	h.clock.Advance(45 * time.Second)
	_, err = h.cache.Load(ctx, Request{URL: "http://api.test/new"})
	require.NoError(t, err)
	require.NoError(t, h.durable.Set(ctx, h.cache.Key("http://api.test/junk"), "{"))

	h.clock.Advance(30 * time.Second)
	n, err := h.cache.Sweep(ctx)
	require.NoError(t, err)
	// old in memory, old in durable, junk in durable
	assert.Equal(t, 3, n)

	keys, err := h.cache.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{h.cache.Key("http://api.test/new")}, keys)
	assert.Equal(t, 1, h.cache.Stats().MemoryKeys)
}

func TestEntryEncoding(t *testing.T) {
	exp := time.UnixMilli(t0.UnixMilli())

	raw, err := encodeEntry(Entry{Data: []byte(`{"a":1}`), ExpiresAt: exp})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"a":1},"expiresAt":`+strconv.FormatInt(exp.UnixMilli(), 10)+`}`, raw)

	e, err := decodeEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(e.Data))
	assert.True(t, exp.Equal(e.ExpiresAt))

	raw, err = encodeEntry(Entry{Data: []byte("plain text"), ExpiresAt: exp})
	require.NoError(t, err)
	e, err = decodeEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, "plain text", string(e.Data))

	_, err = decodeEntry(`{"data":{}}`)
	assert.ErrorIs(t, err, errBadEntry)
}
