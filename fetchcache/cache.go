// Package fetchcache serves GET payloads from a memory tier, then a durable tier, then the
// network. Network loads run under a per-attempt timeout with exponential backoff, and a
// cancelled load never writes to either tier.
package fetchcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yshengliao/hashnav/pkg/clock"
	fetcherr "github.com/yshengliao/hashnav/pkg/errors"
	"github.com/yshengliao/hashnav/pkg/httpclient"
	"github.com/yshengliao/hashnav/pkg/retry"
	"github.com/yshengliao/hashnav/pkg/store"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultNamespace = "hashnav:v1:"
)

// Source tells where a result came from. It is informational only.
type Source string

const (
	SourceMemory  Source = "memory"
	SourceDurable Source = "durable"
	SourceNetwork Source = "network"
)

// Transport sends one HTTP exchange. *http.Client, *httpclient.Client and
// *circuitbreaker.Transport satisfy it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one load.
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
	// IgnoreCache skips both tiers for the read. A successful result is still written back.
	IgnoreCache bool
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Result is a loaded payload and its provenance.
type Result struct {
	Data      []byte
	Source    Source
	ExpiresAt time.Time
	Key       string
	URL       string
	// Attempts is the number of network attempts, zero for cache hits.
	Attempts int
}

// Stats are cumulative counters.
type Stats struct {
	MemoryHits   int64 `json:"memory_hits"`
	DurableHits  int64 `json:"durable_hits"`
	Misses       int64 `json:"misses"`
	NetworkCalls int64 `json:"network_calls"`
	Failures     int64 `json:"failures"`
	Evictions    int64 `json:"evictions"`
	MemoryKeys   int   `json:"memory_keys"`
}

type counters struct {
	memoryHits   atomic.Int64
	durableHits  atomic.Int64
	misses       atomic.Int64
	networkCalls atomic.Int64
	failures     atomic.Int64
	evictions    atomic.Int64
}

// Cache is the two-tier fetch cache. It is safe for concurrent use.
type Cache struct {
	memory    *memoryTier
	durable   store.Store
	transport Transport
	clock     clock.Clock
	logger    *zap.Logger

	ttl       time.Duration
	namespace string
	policy    retry.Policy
	retryOpts []retry.Option

	stats counters
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long entries stay fresh.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithNamespace sets the key prefix shared by every entry of this cache.
func WithNamespace(ns string) Option {
	return func(c *Cache) { c.namespace = ns }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Cache) { c.policy = p }
}

// WithRetryOptions passes extra options to every retry run.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Cache) { c.retryOpts = append(c.retryOpts, opts...) }
}

func WithTransport(t Transport) Option {
	return func(c *Cache) { c.transport = t }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clock = clk }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a cache over durable. A nil durable store gets an in-memory one.
func New(durable store.Store, opts ...Option) *Cache {
	if durable == nil {
		durable = store.NewMemoryStore()
	}
	c := &Cache{
		memory:    newMemoryTier(),
		durable:   durable,
		ttl:       DefaultTTL,
		namespace: DefaultNamespace,
		policy:    retry.DefaultPolicy(),
		clock:     clock.NewSystem(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = httpclient.NewDefault()
	}
	return c
}

// Key returns the cache key for url.
func (c *Cache) Key(url string) string {
	return c.namespace + url
}

// Namespace returns the key prefix.
func (c *Cache) Namespace() string {
	return c.namespace
}

// TTL returns the freshness window of new entries.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Load returns the payload for req from the first tier holding a fresh entry, or from the
// network. Only GET requests are read from or written to the cache.
func (c *Cache) Load(ctx context.Context, req Request) (*Result, error) {
	if req.URL == "" {
		return nil, errors.New("fetchcache: empty URL")
	}
	key := c.Key(req.URL)
	cacheable := req.method() == http.MethodGet

	if cacheable && !req.IgnoreCache {
		if res, ok := c.lookup(ctx, key); ok {
			res.URL = req.URL
			return res, nil
		}
		c.stats.misses.Add(1)
	}

	data, attempts, err := c.fetch(ctx, req)
	if err != nil {
		c.stats.failures.Add(1)
		if !fetcherr.IsCancelled(err) {
			c.logger.Warn("load failed",
				zap.String("url", req.URL),
				zap.Int("attempt", attempts),
				zap.Error(err))
		}
		return nil, err
	}

	// A caller that gave up while the last attempt completed must not populate the cache.
	if ctx.Err() != nil {
		fe := fetcherr.Cancelled(context.Cause(ctx))
		fe.URL = req.URL
		fe.Attempts = attempts
		return nil, fe
	}

	res := &Result{
		Data:     data,
		Source:   SourceNetwork,
		Key:      key,
		URL:      req.URL,
		Attempts: attempts,
	}
	if cacheable {
		entry := Entry{Data: data, ExpiresAt: c.clock.Now().Add(c.ttl)}
		c.write(context.WithoutCancel(ctx), key, entry)
		res.ExpiresAt = entry.ExpiresAt
	}

	c.logger.Debug("loaded from network",
		zap.String("key", key),
		zap.Int("attempt", attempts),
		zap.Int("bytes", len(data)))
	return res, nil
}

// LoadJSON loads req and decodes the payload into v.
func (c *Cache) LoadJSON(ctx context.Context, req Request, v any) (*Result, error) {
	res, err := c.Load(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(res.Data, v); err != nil {
		return res, fmt.Errorf("fetchcache: decode %s: %w", req.URL, err)
	}
	return res, nil
}

func (c *Cache) lookup(ctx context.Context, key string) (*Result, bool) {
	now := c.clock.Now()

	if e, ok := c.memory.get(key); ok {
		if e.Fresh(now) {
			c.stats.memoryHits.Add(1)
			c.logger.Debug("cache hit", zap.String("key", key), zap.String("source", string(SourceMemory)))
			return &Result{Data: e.Data, Source: SourceMemory, ExpiresAt: e.ExpiresAt, Key: key}, true
		}
		if c.memory.removeIfExpired(key, now) {
			c.stats.evictions.Add(1)
		}
	}

	raw, ok, err := c.durable.Get(ctx, key)
	if err != nil {
		c.logger.Warn("durable read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	e, err := decodeEntry(raw)
	if err != nil {
		c.logger.Warn("dropping undecodable entry", zap.String("key", key), zap.Error(err))
		c.removeDurable(ctx, key)
		return nil, false
	}
	if !e.Fresh(now) {
		c.stats.evictions.Add(1)
		c.removeDurable(ctx, key)
		return nil, false
	}

	c.memory.set(key, e)
	c.stats.durableHits.Add(1)
	c.logger.Debug("cache hit", zap.String("key", key), zap.String("source", string(SourceDurable)))
	return &Result{Data: e.Data, Source: SourceDurable, ExpiresAt: e.ExpiresAt, Key: key}, true
}

// write stores e in both tiers. Durable failures are logged and dropped.
func (c *Cache) write(ctx context.Context, key string, e Entry) {
	c.memory.set(key, e)

	raw, err := encodeEntry(e)
	if err != nil {
		c.logger.Warn("encode entry failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.durable.Set(ctx, key, raw); err != nil {
		c.logger.Warn("durable write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) removeDurable(ctx context.Context, key string) {
	if err := c.durable.Remove(ctx, key); err != nil {
		c.logger.Warn("durable remove failed", zap.String("key", key), zap.Error(err))
	}
}

// Peek returns the memory entry for url without touching the durable tier or the stats.
func (c *Cache) Peek(url string) (Entry, bool) {
	return c.memory.get(c.Key(url))
}

// Invalidate removes url from both tiers.
func (c *Cache) Invalidate(ctx context.Context, url string) error {
	key := c.Key(url)
	c.memory.remove(key)
	if err := c.durable.Remove(ctx, key); err != nil {
		return fmt.Errorf("fetchcache: invalidate %s: %w", key, err)
	}
	return nil
}

// Clear empties the memory tier and removes every durable key in the namespace.
// It returns the number of durable keys removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	c.memory.clear()
	n, err := store.RemovePrefix(ctx, c.durable, c.namespace)
	if err != nil {
		return n, fmt.Errorf("fetchcache: clear: %w", err)
	}
	c.logger.Info("cache cleared", zap.String("namespace", c.namespace), zap.Int("removed", n))
	return n, nil
}

// Keys lists the durable keys in the namespace.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	return c.durable.Keys(ctx, c.namespace)
}

// Sweep deletes expired and undecodable entries from both tiers and returns how many went.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	now := c.clock.Now()
	n := c.memory.sweep(now)

	keys, err := c.durable.Keys(ctx, c.namespace)
	if err != nil {
		return n, fmt.Errorf("fetchcache: sweep: %w", err)
	}
	for _, key := range keys {
		raw, ok, err := c.durable.Get(ctx, key)
		if err != nil {
			return n, fmt.Errorf("fetchcache: sweep %s: %w", key, err)
		}
		if !ok {
			continue
		}
		if e, err := decodeEntry(raw); err == nil && e.Fresh(now) {
			continue
		}
		if err := c.durable.Remove(ctx, key); err != nil {
			return n, fmt.Errorf("fetchcache: sweep %s: %w", key, err)
		}
		n++
	}
	c.stats.evictions.Add(int64(n))
	return n, nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits:   c.stats.memoryHits.Load(),
		DurableHits:  c.stats.durableHits.Load(),
		Misses:       c.stats.misses.Load(),
		NetworkCalls: c.stats.networkCalls.Load(),
		Failures:     c.stats.failures.Load(),
		Evictions:    c.stats.evictions.Load(),
		MemoryKeys:   c.memory.len(),
	}
}
