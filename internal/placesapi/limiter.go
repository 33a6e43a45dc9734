package placesapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter keeps one token bucket per client key and forgets idle keys.
type Limiter struct {
	rate  rate.Limit
	burst int
	ttl   time.Duration

	mu       sync.Mutex
	limiters map[string]*limiterEntry

	ticker   *time.Ticker
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewLimiter allows perSecond requests per key with the given burst.
// Idle keys are dropped after ttl; a cleanup pass runs every ttl/2.
func NewLimiter(perSecond, burst int, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if burst < 1 {
		burst = max(1, perSecond)
	}
	l := &Limiter{
		rate:     rate.Limit(perSecond),
		burst:    burst,
		ttl:      ttl,
		limiters: make(map[string]*limiterEntry),
		ticker:   time.NewTicker(ttl / 2),
		stopped:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether one more request from key fits in its bucket.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastAccess = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop ends the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		l.ticker.Stop()
		close(l.stopped)
	})
}

func (l *Limiter) cleanupLoop() {
	for {
		select {
		case now := <-l.ticker.C:
			l.cleanup(now)
		case <-l.stopped:
			return
		}
	}
}

func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.limiters {
		if now.Sub(e.lastAccess) > l.ttl {
			delete(l.limiters, key)
		}
	}
}
