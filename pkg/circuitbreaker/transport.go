package circuitbreaker

import (
	"net/http"
	"sync"

	"github.com/yshengliao/hashnav/pkg/clock"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Transport keeps one breaker per host in front of next.
// Transport errors and 5xx responses count as failures; cancelled requests count as nothing.
type Transport struct {
	next   Doer
	config Config
	clock  clock.Clock

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewTransport wraps next.
func NewTransport(next Doer, config Config, clk clock.Clock) *Transport {
	return &Transport{
		next:     next,
		config:   config,
		clock:    clk,
		breakers: make(map[string]*Breaker),
	}
}

// Breaker returns the breaker for host, creating it on first use.
func (t *Transport) Breaker(host string) *Breaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.breakers[host]
	if !ok {
		b = New(host, t.config, t.clock)
		t.breakers[host] = b
	}
	return b
}

func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	permit, err := t.Breaker(req.URL.Host).Allow()
	if err != nil {
		return nil, err
	}

	resp, err := t.next.Do(req)
	switch {
	case err != nil && req.Context().Err() != nil:
		permit.Release()
	case err != nil:
		permit.Failure()
	case resp.StatusCode >= http.StatusInternalServerError:
		permit.Failure()
	default:
		permit.Success()
	}
	return resp, err
}
