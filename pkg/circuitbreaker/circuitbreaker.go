// Package circuitbreaker stops the fetch cache from hammering a host that keeps failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/yshengliao/hashnav/pkg/clock"
)

// State represents the state of the circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a request.
var ErrOpen = errors.New("circuit breaker is open")

// Config represents circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before letting a probe through.
	OpenTimeout time.Duration
	// OnStateChange is called whenever the state changes.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a default configuration for the circuit breaker
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	name   string
	config Config
	clock  clock.Clock

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a breaker. A nil clock uses the wall clock.
func New(name string, config Config, clk clock.Clock) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig().OpenTimeout
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Breaker{name: name, config: config, clock: clk}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving open to half-open once the timeout has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Permit is one admitted request. Exactly one of its methods should be called.
type Permit struct {
	b     *Breaker
	probe bool
	once  sync.Once
}

// Allow admits a request or returns ErrOpen.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case StateOpen:
		return nil, ErrOpen
	case StateHalfOpen:
		if b.probing {
			return nil, ErrOpen
		}
		b.probing = true
		return &Permit{b: b, probe: true}, nil
	default:
		return &Permit{b: b}, nil
	}
}

// Success records a healthy response.
func (p *Permit) Success() {
	p.once.Do(func() { p.b.record(p.probe, true) })
}

// Failure records an unhealthy response.
func (p *Permit) Failure() {
	p.once.Do(func() { p.b.record(p.probe, false) })
}

// Release gives the permit back without judging the host, e.g. when the caller cancelled.
func (p *Permit) Release() {
	p.once.Do(func() {
		if !p.probe {
			return
		}
		p.b.mu.Lock()
		p.b.probing = false
		p.b.mu.Unlock()
	})
}

func (b *Breaker) record(probe, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	if ok {
		b.failures = 0
		if b.state != StateClosed {
			b.setStateLocked(StateClosed)
		}
		return
	}

	b.failures++
	if probe || b.failures >= b.config.FailureThreshold {
		b.openedAt = b.clock.Now()
		b.setStateLocked(StateOpen)
	}
}

func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && !b.clock.Now().Before(b.openedAt.Add(b.config.OpenTimeout)) {
		b.setStateLocked(StateHalfOpen)
	}
}

func (b *Breaker) setStateLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, from, to)
	}
}
