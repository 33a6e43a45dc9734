// Package pool recycles scratch objects on hot paths, mainly the buffers used
// to read response bodies.
package pool

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
)

// Pool is a typed sync.Pool with usage counters.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)

	gets, puts, news, active atomic.Int64
}

// Metrics is a snapshot of pool usage.
type Metrics struct {
	Gets   int64 `json:"gets"`
	Puts   int64 `json:"puts"`
	News   int64 `json:"news"`
	Active int64 `json:"active"`
}

// New returns a pool that builds objects with newFn and clears them with reset
// (which may be nil) before they are reused.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFn()
	}
	return p
}

func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	p.active.Add(1)
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(v T) {
	p.puts.Add(1)
	p.active.Add(-1)
	if p.reset != nil {
		p.reset(v)
	}
	p.pool.Put(v)
}

// Metrics returns the current counters.
func (p *Pool[T]) Metrics() Metrics {
	return Metrics{
		Gets:   p.gets.Load(),
		Puts:   p.puts.Load(),
		News:   p.news.Load(),
		Active: p.active.Load(),
	}
}

// Buffers pools bytes.Buffers. Buffers that grew past max are dropped
// instead of being kept alive by the pool.
type Buffers struct {
	p   *Pool[*bytes.Buffer]
	max int

	dropped atomic.Int64
}

// NewBuffers returns a buffer pool. max <= 0 keeps every buffer.
func NewBuffers(max int) *Buffers {
	return &Buffers{
		p:   New(func() *bytes.Buffer { return new(bytes.Buffer) }, func(b *bytes.Buffer) { b.Reset() }),
		max: max,
	}
}

func (b *Buffers) Get() *bytes.Buffer { return b.p.Get() }

func (b *Buffers) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if b.max > 0 && buf.Cap() > b.max {
		b.dropped.Add(1)
		b.p.active.Add(-1)
		return
	}
	b.p.Put(buf)
}

// Dropped reports how many oversized buffers were discarded.
func (b *Buffers) Dropped() int64 { return b.dropped.Load() }

func (b *Buffers) Metrics() Metrics { return b.p.Metrics() }

// ReadAll drains r through a pooled buffer and returns a copy of what was read.
func (b *Buffers) ReadAll(r io.Reader) ([]byte, error) {
	buf := b.Get()
	defer b.Put(buf)
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}
