// Package inflight tracks the current request of a call site so that a newer request
// can cancel the one it supersedes.
package inflight

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is the cancellation cause given to a request replaced by a newer one.
var ErrSuperseded = errors.New("superseded by a newer request")

// ErrSlotCancelled is the cancellation cause used by Slot.Cancel.
var ErrSlotCancelled = errors.New("request slot cancelled")

// Slot holds at most one current request.
type Slot struct {
	mu     sync.Mutex
	seq    uint64
	cancel context.CancelCauseFunc
}

// Ticket identifies one request issued through a Slot.
type Ticket struct {
	slot   *Slot
	seq    uint64
	cancel context.CancelCauseFunc
}

// Begin cancels the current request, if any, and starts a new one derived from parent.
func (s *Slot) Begin(parent context.Context) (context.Context, *Ticket) {
	ctx, cancel := context.WithCancelCause(parent)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel(ErrSuperseded)
	}
	s.seq++
	s.cancel = cancel
	t := &Ticket{slot: s, seq: s.seq, cancel: cancel}
	s.mu.Unlock()

	return ctx, t
}

// Cancel aborts the current request without starting a new one.
func (s *Slot) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel(ErrSlotCancelled)
		s.cancel = nil
	}
}

// Busy reports whether a request is in flight.
func (s *Slot) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Current reports whether t is still the newest request of its slot.
func (t *Ticket) Current() bool {
	t.slot.mu.Lock()
	defer t.slot.mu.Unlock()
	return t.slot.seq == t.seq && t.slot.cancel != nil
}

// Done releases the request's resources. The slot is cleared only if t is still current.
func (t *Ticket) Done() {
	t.slot.mu.Lock()
	if t.slot.seq == t.seq {
		t.slot.cancel = nil
	}
	t.slot.mu.Unlock()
	t.cancel(context.Canceled)
}

// Group hands out one Slot per call-site name.
type Group struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{slots: make(map[string]*Slot)}
}

// Slot returns the slot for name, creating it on first use.
func (g *Group) Slot(name string) *Slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[name]
	if !ok {
		s = &Slot{}
		g.slots[name] = s
	}
	return s
}

// CancelAll cancels every slot's current request.
func (g *Group) CancelAll() {
	g.mu.Lock()
	slots := make([]*Slot, 0, len(g.slots))
	for _, s := range g.slots {
		slots = append(slots, s)
	}
	g.mu.Unlock()

	for _, s := range slots {
		s.Cancel()
	}
}
