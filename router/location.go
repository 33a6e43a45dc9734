package router

import (
	"slices"
	"strings"
	"sync"
)

// EventType is the kind of navigation event a Location emits.
type EventType int

const (
	// EventLoad is the initial page load.
	EventLoad EventType = iota
	// EventHashChange fires when the fragment changes.
	EventHashChange
)

func (t EventType) String() string {
	if t == EventLoad {
		return "load"
	}
	return "hashchange"
}

// Event is delivered to Location subscribers.
type Event struct {
	Type     EventType
	Fragment string
	Previous string
}

// Location is the source of URL fragments and navigation events.
type Location interface {
	Fragment() string
	// SetFragment changes the fragment and emits EventHashChange if it differs.
	SetFragment(fragment string)
	// Replace changes the fragment without emitting an event.
	Replace(fragment string)
	Subscribe(fn func(Event)) (unsubscribe func())
}

// MemoryLocation is an in-process Location. Listeners run synchronously on the
// goroutine that changed the fragment.
type MemoryLocation struct {
	mu        sync.Mutex
	fragment  string
	history   []string
	listeners map[int]func(Event)
	nextID    int
}

// NewMemoryLocation creates a location positioned at fragment.
func NewMemoryLocation(fragment string) *MemoryLocation {
	return &MemoryLocation{
		fragment:  trimHash(fragment),
		listeners: make(map[int]func(Event)),
	}
}

func (l *MemoryLocation) Fragment() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fragment
}

func (l *MemoryLocation) SetFragment(fragment string) {
	fragment = trimHash(fragment)

	l.mu.Lock()
	prev := l.fragment
	if prev == fragment {
		l.mu.Unlock()
		return
	}
	l.fragment = fragment
	l.history = append(l.history, prev)
	l.mu.Unlock()

	l.emit(Event{Type: EventHashChange, Fragment: fragment, Previous: prev})
}

func (l *MemoryLocation) Replace(fragment string) {
	l.mu.Lock()
	l.fragment = trimHash(fragment)
	l.mu.Unlock()
}

// Back returns to the previous fragment, emitting EventHashChange. It reports false
// when there is no history.
func (l *MemoryLocation) Back() bool {
	l.mu.Lock()
	n := len(l.history)
	if n == 0 {
		l.mu.Unlock()
		return false
	}
	prev := l.fragment
	l.fragment = l.history[n-1]
	l.history = l.history[:n-1]
	cur := l.fragment
	l.mu.Unlock()

	if cur != prev {
		l.emit(Event{Type: EventHashChange, Fragment: cur, Previous: prev})
	}
	return true
}

// Load emits EventLoad for the current fragment.
func (l *MemoryLocation) Load() {
	l.emit(Event{Type: EventLoad, Fragment: l.Fragment()})
}

func (l *MemoryLocation) Subscribe(fn func(Event)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

func (l *MemoryLocation) emit(ev Event) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.listeners))
	for id := range l.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.listeners[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func trimHash(s string) string {
	return strings.TrimPrefix(s, "#")
}
