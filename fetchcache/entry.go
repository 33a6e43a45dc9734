package fetchcache

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Entry is one cached payload.
type Entry struct {
	Data      []byte
	ExpiresAt time.Time
}

// Fresh reports whether the entry may still be served at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// durableEntry is the stored form. JSON payloads are kept inline so the durable tier stays
// readable; anything else is stored base64 encoded in raw.
type durableEntry struct {
	Data      json.RawMessage `json:"data,omitempty"`
	Raw       []byte          `json:"raw,omitempty"`
	ExpiresAt int64           `json:"expiresAt"`
}

var errBadEntry = errors.New("fetchcache: malformed entry")

// MarshalJSON encodes the entry with the expiry in Unix milliseconds.
func (e Entry) MarshalJSON() ([]byte, error) {
	d := durableEntry{ExpiresAt: e.ExpiresAt.UnixMilli()}
	if len(e.Data) > 0 && json.Valid(e.Data) {
		d.Data = e.Data
	} else {
		d.Raw = e.Data
	}
	return json.Marshal(d)
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var d durableEntry
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	if d.ExpiresAt == 0 {
		return errBadEntry
	}
	e.ExpiresAt = time.UnixMilli(d.ExpiresAt)
	if d.Data != nil {
		e.Data = []byte(d.Data)
	} else {
		e.Data = d.Raw
	}
	return nil
}

func encodeEntry(e Entry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeEntry(s string) (Entry, error) {
	var e Entry
	err := json.Unmarshal([]byte(s), &e)
	return e, err
}

// memoryTier is the process-local first tier.
type memoryTier struct {
	mu sync.RWMutex
	m  map[string]Entry
}

func newMemoryTier() *memoryTier {
	return &memoryTier{m: make(map[string]Entry)}
}

func (t *memoryTier) get(key string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.m[key]
	return e, ok
}

func (t *memoryTier) set(key string, e Entry) {
	t.mu.Lock()
	t.m[key] = e
	t.mu.Unlock()
}

func (t *memoryTier) remove(key string) {
	t.mu.Lock()
	delete(t.m, key)
	t.mu.Unlock()
}

// removeIfExpired deletes key only when the stored entry is still stale, so a
// concurrent fresh write is not lost.
func (t *memoryTier) removeIfExpired(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[key]
	if !ok || e.Fresh(now) {
		return false
	}
	delete(t.m, key)
	return true
}

func (t *memoryTier) clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.m)
	t.m = make(map[string]Entry)
	return n
}

func (t *memoryTier) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.m {
		if !e.Fresh(now) {
			delete(t.m, k)
			n++
		}
	}
	return n
}

func (t *memoryTier) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
