// Package store defines the durable key-value tier of the fetch cache and its
// in-memory and file-backed implementations.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store: closed")

// Store is a string key-value store with prefix iteration.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set inserts or replaces the value for key.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys returns the keys starting with prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Closer is implemented by stores that hold external resources.
type Closer interface {
	Close() error
}

// RemovePrefix deletes every key starting with prefix and returns how many were removed.
func RemovePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := s.Remove(ctx, k); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}
