// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yshengliao/hashnav/pkg/store"
)

type CleanupFunc = func()

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) (store.Store, CleanupFunc)

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	open := func(t *testing.T) store.Store {
		s, cleanup := newStore(t)
		if cleanup != nil {
			t.Cleanup(cleanup)
		}
		return s
	}

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t)
		v, ok, err := s.Get(context.Background(), "absent")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, v)
	})

	t.Run("SetGetOverwrite", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Set(ctx, "k", "v1"))
		v, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v1", v)

		require.NoError(t, s.Set(ctx, "k", "v2"))
		v, _, err = s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", v)
	})

	t.Run("Remove", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Set(ctx, "k", "v"))
		require.NoError(t, s.Remove(ctx, "k"))
		_, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.NoError(t, s.Remove(ctx, "never-set"))
	})

	t.Run("KeysByPrefix", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		for _, k := range []string{"ns:b", "ns:a", "other:a", "ns:c", "ns_x"} {
			require.NoError(t, s.Set(ctx, k, "v"))
		}

		keys, err := s.Keys(ctx, "ns:")
		require.NoError(t, err)
		assert.Equal(t, []string{"ns:a", "ns:b", "ns:c"}, keys)

		keys, err = s.Keys(ctx, "missing:")
		require.NoError(t, err)
		assert.Empty(t, keys)

		all, err := s.Keys(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})

	t.Run("PrefixWildcardsAreLiteral", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Set(ctx, "a_b:1", "v"))
		require.NoError(t, s.Set(ctx, "axb:1", "v"))
		require.NoError(t, s.Set(ctx, "a%b:1", "v"))

		keys, err := s.Keys(ctx, "a_b")
		require.NoError(t, err)
		assert.Equal(t, []string{"a_b:1"}, keys)

		keys, err = s.Keys(ctx, "a%")
		require.NoError(t, err)
		assert.Equal(t, []string{"a%b:1"}, keys)
	})

	t.Run("RemovePrefix", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		require.NoError(t, s.Set(ctx, "ns:1", "v"))
		require.NoError(t, s.Set(ctx, "ns:2", "v"))
		require.NoError(t, s.Set(ctx, "keep", "v"))

		n, err := store.RemovePrefix(ctx, s, "ns:")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		keys, err := s.Keys(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"keep"}, keys)
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Set(ctx, "shared", fmt.Sprintf("writer-%d", i)))
			}(i)
		}
		wg.Wait()

		v, ok, err := s.Get(ctx, "shared")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Contains(t, v, "writer-")
	})
}
