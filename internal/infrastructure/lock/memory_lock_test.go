package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("second holder cannot acquire a held lock", func(t *testing.T) {
		l := NewMemoryLocker()

		ok, err := l.Acquire(ctx, "full-resync", "node-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = l.Acquire(ctx, "full-resync", "node-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("release frees the lock for the next holder", func(t *testing.T) {
		l := NewMemoryLocker()

		ok, err := l.Acquire(ctx, "full-resync", "node-a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, l.Release(ctx, "full-resync", "node-a"))

		ok, err = l.Acquire(ctx, "full-resync", "node-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release by a non-holder is rejected", func(t *testing.T) {
		l := NewMemoryLocker()

		ok, err := l.Acquire(ctx, "full-resync", "node-a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		assert.ErrorIs(t, l.Release(ctx, "full-resync", "node-b"), ErrNotHeld)
	})

	t.Run("expired lock can be re-acquired", func(t *testing.T) {
		l := NewMemoryLocker()
		now := time.Now()
		l.SetClock(func() time.Time { return now })

		ok, err := l.Acquire(ctx, "full-resync", "node-a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		l.SetClock(func() time.Time { return now.Add(2 * time.Minute) })

		ok, err = l.Acquire(ctx, "full-resync", "node-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "a dead holder's lock expires on its own")
	})

	t.Run("extend keeps the lock alive past its original ttl", func(t *testing.T) {
		l := NewMemoryLocker()
		now := time.Now()
		l.SetClock(func() time.Time { return now })

		ok, err := l.Acquire(ctx, "full-resync", "node-a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, l.Extend(ctx, "full-resync", "node-a", 10*time.Minute))

		l.SetClock(func() time.Time { return now.Add(5 * time.Minute) })

		ok, err = l.Acquire(ctx, "full-resync", "node-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
