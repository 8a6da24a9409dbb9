package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestAcquireExclusivity(t *testing.T) {
	ctx := context.Background()
	l := New(newTestClient(t))

	ok, err := l.Acquire(ctx, "T1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx, "T1", "worker-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a second owner must not acquire a held lock")
}

func TestRefreshRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	l := New(newTestClient(t))

	_, err := l.Acquire(ctx, "T1", "worker-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Refresh(ctx, "T1", "worker-a", time.Minute))
	require.ErrorIs(t, l.Refresh(ctx, "T1", "worker-b", time.Minute), ErrNotOwner)
}

func TestReleaseByNonOwnerIsNoop(t *testing.T) {
	ctx := context.Background()
	l := New(newTestClient(t))

	_, err := l.Acquire(ctx, "T1", "worker-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, "T1", "worker-b"))

	// still held by worker-a
	ok, err := l.Acquire(ctx, "T1", "worker-c", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReleaseByOwnerFreesLock(t *testing.T) {
	ctx := context.Background()
	l := New(newTestClient(t))

	_, err := l.Acquire(ctx, "T1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "T1", "worker-a"))

	ok, err := l.Acquire(ctx, "T1", "worker-c", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
