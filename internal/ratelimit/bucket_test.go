package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowsUpToCapacityThenRejects(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	ctx := context.Background()

	allowed, _, err := bucket.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, tokens, err := bucket.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Less(t, tokens, 1.0)
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 1, time.Minute)
	ctx := context.Background()

	allowed, _, err := bucket.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	require.True(t, allowed, "a separate tenant key must have its own bucket")
}
