package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newBroker(t *testing.T) *Broker {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, time.Minute)
}

func TestExternalIDStripsColons(t *testing.T) {
	require.Equal(t, "generate-abc123", ExternalID("abc123", KindGenerate))
	require.Equal(t, "publish-gidstoreArticle1", ExternalID("gid:store:Article:1", KindPublish))
}

func TestEnqueueIsIdempotentWhileActive(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)

	require.NoError(t, b.Enqueue(ctx, "J1", KindGenerate, time.Now()))
	require.NoError(t, b.Enqueue(ctx, "J1", KindGenerate, time.Now()))

	gen, _, err := b.ReadyDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), gen, "a second enqueue while the message is still active must be a no-op")
}

func TestDequeueAckThenReenqueueSucceeds(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)

	require.NoError(t, b.Enqueue(ctx, "J1", KindGenerate, time.Now()))
	msg, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "J1", msg.JobID)
	require.Equal(t, KindGenerate, msg.Kind)

	require.NoError(t, b.Ack(ctx, "J1", KindGenerate))
	require.NoError(t, b.Enqueue(ctx, "J1", KindGenerate, time.Now()))

	gen, _, err := b.ReadyDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), gen)
}

func TestDequeueEmptyReturnsZeroMessage(t *testing.T) {
	msg, err := newBroker(t).Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, Message{}, msg)
}

func TestRequeueExpiredReturnsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	b := New(redis.NewClient(&redis.Options{Addr: func() string {
		mr, _ := miniredis.Run()
		return mr.Addr()
	}()}), -time.Second) // negative visibility so the lease is already expired

	require.NoError(t, b.Enqueue(ctx, "J1", KindPublish, time.Now()))
	_, err := b.Dequeue(ctx)
	require.NoError(t, err)

	reclaimed, err := b.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, "J1", reclaimed[0].JobID)
}

func TestRemoveIsSilentWhenAlreadyGone(t *testing.T) {
	require.NoError(t, newBroker(t).Remove(context.Background(), "nonexistent", KindGenerate))
}

func TestPromoteScheduledMovesDueMessages(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)

	require.NoError(t, b.Enqueue(ctx, "J1", KindGenerate, time.Now().Add(time.Minute)))
	n, err := b.PromoteScheduled(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	gen, _, err := b.ReadyDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), gen)
}
