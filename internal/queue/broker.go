// Package queue implements a Redis-backed at-least-once work queue with
// delayed delivery and deterministic external message ids, covering the
// engine's two message kinds (generate, publish).
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind identifies which phase a broker message targets.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindPublish  Kind = "publish"
)

// Message is the payload carried by a broker delivery.
type Message struct {
	JobID string
	Kind  Kind
}

// ExternalID computes the deterministic id used for idempotent re-enqueue:
// sanitize(kind) + "-" + sanitize(jobId), with colons stripped.
func ExternalID(jobID string, kind Kind) string {
	return sanitize(string(kind)) + "-" + sanitize(jobID)
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, ":", "")
}

// Broker coordinates ready, in-flight, and scheduled job messages in Redis.
type Broker struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
}

// New builds a Broker over an existing Redis client.
func New(client *redis.Client, visibilityTTL time.Duration) *Broker {
	if visibilityTTL == 0 {
		visibilityTTL = 30 * time.Second
	}
	return &Broker{
		client:        client,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		metaPrefix:    "queue:meta:",
		visibilityTTL: visibilityTTL,
		dlqKey:        "queue:dlq",
	}
}

func (b *Broker) readyKey(kind Kind) string { return "queue:ready:" + string(kind) }
func (b *Broker) metaKey(id string) string  { return b.metaPrefix + id }

// Enqueue inserts a message into the ready queue (or the scheduled set, if
// runAt is in the future), keyed by its deterministic external id.
// Enqueueing the same (jobID, kind) twice while a message is already
// active (ready, scheduled, or in-flight) is a no-op — this is what makes
// re-enqueue after a previous completion idempotent without ever
// double-delivering a still-active message.
func (b *Broker) Enqueue(ctx context.Context, jobID string, kind Kind, runAt time.Time) error {
	id := ExternalID(jobID, kind)
	delayed := 0
	score := int64(0)
	if runAt.After(time.Now()) {
		delayed = 1
		score = runAt.UnixMilli()
	}
	_, err := enqueueScript.Run(ctx, b.client,
		[]string{b.metaKey(id), b.readyKey(kind), b.scheduledKey},
		jobID, string(kind), delayed, score, id,
	).Result()
	return err
}

// Remove is a best-effort removal of a not-yet-delivered message; silent
// if it has already moved to active/completed.
func (b *Broker) Remove(ctx context.Context, jobID string, kind Kind) error {
	id := ExternalID(jobID, kind)
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, b.readyKey(kind), 0, id)
	pipe.ZRem(ctx, b.scheduledKey, id)
	pipe.ZRem(ctx, b.inflightKey, id)
	pipe.Del(ctx, b.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled messages into their ready queues.
func (b *Broker) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.scheduledKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: limit,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := b.client.TxPipeline()
	for _, id := range ids {
		kind, err := b.client.HGet(ctx, b.metaKey(id), "kind").Result()
		if err != nil || kind == "" {
			continue
		}
		pipe.ZRem(ctx, b.scheduledKey, id)
		pipe.RPush(ctx, b.readyKey(Kind(kind)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Dequeue pops the next message (ready across the two kinds, generate
// before publish) and places it into in-flight with a visibility timeout.
// It returns a zero Message with no error when nothing is ready.
func (b *Broker) Dequeue(ctx context.Context) (Message, error) {
	keys := []string{b.readyKey(KindGenerate), b.readyKey(KindPublish), b.inflightKey}
	res, err := dequeueScript.Run(ctx, b.client, keys, time.Now().Add(b.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Message{}, nil
	}
	if err != nil {
		return Message{}, err
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return Message{}, nil
	}
	return b.resolve(ctx, id)
}

func (b *Broker) resolve(ctx context.Context, id string) (Message, error) {
	vals, err := b.client.HMGet(ctx, b.metaKey(id), "jobId", "kind").Result()
	if err != nil {
		return Message{}, err
	}
	jobID, _ := vals[0].(string)
	kind, _ := vals[1].(string)
	return Message{JobID: jobID, Kind: Kind(kind)}, nil
}

// ExtendLease pushes the in-flight visibility deadline forward.
func (b *Broker) ExtendLease(ctx context.Context, jobID string, kind Kind, extension time.Duration) error {
	id := ExternalID(jobID, kind)
	return b.client.ZAdd(ctx, b.inflightKey, redis.Z{
		Score: float64(time.Now().Add(extension).UnixMilli()), Member: id,
	}).Err()
}

// Ack removes a message from in-flight tracking and clears its meta.
func (b *Broker) Ack(ctx context.Context, jobID string, kind Kind) error {
	id := ExternalID(jobID, kind)
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey, id)
	pipe.Del(ctx, b.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims in-flight leases that timed out without an Ack.
func (b *Broker) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]Message, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.inflightKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: limit,
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	var out []Message
	pipe := b.client.TxPipeline()
	for _, id := range ids {
		msg, err := b.resolve(ctx, id)
		if err != nil || msg.Kind == "" {
			continue
		}
		pipe.ZRem(ctx, b.inflightKey, id)
		pipe.RPush(ctx, b.readyKey(msg.Kind), id)
		out = append(out, msg)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// DelayMessage bounces a delivered message back to the scheduled set
// without consuming a retry attempt — used by the Dispatcher when the
// tenant lock is busy.
func (b *Broker) DelayMessage(ctx context.Context, jobID string, kind Kind, until time.Time) error {
	id := ExternalID(jobID, kind)
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey, id)
	pipe.ZAdd(ctx, b.scheduledKey, redis.Z{Score: float64(until.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends a message id to the dead-letter list for inspection.
func (b *Broker) DLQPush(ctx context.Context, jobID string, kind Kind) error {
	return b.client.RPush(ctx, b.dlqKey, ExternalID(jobID, kind)).Err()
}

// ReadyDepth returns the lengths of the generate and publish ready queues,
// in that order.
func (b *Broker) ReadyDepth(ctx context.Context) (int64, int64, error) {
	pipe := b.client.Pipeline()
	gen := pipe.LLen(ctx, b.readyKey(KindGenerate))
	pub := pipe.LLen(ctx, b.readyKey(KindPublish))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return gen.Val(), pub.Val(), nil
}

var enqueueScript = redis.NewScript(`
local metaKey, readyKey, scheduledKey = KEYS[1], KEYS[2], KEYS[3]
local jobId, kind, delayed, score, id = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5]

if redis.call('EXISTS', metaKey) == 1 then
  return 0
end
redis.call('HSET', metaKey, 'jobId', jobId, 'kind', kind)
if delayed == '1' then
  redis.call('ZADD', scheduledKey, score, id)
else
  redis.call('RPUSH', readyKey, id)
end
return 1
`)

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)
