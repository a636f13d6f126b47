// Package queue implements the work queue on Redis: an at-least-once message
// channel carrying job-dispatch payloads between the submission API and the
// worker. Messages move between a ready list, an in-flight set scored by
// visibility deadline, and a scheduled set used for retry backoff.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"finetune-orchestrator/internal/config"
	"finetune-orchestrator/internal/models"
)

// Delivery is one dequeued message, leased until its visibility deadline.
type Delivery struct {
	Body []byte
}

// RedisQueue coordinates ready, in-flight, scheduled, and dead-letter
// structures in Redis. The member stored everywhere is the serialized
// JobMessage itself, so consumers never need a lookup to start work.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient wires an existing Redis client; tests use this with
// miniredis.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "finetune"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("queue:%s:ready", name),
		inflightKey:   fmt.Sprintf("queue:%s:inflight", name),
		scheduledKey:  fmt.Sprintf("queue:%s:scheduled", name),
		dlqKey:        dlq,
		visibilityTTL: visibility,
	}
}

// Publish serializes a job message and appends it to the ready list.
func (q *RedisQueue) Publish(ctx context.Context, msg models.JobMessage) error {
	if msg.Version == 0 {
		msg.Version = models.JobMessageVersion
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	if err := q.client.RPush(ctx, q.readyKey, body).Err(); err != nil {
		return fmt.Errorf("publish job message: %w", err)
	}
	return nil
}

// DequeueBatch pops up to max messages from the ready list into the in-flight
// set with a visibility deadline, returning them as leased deliveries.
func (q *RedisQueue) DequeueBatch(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, max, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	deliveries := make([]Delivery, 0, len(items))
	for _, item := range items {
		body, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected member type from dequeue script: %T", item)
		}
		deliveries = append(deliveries, Delivery{Body: []byte(body)})
	}
	return deliveries, nil
}

// Ack removes a delivered message from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, body []byte) error {
	if err := q.client.ZRem(ctx, q.inflightKey, body).Err(); err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// Retry releases an in-flight message and schedules its redelivery at the
// given time.
func (q *RedisQueue) Retry(ctx context.Context, body []byte, at time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, body)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(at.UnixMilli()), Member: body})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// DeadLetter removes a message from in-flight and appends it to the DLQ list
// for operational inspection. Malformed payloads land here instead of looping
// through redelivery forever.
func (q *RedisQueue) DeadLetter(ctx context.Context, body []byte) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, body)
	pipe.RPush(ctx, q.dlqKey, body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}
	return nil
}

// DLQPeek reads the oldest dead-lettered payloads.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// PromoteScheduled moves due retry messages back into the ready list. It
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.drainZSet(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims in-flight messages whose visibility deadline has
// passed, re-enqueuing them. This is the at-least-once backstop: a consumer
// that crashed mid-message loses the lease and the message reappears.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.drainZSet(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) drainZSet(ctx context.Context, key string, now time.Time, limit int64) (int, error) {
	bodies, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(bodies) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, body := range bodies {
		pipe.ZRem(ctx, key, body)
		pipe.RPush(ctx, q.readyKey, body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(bodies), nil
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local out = {}
for i=1,tonumber(ARGV[1]) do
  local msg = redis.call('LPOP', KEYS[1])
  if not msg then break end
  redis.call('ZADD', KEYS[2], ARGV[2], msg)
  out[#out+1] = msg
end
return out
`)
