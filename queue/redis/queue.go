// Package redis provides the Redis-backed run-dispatch queue: the two
// fixed keys (§6.2) that carry scheduled triggers and staged runs between
// the scheduler and the worker pool.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue handles run-dispatch queue operations using Redis.
type Queue struct {
	client *redis.Client
	ctx    context.Context
	prefix string
}

// Message is one entry on the fetch_key or process_key list: a workflow
// ready to be turned into a run, or a run ready for a worker to execute.
// RunUUID is empty for a fetch_key entry — it is assigned once the
// scheduler stages the run's raw items.
type Message struct {
	WorkflowUUID string    `json:"workflow_uuid"`
	RunUUID      string    `json:"run_uuid,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	RetryCount   int       `json:"retry_count"`
}

// Config configures the Redis queue client.
type Config struct {
	RedisURL  string
	KeyPrefix string
}

// NewQueue creates a new Redis queue client.
func NewQueue(ctx context.Context, config Config) (*Queue, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "queue:"
	}

	return &Queue{client: client, ctx: ctx, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue pushes a message onto the named key (fetch_key or process_key).
func (q *Queue) Enqueue(key string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return q.client.RPush(q.ctx, q.prefix+key, string(body)).Err()
}

// Dequeue blocks up to timeout for the next message on key.
func (q *Queue) Dequeue(key string, timeout time.Duration) (*Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := q.client.BLPop(ctx, timeout, q.prefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// member identifies a message in the processing set: a run that has a
// RunUUID is tracked by it, a fetch-stage trigger by its workflow UUID.
func (m Message) member() string {
	if m.RunUUID != "" {
		return m.RunUUID
	}
	return m.WorkflowUUID
}

// MarkProcessing records a message as in flight with a deadline: if a
// worker dies mid-run, StaleProcessing reports it once the deadline has
// passed. Nothing in this package requeues it.
func (q *Queue) MarkProcessing(processingSet string, msg Message, deadline time.Time) error {
	return q.client.ZAdd(q.ctx, q.prefix+processingSet, redis.Z{
		Score:  float64(deadline.Unix()),
		Member: msg.member(),
	}).Err()
}

// CompleteMessage removes a message from the processing set.
func (q *Queue) CompleteMessage(processingSet string, msg Message) error {
	return q.client.ZRem(q.ctx, q.prefix+processingSet, msg.member()).Err()
}

// Requeue removes a message from the processing set and, if requested,
// pushes it back onto key with an incremented retry count.
func (q *Queue) Requeue(processingSet, key string, msg Message, retry bool) error {
	if err := q.CompleteMessage(processingSet, msg); err != nil {
		return err
	}
	if !retry {
		return nil
	}
	msg.EnqueuedAt = time.Now()
	msg.RetryCount++
	return q.Enqueue(key, msg)
}

// Depth returns the number of messages waiting on key.
func (q *Queue) Depth(key string) (int, error) {
	depth, err := q.client.LLen(q.ctx, q.prefix+key).Result()
	if err != nil {
		return 0, err
	}
	return int(depth), nil
}

// StaleProcessing returns members of the processing set whose deadline
// has passed.
func (q *Queue) StaleProcessing(processingSet string) ([]string, error) {
	return q.client.ZRangeByScore(q.ctx, q.prefix+processingSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().Unix()),
	}).Result()
}
