// ABOUTME: Durable FIFO queue of pending webhook deliveries.
// ABOUTME: Redis-backed in production so queued notifications survive process restarts.

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// queueKey is the Redis list holding serialized queue items.
const queueKey = "webhook:queue"

// Item is one pending webhook delivery.
type Item struct {
	URL        string          `json:"url"`
	Secret     string          `json:"secret"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	IsAdmin    bool            `json:"isAdmin"`
	CreatedAt  int64           `json:"createdAt"`
	RetryCount int             `json:"retryCount"`
}

// Queue is a FIFO delivery queue: push at one end, pop at the other.
type Queue interface {
	Enqueue(ctx context.Context, item *Item) error
	// Dequeue returns the oldest item, or nil when the queue is empty.
	Dequeue(ctx context.Context) (*Item, error)
	Len(ctx context.Context) (int64, error)
}

// RedisQueue implements Queue over a Redis list. LPUSH/RPOP keeps strict
// enqueue order and survives gateway restarts.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a Redis-backed webhook queue.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue pushes the item at the head of the list.
func (q *RedisQueue) Enqueue(ctx context.Context, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling queue item: %w", err)
	}
	if err := q.client.LPush(ctx, queueKey, data).Err(); err != nil {
		return fmt.Errorf("pushing queue item: %w", err)
	}
	return nil
}

// Dequeue pops the oldest item from the tail of the list.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Item, error) {
	data, err := q.client.RPop(ctx, queueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("popping queue item: %w", err)
	}

	var item Item
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("parsing queue item: %w", err)
	}
	return &item, nil
}

// Len returns the number of queued items.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue length: %w", err)
	}
	return n, nil
}

// MemoryQueue implements Queue in process memory. Used when no Redis is
// configured; queued items do not survive a restart.
type MemoryQueue struct {
	mu    sync.Mutex
	items []*Item
}

// NewMemoryQueue creates an in-memory webhook queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Enqueue appends the item at the tail.
func (q *MemoryQueue) Enqueue(_ context.Context, item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

// Dequeue pops the oldest item.
func (q *MemoryQueue) Dequeue(context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

// Len returns the number of queued items.
func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}
