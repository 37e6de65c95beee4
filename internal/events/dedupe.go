package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// dedupeTTL bounds how long a processed-trial marker is kept. Redeliveries
// arrive within seconds; a day is far beyond any consumer-group rebalance.
const dedupeTTL = 24 * time.Hour

// Deduper reports whether an event was already processed. At-least-once
// delivery from the bus plus this guard gives effectively-once replay:
// consumers claim the key before replaying and release it again when the
// replay fails, so redelivery can retry.
type Deduper interface {
	// Seen marks the key processed and reports whether it already was.
	Seen(ctx context.Context, key string) (bool, error)
	// Forget releases the key so a redelivery is processed again.
	Forget(ctx context.Context, key string) error
}

// RedisDeduper implements Deduper with SETNX markers in Redis.
type RedisDeduper struct {
	client *redis.Client
	prefix string
}

// NewRedisDeduper connects to Redis at addr. prefix namespaces the markers
// per consumer group.
func NewRedisDeduper(ctx context.Context, addr, prefix string) (*RedisDeduper, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("events: connect redis at %s: %w", addr, err)
	}
	if prefix == "" {
		prefix = "opttrack:forwarded"
	}
	return &RedisDeduper{client: client, prefix: prefix}, nil
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	set, err := d.client.SetNX(ctx, d.prefix+":"+key, "1", dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("events: dedupe check %q: %w", key, err)
	}
	return !set, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+":"+key).Err(); err != nil {
		return fmt.Errorf("events: dedupe release %q: %w", key, err)
	}
	return nil
}

// Close releases the Redis connection.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}

// memoryDeduper is the in-process fallback when no Redis address is configured.
type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewMemoryDeduper returns a process-local Deduper. It cannot protect against
// duplicates across forwarder restarts or replicas.
func NewMemoryDeduper() Deduper {
	return &memoryDeduper{seen: map[string]bool{}}
}

func (d *memoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return true, nil
	}
	d.seen[key] = true
	return false, nil
}

func (d *memoryDeduper) Forget(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
