package reclaim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// AttemptStore tracks how many times each message has been reclaimed from
// the pending list. Counts are monotonically non-decreasing until the
// message is acknowledged or dead-lettered, at which point the counter is
// cleared (the queue does this on ack).
//
// Implementations must be safe for concurrent use.
type AttemptStore interface {
	// Increment bumps the counter for a message and returns the new count.
	Increment(ctx context.Context, id string) (int, error)

	// Get returns the current count, 0 for unknown messages.
	Get(ctx context.Context, id string) (int, error)

	// Clear removes the counters for the given messages.
	Clear(ctx context.Context, ids ...string) error

	// All returns every tracked counter, for orphan cleanup.
	All(ctx context.Context) (map[string]int, error)
}

// HashClient is the Redis hash surface the attempt store needs. Satisfied by
// *redis.Client and redis.UniversalClient.
type HashClient interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisAttemptStore keeps reclaim counters in a single Redis hash keyed by
// message id, alongside the stream they describe.
type RedisAttemptStore struct {
	client HashClient
	key    string
}

// NewRedisAttemptStore creates an attempt store over the given hash key,
// conventionally "<stream>:reclaim_attempts".
func NewRedisAttemptStore(client HashClient, key string) *RedisAttemptStore {
	return &RedisAttemptStore{client: client, key: key}
}

// Increment implements AttemptStore.
func (s *RedisAttemptStore) Increment(ctx context.Context, id string) (int, error) {
	n, err := s.client.HIncrBy(ctx, s.key, id, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("increment attempt: %w", err)
	}
	return int(n), nil
}

// Get implements AttemptStore.
func (s *RedisAttemptStore) Get(ctx context.Context, id string) (int, error) {
	v, err := s.client.HGet(ctx, s.key, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get attempt: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse attempt count %q: %w", v, err)
	}
	return n, nil
}

// Clear implements AttemptStore.
func (s *RedisAttemptStore) Clear(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, ids...).Err(); err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	return nil
}

// All implements AttemptStore.
func (s *RedisAttemptStore) All(ctx context.Context) (map[string]int, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	out := make(map[string]int, len(raw))
	for id, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse attempt count %q for %s: %w", v, id, err)
		}
		out[id] = n
	}
	return out, nil
}

// MemoryAttemptStore is an in-memory attempt store for testing.
type MemoryAttemptStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryAttemptStore creates an empty in-memory attempt store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{counts: make(map[string]int)}
}

// Increment implements AttemptStore.
func (s *MemoryAttemptStore) Increment(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[id]++
	return s.counts[id], nil
}

// Get implements AttemptStore.
func (s *MemoryAttemptStore) Get(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[id], nil
}

// Clear implements AttemptStore.
func (s *MemoryAttemptStore) Clear(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.counts, id)
	}
	return nil
}

// All implements AttemptStore.
func (s *MemoryAttemptStore) All(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for id, n := range s.counts {
		out[id] = n
	}
	return out, nil
}

// Compile-time checks
var _ AttemptStore = (*RedisAttemptStore)(nil)
var _ AttemptStore = (*MemoryAttemptStore)(nil)
