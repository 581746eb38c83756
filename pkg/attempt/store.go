package attempt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps attempt state in process memory. Suitable for tests
// and single-instance deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Get(_ context.Context, subjectID string) (State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[subjectID]
	return st, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, subjectID string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[subjectID] = st
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, subjectID)
	return nil
}

// RedisStore persists attempt state in Redis so lockouts survive restarts
// and are shared across instances.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps a Redis client. TTL should exceed the counting
// window plus the maximum lockout so entries expire on their own.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, prefix: "riskgate:attempt:", ttl: ttl}
}

func (r *RedisStore) key(subjectID string) string { return r.prefix + subjectID }

func (r *RedisStore) Get(ctx context.Context, subjectID string) (State, bool, error) {
	data, err := r.client.Get(ctx, r.key(subjectID)).Bytes()
	if err == redis.Nil {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("redis get: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("redis decode: %w", err)
	}
	return st, true, nil
}

func (r *RedisStore) Put(ctx context.Context, subjectID string, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis encode: %w", err)
	}
	if err := r.client.Set(ctx, r.key(subjectID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, subjectID string) error {
	if err := r.client.Del(ctx, r.key(subjectID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
