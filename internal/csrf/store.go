package csrf

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// Store caches CSRF tokens per destination key.
type Store interface {
	// Get returns the cached token and whether one was found.
	Get(ctx context.Context, key string) (token string, found bool, err error)

	// Set caches a token. A non-positive ttl keeps it until deleted.
	Set(ctx context.Context, key, token string, ttl time.Duration) error

	// Delete invalidates a cached token.
	Delete(ctx context.Context, key string) error
}

// --- MemoryStore ---

// MemoryStore is an in-process Store with optional expiry.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	token     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

// Get returns a cached token unless it has expired.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return "", false, nil
	}
	return entry.token, true, nil
}

// Set caches a token.
func (s *MemoryStore) Set(_ context.Context, key, token string, ttl time.Duration) error {
	entry := memEntry{token: token}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Delete removes a cached token.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries, including expired ones. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore shares tokens between processes through Redis.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a Redis-backed store. Keys are "<prefix>:<hash>",
// with prefix defaulting to "csrf".
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "csrf"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get reads a token from Redis.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	token, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get csrf token for %q: %w", key, err)
	}
	return token, true, nil
}

// Set writes a token to Redis.
func (s *RedisStore) Set(ctx context.Context, key, token string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.redisKey(key), token, ttl).Err(); err != nil {
		return fmt.Errorf("redis set csrf token for %q: %w", key, err)
	}
	return nil
}

// Delete removes a token from Redis.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del csrf token for %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// redisKey hashes the destination key so URLs never end up in key names.
func (s *RedisStore) redisKey(key string) string {
	return s.prefix + ":" + strconv.FormatUint(xxhash.Sum64String(key), 16)
}
