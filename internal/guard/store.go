package guard

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// KeyStore tracks first-seen idempotency keys for the retention window.
type KeyStore interface {
	Seen(key string, now time.Time) bool
	Record(key string, now time.Time)
	PurgeExpired(now time.Time) int
}

// MemoryStore is the default in-process key store. Expired keys are
// swept lazily on lookup and on PurgeExpired.
type MemoryStore struct {
	firstSeen map[string]time.Time
	retention time.Duration
}

// NewMemoryStore creates a memory store with the standard retention.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		firstSeen: make(map[string]time.Time),
		retention: KeyRetention,
	}
}

// Seen reports whether the key was first seen within the retention window.
func (s *MemoryStore) Seen(key string, now time.Time) bool {
	seen, exists := s.firstSeen[key]
	if !exists {
		return false
	}
	if now.Sub(seen) > s.retention {
		delete(s.firstSeen, key)
		return false
	}
	return true
}

// Record stores the first-seen timestamp for a key. A later Record for
// the same key never moves the original timestamp.
func (s *MemoryStore) Record(key string, now time.Time) {
	if _, exists := s.firstSeen[key]; !exists {
		s.firstSeen[key] = now
	}
}

// PurgeExpired drops keys older than the retention window.
func (s *MemoryStore) PurgeExpired(now time.Time) int {
	purged := 0
	for key, seen := range s.firstSeen {
		if now.Sub(seen) > s.retention {
			delete(s.firstSeen, key)
			purged++
		}
	}
	return purged
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	return len(s.firstSeen)
}

// RedisStore keeps idempotency keys in Redis with the retention window
// as TTL, so the 30-day invariant survives a process restart.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects a Redis-backed key store.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}

	return &RedisStore{client: client, prefix: "settledrain:idem:"}, nil
}

// Seen reports whether the key exists in Redis.
func (s *RedisStore) Seen(key string, now time.Time) bool {
	n, err := s.client.Exists(context.Background(), s.prefix+key).Result()
	if err != nil {
		// On a Redis outage the safe answer is "seen": a false
		// duplicate rejection beats a double settlement.
		return true
	}
	return n > 0
}

// Record stores the key with the retention TTL, keeping the first-seen
// timestamp if the key already exists.
func (s *RedisStore) Record(key string, now time.Time) {
	s.client.SetNX(context.Background(), s.prefix+key, now.UTC().Format(time.RFC3339Nano), KeyRetention)
}

// PurgeExpired is a no-op; Redis expires keys by TTL.
func (s *RedisStore) PurgeExpired(now time.Time) int {
	return 0
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
