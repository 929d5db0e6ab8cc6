// Package cache keeps the latest progress snapshot of every job so a
// subscriber connecting to any API replica starts from current counts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"ferry/internal/config"
	"ferry/internal/model"
)

// ErrCacheMiss is returned when no snapshot exists for a job
var ErrCacheMiss = fmt.Errorf("cache miss")

// SnapshotStore persists the latest ProgressEvent per job. Saves with a
// sequence number not above the stored one are ignored.
type SnapshotStore interface {
	// SaveSnapshot stores ev if it is newer than what is stored
	SaveSnapshot(ctx context.Context, ev model.ProgressEvent, ttl time.Duration) error

	// LoadSnapshot returns the latest stored event for a job
	LoadSnapshot(ctx context.Context, jobID string) (model.ProgressEvent, error)

	// DeleteSnapshot removes the stored event for a job
	DeleteSnapshot(ctx context.Context, jobID string) error

	// Ping tests the connection to the store
	Ping(ctx context.Context) error

	// Close releases resources used by the store
	Close() error
}

// saveIfNewer writes the event only when its sequence beats the stored one
var saveIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'event', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisCache implements SnapshotStore using Redis hashes
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a new Redis snapshot store
func NewRedisCache(config config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("Failed to connect to Redis")
		return nil, err
	}

	log.Info().
		Str("address", config.Address).
		Str("prefix", config.Prefix).
		Int("db", config.DB).
		Msg("Redis snapshot store initialized")

	return &RedisCache{
		client: client,
		prefix: config.Prefix,
	}, nil
}

func (c *RedisCache) key(jobID string) string {
	return c.prefix + ":progress:" + jobID
}

func (c *RedisCache) SaveSnapshot(ctx context.Context, ev model.ProgressEvent, ttl time.Duration) error {
	key := c.key(ev.JobID)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	start := time.Now()
	stored, err := saveIfNewer.Run(ctx, c.client, []string{key}, ev.Sequence, payload, ttl.Milliseconds()).Int()
	duration := time.Since(start)

	if err != nil {
		log.Error().
			Err(err).
			Str("key", key).
			Int64("sequence", ev.Sequence).
			Dur("duration", duration).
			Msg("Error saving snapshot in Redis")
		return err
	}

	log.Debug().
		Str("key", key).
		Int64("sequence", ev.Sequence).
		Bool("stored", stored == 1).
		Dur("duration", duration).
		Msg("Saved progress snapshot")

	return nil
}

func (c *RedisCache) LoadSnapshot(ctx context.Context, jobID string) (model.ProgressEvent, error) {
	key := c.key(jobID)

	start := time.Now()
	raw, err := c.client.HGet(ctx, key, "event").Bytes()
	duration := time.Since(start)

	if errors.Is(err, redis.Nil) {
		log.Debug().Str("key", key).Dur("duration", duration).Msg("Cache miss")
		return model.ProgressEvent{}, ErrCacheMiss
	} else if err != nil {
		log.Error().Err(err).Str("key", key).Dur("duration", duration).Msg("Error loading snapshot from Redis")
		return model.ProgressEvent{}, err
	}

	var ev model.ProgressEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.ProgressEvent{}, fmt.Errorf("decode snapshot: %w", err)
	}

	log.Debug().Str("key", key).Int64("sequence", ev.Sequence).Dur("duration", duration).Msg("Cache hit")
	return ev, nil
}

func (c *RedisCache) DeleteSnapshot(ctx context.Context, jobID string) error {
	key := c.key(jobID)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Error deleting snapshot from Redis")
		return err
	}
	return nil
}

// Ping tests the connection to the cache
func (c *RedisCache) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.client.Ping(ctx).Err()
	if err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("Error pinging Redis")
		return err
	}
	return nil
}

// Close releases resources used by the cache
func (c *RedisCache) Close() error {
	log.Info().Msg("Closing Redis cache connection")
	return c.client.Close()
}

type memoryEntry struct {
	ev      model.ProgressEvent
	expires time.Time
}

// MemoryCache is a process-local SnapshotStore
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (m *MemoryCache) SaveSnapshot(_ context.Context, ev model.ProgressEvent, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.entries[ev.JobID]; ok && cur.ev.Sequence >= ev.Sequence && !m.expired(cur) {
		return nil
	}
	e := memoryEntry{ev: ev}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.entries[ev.JobID] = e
	return nil
}

func (m *MemoryCache) expired(e memoryEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (m *MemoryCache) LoadSnapshot(_ context.Context, jobID string) (model.ProgressEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[jobID]
	if !ok || m.expired(e) {
		return model.ProgressEvent{}, ErrCacheMiss
	}
	return e.ev, nil
}

func (m *MemoryCache) DeleteSnapshot(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, jobID)
	return nil
}

func (m *MemoryCache) Ping(context.Context) error {
	return nil
}

func (m *MemoryCache) Close() error {
	return nil
}
