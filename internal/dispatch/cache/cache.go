// Package cache stores dispatch results keyed by content identity and
// local model version. Entries never expire on a timer; a new model version
// is simply a different key.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrmushfiq/llm0-caption-dispatch/internal/shared/redis"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by a Store when the key is absent
var ErrNotFound = errors.New("cache entry not found")

const keyPrefix = "caption:"

// Origin records which worker produced a cached result.
type Origin string

const (
	OriginLocal  Origin = "LOCAL"
	OriginRemote Origin = "REMOTE"
)

// Entry is the cached value for one (contentHash, modelVersion) key.
type Entry struct {
	Value      string    `json:"value"`
	Origin     Origin    `json:"origin"`
	Confidence float64   `json:"confidence"`
	Provider   string    `json:"provider,omitempty"`
	StoredAt   time.Time `json:"stored_at"`
}

// Store is a key/value backend.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, entry Entry) error
	Purge(ctx context.Context) (int64, error)
}

// Cache is the result cache used by the orchestrator.
type Cache struct {
	store  Store
	logger logrus.FieldLogger

	hits   atomic.Int64
	misses atomic.Int64
}

// New wraps a store. A nil store means an in-memory one.
func New(store Store, logger logrus.FieldLogger) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{store: store, logger: logger.WithField("component", "cache")}
}

// Key builds the storage key for a content hash and model version. The
// version is length-prefixed so no two distinct pairs share a key.
func Key(contentHash, modelVersion string) string {
	return keyPrefix + strconv.Itoa(len(modelVersion)) + ":" + modelVersion + ":" + contentHash
}

// Get returns the entry for the key. Backend errors are logged and treated
// as a miss.
func (c *Cache) Get(ctx context.Context, contentHash, modelVersion string) (Entry, bool) {
	entry, err := c.store.Get(ctx, Key(contentHash, modelVersion))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.WithError(err).Warn("Cache lookup failed, treating as miss")
		}
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	return entry, true
}

// Put stores an entry. Concurrent puts for the same key are last-writer-wins.
func (c *Cache) Put(ctx context.Context, contentHash, modelVersion string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if err := c.store.Put(ctx, Key(contentHash, modelVersion), entry); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// Purge removes every entry and returns how many were removed.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	n, err := c.store.Purge(ctx)
	if err != nil {
		return n, fmt.Errorf("failed to purge cache: %w", err)
	}
	c.logger.WithField("entries", n).Info("Cache purged")
	return n, nil
}

// Hits returns the number of lookups that found an entry.
func (c *Cache) Hits() int64 {
	return c.hits.Load()
}

// Misses returns the number of lookups that found nothing.
func (c *Cache) Misses() int64 {
	return c.misses.Load()
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry
	return nil
}

func (m *MemoryStore) Purge(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.entries))
	m.entries = make(map[string]Entry)
	return n, nil
}

// RedisStore keeps entries in Redis as JSON without a TTL.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	val, err := r.redis.Get(ctx, key)
	if errors.Is(err, redis.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}

	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return Entry{}, fmt.Errorf("failed to deserialize cached entry: %w", err)
	}
	return entry, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize entry: %w", err)
	}
	return r.redis.Set(ctx, key, string(data), 0)
}

func (r *RedisStore) Purge(ctx context.Context) (int64, error) {
	return r.redis.DeletePrefix(ctx, keyPrefix)
}
