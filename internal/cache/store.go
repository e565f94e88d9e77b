package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/db"
	"github.com/HanTheDev/tryon-gateway/internal/models"
	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(tenantID, hash string) string {
	return fmt.Sprintf("cache:tenant:%s:%s", tenantID, hash)
}

func (s *RedisStore) Get(ctx context.Context, tenantID, hash string) (*models.CacheEntry, error) {
	raw, err := s.client.Get(ctx, redisKey(tenantID, hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

// Put stores the entry with a Redis expiry matching ExpiresAt, so Redis
// evicts on its own and Get rarely sees an expired value.
func (s *RedisStore) Put(ctx context.Context, entry *models.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, redisKey(entry.TenantID, entry.InputsHash), raw, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, tenantID, hash string) error {
	return s.client.Del(ctx, redisKey(tenantID, hash)).Err()
}

// EntryDB is the subset of *db.DB backing PostgresStore.
type EntryDB interface {
	GetCacheEntry(ctx context.Context, inputsHash, tenantID string) (*models.CacheEntry, error)
	StoreCacheEntry(ctx context.Context, entry *models.CacheEntry) error
	DeleteCacheEntry(ctx context.Context, inputsHash, tenantID string) error
}

type PostgresStore struct {
	db EntryDB
}

func NewPostgresStore(database EntryDB) *PostgresStore {
	return &PostgresStore{db: database}
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, hash string) (*models.CacheEntry, error) {
	entry, err := s.db.GetCacheEntry(ctx, hash, tenantID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrMiss
	}
	return entry, err
}

func (s *PostgresStore) Put(ctx context.Context, entry *models.CacheEntry) error {
	return s.db.StoreCacheEntry(ctx, entry)
}

func (s *PostgresStore) Delete(ctx context.Context, tenantID, hash string) error {
	return s.db.DeleteCacheEntry(ctx, hash, tenantID)
}

// MemoryStore keeps entries in a map. It does not expire anything by
// itself; Cache.Get evicts lazily.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]models.CacheEntry{}}
}

func (s *MemoryStore) Get(_ context.Context, tenantID, hash string) (*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[redisKey(tenantID, hash)]
	if !ok {
		return nil, ErrMiss
	}
	return &entry, nil
}

func (s *MemoryStore) Put(_ context.Context, entry *models.CacheEntry) error {
	s.mu.Lock()
	s.entries[redisKey(entry.TenantID, entry.InputsHash)] = *entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID, hash string) error {
	s.mu.Lock()
	delete(s.entries, redisKey(tenantID, hash))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
