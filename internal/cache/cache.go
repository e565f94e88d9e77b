// Package cache stores finished try-on results keyed by a digest of their
// inputs, so a tenant replaying the same images does not pay for a second
// provider call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/apperr"
	"github.com/HanTheDev/tryon-gateway/internal/metrics"
	"github.com/HanTheDev/tryon-gateway/internal/models"
	"go.uber.org/zap"
)

const (
	HashLength = 32
	DefaultTTL = 24 * time.Hour
)

// ErrMiss is returned by a Store when no entry exists for the key.
var ErrMiss = errors.New("cache miss")

type Store interface {
	Get(ctx context.Context, tenantID, hash string) (*models.CacheEntry, error)
	Put(ctx context.Context, entry *models.CacheEntry) error
	Delete(ctx context.Context, tenantID, hash string) error
}

// Hash fingerprints a request. Garments are sorted first so their order
// does not change the result.
func Hash(personImage string, garments []string) string {
	sorted := append([]string(nil), garments...)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(personImage + "|" + strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])[:HashLength]
}

type Cache struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// TTL is the lifetime applied when Set is called without one.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached result URL for hash, only when it was stored by
// the same tenant and has not expired. Expired entries are deleted here.
func (c *Cache) Get(ctx context.Context, hash, tenantID string) (string, bool, error) {
	entry, err := c.store.Get(ctx, tenantID, hash)
	if errors.Is(err, ErrMiss) {
		metrics.ObserveCache("miss")
		return "", false, nil
	}
	if err != nil {
		metrics.ObserveCache("error")
		return "", false, apperr.Cache(err)
	}

	if entry.TenantID != tenantID {
		metrics.ObserveCache("miss")
		return "", false, nil
	}

	if entry.Expired(c.now()) {
		if err := c.store.Delete(ctx, tenantID, hash); err != nil {
			c.logger.Warn("failed to evict expired cache entry",
				zap.String("tenant_id", tenantID),
				zap.String("hash", hash),
				zap.Error(err),
			)
		}
		metrics.ObserveCache("expired")
		return "", false, nil
	}

	metrics.ObserveCache("hit")
	return entry.ResultURL, true, nil
}

// Set overwrites any previous entry. A ttl <= 0 uses the cache default.
func (c *Cache) Set(ctx context.Context, hash, resultURL, tenantID, provider string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	entry := &models.CacheEntry{
		InputsHash: hash,
		ResultURL:  resultURL,
		TenantID:   tenantID,
		Provider:   provider,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := c.store.Put(ctx, entry); err != nil {
		return apperr.Cache(err)
	}
	return nil
}
