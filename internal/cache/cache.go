// Package cache keeps the most recently fetched entity lists in the local
// key-value store so the client can show data while offline.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/autolog/internal/kvstore"
	"github.com/tonimelisma/autolog/internal/offline"
)

// KeyPrefix is shared by every cache entry, so Clear can drop them all at once
// without touching the offline queue.
const KeyPrefix = "cache_"

// DefaultTTL is how long a cached list is served before it counts as stale.
const DefaultTTL = 24 * time.Hour

// entry is the persisted envelope around a cached list.
type entry struct {
	StoredAt time.Time       `json:"storedAt"`
	Rows     json.RawMessage `json:"rows"`
}

// Cache stores one list of rows per entity type.
type Cache struct {
	store   kvstore.Store
	ttl     time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New returns a Cache over store. ttl <= 0 selects DefaultTTL.
func New(store kvstore.Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache{store: store, ttl: ttl, logger: logger, nowFunc: time.Now}
}

func key(entityType offline.EntityType) string {
	return KeyPrefix + string(entityType)
}

// Put replaces the cached rows for entityType. rows must be JSON-encodable.
func (c *Cache) Put(ctx context.Context, entityType offline.EntityType, rows any) error {
	raw, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("cache: encoding %s rows: %w", entityType, err)
	}

	blob, err := json.Marshal(entry{StoredAt: c.nowFunc(), Rows: raw})
	if err != nil {
		return fmt.Errorf("cache: encoding %s entry: %w", entityType, err)
	}

	if err := c.store.Set(ctx, key(entityType), string(blob)); err != nil {
		return fmt.Errorf("cache: storing %s: %w", entityType, err)
	}

	return nil
}

// Get decodes the cached rows for entityType into dst. It reports found=false
// when nothing is cached or the entry is older than the TTL; stale and corrupt
// entries are removed.
func (c *Cache) Get(ctx context.Context, entityType offline.EntityType, dst any) (bool, error) {
	blob, ok, err := c.store.Get(ctx, key(entityType))
	if err != nil {
		return false, fmt.Errorf("cache: reading %s: %w", entityType, err)
	}

	if !ok {
		return false, nil
	}

	var e entry
	if err := json.Unmarshal([]byte(blob), &e); err != nil {
		c.logger.Warn("dropping corrupt cache entry",
			slog.String("entity_type", string(entityType)),
			slog.String("error", err.Error()),
		)

		return false, c.Invalidate(ctx, entityType)
	}

	if c.nowFunc().Sub(e.StoredAt) > c.ttl {
		c.logger.Debug("cache entry expired", slog.String("entity_type", string(entityType)))
		return false, c.Invalidate(ctx, entityType)
	}

	if err := json.Unmarshal(e.Rows, dst); err != nil {
		return false, fmt.Errorf("cache: decoding %s rows: %w", entityType, err)
	}

	return true, nil
}

// Invalidate drops the cached rows for entityType.
func (c *Cache) Invalidate(ctx context.Context, entityType offline.EntityType) error {
	if err := c.store.Remove(ctx, key(entityType)); err != nil {
		return fmt.Errorf("cache: invalidating %s: %w", entityType, err)
	}

	return nil
}

// Clear drops every cached list.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	n, err := c.store.RemoveAll(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("cache: clearing: %w", err)
	}

	c.logger.Info("entity cache cleared", slog.Int("entries", n))

	return n, nil
}
