package tilecache

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/agrosense/spectral-tiles/internal/core/model"
	"github.com/agrosense/spectral-tiles/internal/core/observability"
)

// Store is the durable backend. The redis client satisfies this.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte) error
	Del(ctx context.Context, keys ...string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}

// Entry is everything a cache hit needs to answer a heatmap request without
// touching the imagery service.
type Entry struct {
	TileURL string          `json:"tile_url"`
	MapID   string          `json:"map_id"`
	Vis     model.VisParams `json:"vis"`
}

// Cache fronts the durable store with a small in-process LRU. Population is
// idempotent, so concurrent writers for the same key are harmless.
type Cache struct {
	store Store
	local *lru.Cache[string, Entry]
	log   zerolog.Logger
}

func New(store Store, lruSize int, log zerolog.Logger) (*Cache, error) {
	local, err := lru.New[string, Entry](lruSize)
	if err != nil {
		return nil, fmt.Errorf("tile cache lru: %w", err)
	}
	return &Cache{
		store: store,
		local: local,
		log:   log.With().Str("component", "tilecache").Logger(),
	}, nil
}

// Get reports a hit only when the entry decodes cleanly; a corrupt record is
// treated as a miss and will be overwritten by the next Put.
func (c *Cache) Get(ctx context.Context, key Key) (Entry, bool) {
	k := key.String()
	if e, ok := c.local.Get(k); ok {
		observability.IncCacheHit()
		return e, true
	}

	raw, err := c.store.Get(ctx, k)
	if err != nil {
		c.log.Warn().Err(err).Str("key", k).Msg("cache read failed")
		observability.IncCacheMiss()
		return Entry{}, false
	}
	if raw == nil {
		observability.IncCacheMiss()
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.Warn().Err(err).Str("key", k).Msg("cache entry corrupt")
		observability.IncCacheMiss()
		return Entry{}, false
	}
	c.local.Add(k, e)
	observability.IncCacheHit()
	return e, true
}

// Put stores the entry in both tiers. Failures are soft: the response was
// already computed, the next request just recomputes.
func (c *Cache) Put(ctx context.Context, key Key, e Entry) {
	k := key.String()
	c.local.Add(k, e)

	raw, err := json.Marshal(e)
	if err != nil {
		c.log.Error().Err(err).Str("key", k).Msg("cache entry encode failed")
		return
	}
	if err := c.store.Set(ctx, k, raw); err != nil {
		c.log.Warn().Err(err).Str("key", k).Msg("cache write failed")
	}
}

// PurgeIndex removes every entry for an index from both tiers and returns
// the number of durable keys deleted.
func (c *Cache) PurgeIndex(ctx context.Context, index string) (int, error) {
	prefix := IndexPrefix(index)
	keys, err := c.store.ScanPrefix(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", index, err)
	}
	if len(keys) > 0 {
		if err := c.store.Del(ctx, keys...); err != nil {
			return 0, fmt.Errorf("purge %s: %w", index, err)
		}
	}
	c.local.Purge()
	return len(keys), nil
}
