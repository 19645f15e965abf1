package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const versionTTL = time.Hour

// Cache wraps a Backend with a Redis read-through cache for container item
// lists. Every write path evicts the touched containers and bumps a version
// key so a fill racing with a write never stores the older list.
//
// Cached lists may lag the backend when Redis misbehaves. Code that plans
// writes from what it reads must use Writer instead.
type Cache struct {
	Backend
	redis *redis.Client
	ttl   time.Duration
	log   *log.Logger
}

// NewCache creates a caching Backend wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: base backend is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Cache{Backend: base, redis: client, ttl: ttl, log: logger}
}

// Writer returns a Backend that reads from the underlying store and evicts
// cached lists on every write.
func (c *Cache) Writer() Backend {
	return cacheWriter{Backend: c.Backend, cache: c}
}

type cacheWriter struct {
	Backend
	cache *Cache
}

func (w cacheWriter) ApplyPositions(ctx context.Context, writes []domain.PositionWrite) error {
	return w.cache.ApplyPositions(ctx, writes)
}

func (w cacheWriter) InsertItem(ctx context.Context, item domain.OrderedItem) error {
	return w.cache.InsertItem(ctx, item)
}

func (w cacheWriter) DeleteItem(ctx context.Context, id domain.ItemID) error {
	return w.cache.DeleteItem(ctx, id)
}

func (c *Cache) Items(ctx context.Context, id domain.ContainerID) ([]domain.OrderedItem, error) {
	if items, ok := c.loadItems(ctx, id); ok {
		return items, nil
	}
	ver := c.version(ctx, id)
	items, err := c.Backend.Items(ctx, id)
	if err != nil {
		return nil, err
	}
	c.storeItems(ctx, id, ver, items)
	return items, nil
}

func (c *Cache) ApplyPositions(ctx context.Context, writes []domain.PositionWrite) error {
	if err := c.Backend.ApplyPositions(ctx, writes); err != nil {
		return err
	}
	ids := make([]domain.ContainerID, 0, len(writes))
	for _, w := range writes {
		ids = append(ids, w.ContainerID)
	}
	c.evict(ctx, ids...)
	return nil
}

func (c *Cache) InsertItem(ctx context.Context, item domain.OrderedItem) error {
	if err := c.Backend.InsertItem(ctx, item); err != nil {
		return err
	}
	c.evict(ctx, item.ContainerID)
	return nil
}

func (c *Cache) DeleteItem(ctx context.Context, id domain.ItemID) error {
	it, err := c.Backend.Item(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Backend.DeleteItem(ctx, id); err != nil {
		return err
	}
	c.evict(ctx, it.ContainerID)
	return nil
}

// Evict drops cached lists and invalidates in-flight fills.
func (c *Cache) Evict(ctx context.Context, ids ...domain.ContainerID) error {
	if c.redis == nil || len(ids) == 0 {
		return nil
	}
	_, err := c.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.Del(ctx, itemsCacheKey(id))
			p.Incr(ctx, itemsVersionKey(id))
			p.Expire(ctx, itemsVersionKey(id), versionTTL)
		}
		return nil
	})
	return err
}

// evict runs after a committed write, so a failure only leaves reads stale
// until the entry expires.
func (c *Cache) evict(ctx context.Context, ids ...domain.ContainerID) {
	if err := c.Evict(ctx, ids...); err != nil {
		c.log.WithError(err).WithField("containers", ids).Warn("cache eviction failed, cached items may be stale")
	}
}

func (c *Cache) loadItems(ctx context.Context, id domain.ContainerID) ([]domain.OrderedItem, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, itemsCacheKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("container_id", id).Warn("cache read failed, using backend")
		}
		return nil, false
	}
	var items []domain.OrderedItem
	if err := sonic.Unmarshal(data, &items); err != nil {
		c.log.WithError(err).WithField("container_id", id).Warn("dropping undecodable cache entry")
		if err := c.redis.Del(ctx, itemsCacheKey(id)).Err(); err != nil {
			c.log.WithError(err).WithField("container_id", id).Warn("delete cache entry")
		}
		return nil, false
	}
	return items, true
}

func (c *Cache) version(ctx context.Context, id domain.ContainerID) int64 {
	if c.redis == nil {
		return 0
	}
	v, err := c.redis.Get(ctx, itemsVersionKey(id)).Int64()
	if err != nil {
		return 0
	}
	return v
}

// storeItems fills the cache only while the version read before the backend
// fetch is still current.
func (c *Cache) storeItems(ctx context.Context, id domain.ContainerID, ver int64, items []domain.OrderedItem) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(items)
	if err != nil {
		return
	}
	vkey := itemsVersionKey(id)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, vkey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != ver {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, itemsCacheKey(id), data, c.ttl)
			return nil
		})
		return err
	}, vkey)
}

func itemsCacheKey(id domain.ContainerID) string {
	return "items:" + string(id)
}

func itemsVersionKey(id domain.ContainerID) string {
	return "items:ver:" + string(id)
}
