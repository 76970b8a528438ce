package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"feelinglocal-core/internal/domain/entity"
)

const (
	fieldEntry = "entry"
	fieldHits  = "hits"
	scanCount  = 500
)

// A hit reads the entry and bumps its counter in one step, so an entry that
// expires in between is never recreated without a TTL.
var hitScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'entry')
if not v then
  return false
end
return {v, redis.call('HINCRBY', KEYS[1], 'hits', 1)}
`)

// RedisCache is the shared exact-match tier. Each entry is one hash holding
// the JSON entry and its hit counter, so a hit never rewrites the entry.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func unavailable(op string, err error) error {
	return entity.NewError(entity.KindCacheUnavailable, op, "redis", err)
}

func (c *RedisCache) Get(ctx context.Context, key string) (*entity.CacheEntry, error) {
	res, err := hitScript.Run(ctx, c.client, []string{key}).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("store.cache_get", err)
	}
	raw, _ := res[0].(string)
	var e entity.CacheEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, entity.NewError(entity.KindInternal, "store.cache_get", "decode entry", err)
	}
	if hits, ok := res[1].(int64); ok {
		e.Hits = hits
	}
	return &e, nil
}

func (c *RedisCache) Set(ctx context.Context, e *entity.CacheEntry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return entity.NewError(entity.KindInternal, "store.cache_set", "encode entry", err)
	}
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, e.Key)
		p.HSet(ctx, e.Key, fieldEntry, raw, fieldHits, 0)
		if ttl > 0 {
			p.Expire(ctx, e.Key, ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable("store.cache_set", err)
	}
	return nil
}

// Delete removes every cache key matching the glob pattern. Keys outside the
// cache key spaces are never touched, even by "*".
func (c *RedisCache) Delete(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return deleted, unavailable("store.cache_delete", err)
		}
		keys = slices.DeleteFunc(keys, func(k string) bool { return !entity.IsCacheKey(k) })
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, unavailable("store.cache_delete", err)
			}
			deleted += int(n)
		}
		if cursor = next; cursor == 0 {
			return deleted, nil
		}
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return unavailable("store.cache_ping", err)
	}
	return nil
}
