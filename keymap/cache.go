package keymap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheConfig configures the Redis read-through cache in front of a KeyMap,
// and the TTL of the per-namespace lock that Cache.Lock takes. Encode and
// Decode do not take that lock themselves.
type CacheConfig struct {
	// RedisURL defaults to KEYMAP_REDIS_URL, then redis://localhost:6379/0.
	RedisURL string
	KeyPrefix string
	TTL       time.Duration
	LockTTL   time.Duration
}

// Cache wraps a KeyMap with a Redis read-through layer: Encode/Decode hits
// populate the cache, subsequent lookups skip the bbolt round trip.
type Cache struct {
	client *redis.Client
	ctx    context.Context
	km     *KeyMap
	prefix string
	ttl    time.Duration
	lockTTL time.Duration
}

// NewCache connects to Redis and wraps km. The connection is tested with a
// Ping before returning, the same fail-fast bootstrap the rest of the
// service uses for its backend connections.
func NewCache(ctx context.Context, config CacheConfig, km *KeyMap) (*Cache, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = os.Getenv("KEYMAP_REDIS_URL")
	}
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("keymap: failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("keymap: failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "keymap:"
	}
	ttl := config.TTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	lockTTL := config.LockTTL
	if lockTTL == 0 {
		lockTTL = 5 * time.Second
	}

	return &Cache{client: client, ctx: ctx, km: km, prefix: prefix, ttl: ttl, lockTTL: lockTTL}, nil
}

// Close closes the Redis connection. The underlying KeyMap is left open;
// the caller owns its lifecycle.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) encodeCacheKey(ns string, naturalKey []string, parent *string) string {
	key, _ := json.Marshal(struct {
		NS     string   `json:"ns"`
		Key    []string `json:"key"`
		Parent *string  `json:"parent,omitempty"`
	}{ns, naturalKey, parent})
	return c.prefix + "enc:" + string(key)
}

// Encode returns the cached uuid for naturalKey if present, otherwise
// delegates to the underlying KeyMap and caches the result.
func (c *Cache) Encode(ns string, naturalKey []string, parent *string) (string, error) {
	cacheKey := c.encodeCacheKey(ns, naturalKey, parent)
	if id, err := c.client.Get(c.ctx, cacheKey).Result(); err == nil {
		return id, nil
	}

	id, err := c.km.Encode(ns, naturalKey, parent)
	if err != nil {
		return "", err
	}
	c.client.Set(c.ctx, cacheKey, id, c.ttl)
	c.client.Set(c.ctx, c.prefix+"dec:"+ns+":"+id, mustJSON(naturalKey), c.ttl)
	return id, nil
}

// Decode returns the cached natural key for id if present, otherwise
// delegates to the underlying KeyMap and caches the result.
func (c *Cache) Decode(ns string, id string) ([]string, error) {
	cacheKey := c.prefix + "dec:" + ns + ":" + id
	if data, err := c.client.Get(c.ctx, cacheKey).Result(); err == nil {
		var naturalKey []string
		if jsonErr := json.Unmarshal([]byte(data), &naturalKey); jsonErr == nil {
			return naturalKey, nil
		}
	}

	naturalKey, err := c.km.Decode(ns, id)
	if err != nil {
		return nil, err
	}
	c.client.Set(c.ctx, cacheKey, mustJSON(naturalKey), c.ttl)
	return naturalKey, nil
}

func mustJSON(v interface{}) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// Lock tries once to acquire a Redis-backed write lock for namespace ns;
// it does not wait, and returns an error at once when another holder has
// the lock. Encode does not call it. The
// returned unlock function must be called to release it; the lock also
// expires after lockTTL as a deadlock guard against a crashed holder.
func (c *Cache) Lock(ns string) (unlock func(), err error) {
	lockKey := c.prefix + "lock:" + ns
	token := strconv.FormatInt(time.Now().UnixNano(), 10)

	ok, err := c.client.SetNX(c.ctx, lockKey, token, c.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("keymap: failed to acquire namespace lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("keymap: namespace %q is locked by a concurrent write", ns)
	}

	return func() {
		cur, getErr := c.client.Get(c.ctx, lockKey).Result()
		if getErr == nil && cur == token {
			c.client.Del(c.ctx, lockKey)
		}
	}, nil
}

// Counter is a Redis-backed monotonically increasing counter, used as the
// push engine's ErrorCounter so an error threshold survives
// across a resumed push run, not just the current process.
type Counter struct {
	client *redis.Client
	ctx    context.Context
	key    string
}

// NewCounter returns a Counter bound to key (e.g. "push:errors:<dataset>").
func NewCounter(c *Cache, key string) *Counter {
	return &Counter{client: c.client, ctx: c.ctx, key: c.prefix + "counter:" + key}
}

// Incr increments the counter and returns its new value.
func (c *Counter) Incr() (int64, error) {
	n, err := c.client.Incr(c.ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("keymap: failed to increment counter: %w", err)
	}
	return n, nil
}

// Reset zeroes the counter, e.g. at the start of a new push run.
func (c *Counter) Reset() error {
	return c.client.Set(c.ctx, c.key, 0, 0).Err()
}

// Value returns the counter's current value without incrementing it.
func (c *Counter) Value() (int64, error) {
	v, err := c.client.Get(c.ctx, c.key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keymap: failed to read counter: %w", err)
	}
	return v, nil
}
