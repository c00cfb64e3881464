// Package cache is the two-tier metadata cache in front of the registry
// client. The in-memory tier is a bounded LRU with per-entry TTL; an
// optional persistent tier over a kv.Store, keyed by url.PathEscape'd
// path segments, survives process restarts. Concurrent misses for the
// same key are coalesced with golang.org/x/sync/singleflight.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/a-h/kv"
	"golang.org/x/sync/singleflight"
)

// keyPrefix scopes every key the builders below produce, so Clear can
// purge the persistent tier without touching other consumers of a
// shared kv.Store.
const keyPrefix = "/cache"

// Cache key builders, one per artifact type.
func MetaKey(name, registryBase string) string {
	return path.Join(keyPrefix, "meta", url.PathEscape(registryBase), url.PathEscape(name))
}

func VersionsKey(name string) string {
	return path.Join(keyPrefix, "versions", url.PathEscape(name))
}

func SearchKey(query string, limit, offset int) string {
	return path.Join(keyPrefix, "search", url.PathEscape(query), itoa(limit), itoa(offset))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

type entry struct {
	key     string
	value   json.RawMessage
	expires time.Time
	elem    *list.Element
}

// Cache is a bounded in-memory LRU with TTL, backed optionally by a
// persistent kv.Store.
type Cache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	entries    map[string]*entry
	order      *list.List

	persistent kv.Store
	group      singleflight.Group
	now        func() time.Time
}

// Options configures a Cache.
type Options struct {
	Capacity   int
	DefaultTTL time.Duration
	Persistent kv.Store // optional
}

// New constructs a Cache, applying defaults for unset options.
func New(opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = 500
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	return &Cache{
		capacity:   opts.Capacity,
		defaultTTL: opts.DefaultTTL,
		entries:    make(map[string]*entry),
		order:      list.New(),
		persistent: opts.Persistent,
		now:        time.Now,
	}
}

// Get looks up key, checking the in-memory tier then, if configured, the
// persistent tier. A persistent hit is promoted into the in-memory tier.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if raw, ok := c.getMemory(key); ok {
		return true, json.Unmarshal(raw, dest)
	}
	if c.persistent == nil {
		return false, nil
	}
	var raw json.RawMessage
	_, ok, err := c.persistent.Get(ctx, key, &raw)
	if err != nil || !ok {
		return false, err
	}
	c.putMemory(key, raw, c.defaultTTL)
	return true, json.Unmarshal(raw, dest)
}

// Put stores value under key in both tiers, with ttl<=0 meaning the
// cache's DefaultTTL.
func (c *Cache) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.putMemory(key, raw, ttl)
	if c.persistent != nil {
		return c.persistent.Put(ctx, key, -1, raw)
	}
	return nil
}

// GetOrLoad returns the cached value for key, or calls load and caches
// its result, coalescing concurrent callers for the same key so the
// registry sees at most one request per key per TTL window.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, dest interface{}, load func(ctx context.Context) (interface{}, error)) error {
	if ok, err := c.Get(ctx, key, dest); err != nil || ok {
		return err
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		var probe json.RawMessage
		if ok, err := c.Get(ctx, key, &probe); err == nil && ok {
			return probe, nil
		}
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if putErr := c.Put(ctx, key, loaded, ttl); putErr != nil {
			return nil, putErr
		}
		raw, err := json.Marshal(loaded)
		return json.RawMessage(raw), err
	})
	if err != nil {
		return err
	}
	raw := v.(json.RawMessage)
	return json.Unmarshal(raw, dest)
}

// Clear purges both tiers: every in-memory entry (stale copies
// included), and, when a persistent store is configured, every key in
// the cache keyspace. Keys outside keyPrefix are left alone, since the
// kv.Store may be shared with other consumers such as a content store.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.order.Init()
	c.mu.Unlock()
	if c.persistent != nil {
		if _, err := c.persistent.DeletePrefix(ctx, keyPrefix+"/", 0, -1); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.order.Remove(e.elem)
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if c.persistent != nil {
		_, err := c.persistent.Delete(ctx, key)
		return err
	}
	return nil
}

func (c *Cache) getMemory(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		// Leave the entry in place (subject to ordinary LRU eviction)
		// instead of deleting it outright, so GetStale can still serve it
		// to a preferOffline caller after this miss.
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.value, true
}

// GetStale returns the last cached value for key even if its TTL has
// elapsed, used by the preferOffline policy to fall back to an expired
// entry instead of failing outright when the network is down.
func (c *Cache) GetStale(key string, dest interface{}) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(e.value, dest) == nil
}

func (c *Cache) putMemory(key string, value json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expires = c.now().Add(ttl)
		c.order.MoveToFront(e.elem)
		return
	}
	e := &entry{key: key, value: value, expires: c.now().Add(ttl)}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
}
