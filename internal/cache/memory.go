package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
)

const lockStripes = 256

// memoryClient implementa Client sobre go-cache. Las escrituras se
// serializan por stripe (hash de la key) para que Update sea atómico sin un
// lock global.
type memoryClient struct {
	prefix  string
	c       *gocache.Cache
	stripes [lockStripes]sync.Mutex
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewMemory crea un cliente en memoria. go-cache purga expirados cada minuto.
func NewMemory(prefix string) *memoryClient {
	return &memoryClient{
		prefix: prefix,
		c:      gocache.New(gocache.NoExpiration, time.Minute),
	}
}

func (c *memoryClient) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *memoryClient) stripe(k string) *sync.Mutex {
	return &c.stripes[xxhash.Sum64String(k)%lockStripes]
}

func (c *memoryClient) get(k string) ([]byte, bool) {
	v, ok := c.c.Get(k)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

func (c *memoryClient) put(k string, v []byte, ttl time.Duration) {
	b := make([]byte, len(v))
	copy(b, v)
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	c.c.Set(k, b, ttl)
}

func (c *memoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := c.get(c.key(key))
	if !ok {
		c.misses.Add(1)
		return nil, ErrNotFound
	}
	c.hits.Add(1)
	return v, nil
}

func (c *memoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	k := c.key(key)
	mu := c.stripe(k)
	mu.Lock()
	defer mu.Unlock()
	c.put(k, value, ttl)
	return nil
}

func (c *memoryClient) Delete(ctx context.Context, key string) error {
	k := c.key(key)
	mu := c.stripe(k)
	mu.Lock()
	defer mu.Unlock()
	c.c.Delete(k)
	return nil
}

func (c *memoryClient) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := c.c.Get(c.key(key))
	return ok, nil
}

func (c *memoryClient) Update(ctx context.Context, key string, fn UpdateFunc) error {
	k := c.key(key)
	mu := c.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	cur, found := c.get(k)
	m, err := fn(cur, found)
	if err != nil {
		return err
	}
	switch m.op {
	case opPut:
		c.put(k, m.value, m.ttl)
	case opRemove:
		c.c.Delete(k)
	}
	return nil
}

func (c *memoryClient) Keys(ctx context.Context, prefix string) ([]string, error) {
	full := c.key(prefix)
	strip := len(c.key(""))
	var out []string
	for k := range c.c.Items() {
		if strings.HasPrefix(k, full) {
			out = append(out, k[strip:])
		}
	}
	return out, nil
}

func (c *memoryClient) Ping(ctx context.Context) error {
	return nil
}

func (c *memoryClient) Close() error {
	c.c.Flush()
	return nil
}

func (c *memoryClient) Stats(ctx context.Context) (Stats, error) {
	return Stats{
		Driver: "memory",
		Keys:   int64(c.c.ItemCount()),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}, nil
}

// Cleanup elimina entradas expiradas (go-cache ya lo hace en su janitor).
func (c *memoryClient) Cleanup() {
	c.c.DeleteExpired()
}
