package cache

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// newTestRedis conecta a AUTHGUARD_TEST_REDIS_ADDR o saltea el test.
func newTestRedis(t *testing.T) *redisClient {
	t.Helper()
	addr := os.Getenv("AUTHGUARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTHGUARD_TEST_REDIS_ADDR not set")
	}
	c, err := NewRedis(Config{Addr: addr, Prefix: "test-" + uuid.NewString()})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedis_UpdateIsAtomicPerKey(t *testing.T) {
	c := newTestRedis(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Update(ctx, "counter", func(cur []byte, _ bool) (Mutation, error) {
				return Put(append(cur, 'x'), 0), nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	v, err := c.Get(ctx, "counter")
	if err != nil || len(v) != workers {
		t.Fatalf("lost updates: len=%d err=%v", len(v), err)
	}
	keys, err := c.Keys(ctx, "count")
	if err != nil || len(keys) != 1 || keys[0] != "counter" {
		t.Fatalf("keys: %v %v", keys, err)
	}
}
