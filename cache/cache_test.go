package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	if err := c.Put(ctx, "k", map[string]string{"a": "b"}, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var dest map[string]string
	ok, err := c.Get(ctx, "k", &dest)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, want hit", ok, err)
	}
	if dest["a"] != "b" {
		t.Errorf("Get() = %v, want a=b", dest)
	}
}

func TestGetMiss(t *testing.T) {
	c := New(Options{})
	var dest map[string]string
	ok, err := c.Get(context.Background(), "missing", &dest)
	if err != nil || ok {
		t.Fatalf("Get() = %v, %v, want miss", ok, err)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(Options{})
	now := time.Now()
	c.now = func() time.Time { return now }

	if err := c.Put(context.Background(), "k", "v", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	c.now = func() time.Time { return now.Add(2 * time.Minute) }

	var dest string
	ok, _ := c.Get(context.Background(), "k", &dest)
	if ok {
		t.Errorf("Get() after TTL expiry = hit, want miss")
	}
}

func TestGetStaleServesExpiredEntry(t *testing.T) {
	c := New(Options{})
	now := time.Now()
	c.now = func() time.Time { return now }

	if err := c.Put(context.Background(), "k", "v", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	c.now = func() time.Time { return now.Add(2 * time.Minute) }

	var dest string
	if !c.GetStale("k", &dest) {
		t.Fatalf("GetStale() = false, want true for an expired-but-present entry")
	}
	if dest != "v" {
		t.Errorf("GetStale() = %q, want %q", dest, "v")
	}
}

func TestGetStaleMissingKey(t *testing.T) {
	c := New(Options{})
	var dest string
	if c.GetStale("nope", &dest) {
		t.Errorf("GetStale() = true, want false for a key never written")
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(Options{Capacity: 2})
	ctx := context.Background()
	c.Put(ctx, "a", "1", 0)
	c.Put(ctx, "b", "2", 0)
	c.Put(ctx, "c", "3", 0)

	var dest string
	if ok, _ := c.Get(ctx, "a", &dest); ok {
		t.Errorf("expected %q to have been evicted", "a")
	}
	if ok, _ := c.Get(ctx, "c", &dest); !ok {
		t.Errorf("expected %q (most recently added) to still be present", "c")
	}
}

func TestLRUTouchOnGetPreventsEviction(t *testing.T) {
	c := New(Options{Capacity: 2})
	ctx := context.Background()
	c.Put(ctx, "a", "1", 0)
	c.Put(ctx, "b", "2", 0)

	var dest string
	c.Get(ctx, "a", &dest) // touch "a", making "b" the least-recently-used

	c.Put(ctx, "c", "3", 0)
	if ok, _ := c.Get(ctx, "b", &dest); ok {
		t.Errorf("expected %q to have been evicted after %q was touched", "b", "a")
	}
	if ok, _ := c.Get(ctx, "a", &dest); !ok {
		t.Errorf("expected %q to survive since it was touched", "a")
	}
}

func TestGetOrLoadCachesResult(t *testing.T) {
	c := New(Options{})
	var calls int32
	load := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "loaded", nil
	}

	var dest string
	if err := c.GetOrLoad(context.Background(), "k", 0, &dest, load); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if dest != "loaded" {
		t.Errorf("GetOrLoad() = %q, want %q", dest, "loaded")
	}

	var dest2 string
	if err := c.GetOrLoad(context.Background(), "k", 0, &dest2, load); err != nil {
		t.Fatalf("GetOrLoad (second call): %v", err)
	}
	if calls != 1 {
		t.Errorf("load called %d times, want 1 (second call should hit cache)", calls)
	}
}

func TestGetOrLoadCoalescesConcurrentMisses(t *testing.T) {
	c := New(Options{})
	var calls int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			var dest string
			c.GetOrLoad(context.Background(), "shared-key", 0, &dest, func(ctx context.Context) (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return "v", nil
			})
		}()
	}
	close(start)
	wg.Wait()

	if calls != 1 {
		t.Errorf("load called %d times concurrently, want 1 (singleflight should coalesce)", calls)
	}
}

func TestGetOrLoadPropagatesLoadError(t *testing.T) {
	c := New(Options{})
	wantErr := context.DeadlineExceeded
	var dest string
	err := c.GetOrLoad(context.Background(), "k", 0, &dest, func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Errorf("GetOrLoad() error = %v, want %v", err, wantErr)
	}
}

func TestInvalidate(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	c.Put(ctx, "k", "v", 0)
	if err := c.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	var dest string
	if ok, _ := c.Get(ctx, "k", &dest); ok {
		t.Errorf("Get() after Invalidate = hit, want miss")
	}
}

func TestClearPurgesMemoryTier(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	key := MetaKey("left-pad", "https://registry.npmjs.org")
	c.Put(ctx, key, "v", 0)

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	var dest string
	if ok, _ := c.Get(ctx, key, &dest); ok {
		t.Errorf("Get() after Clear = hit, want miss")
	}
	if c.GetStale(key, &dest) {
		t.Errorf("GetStale() after Clear = true, want false (stale copies purged too)")
	}
}

func TestMetaKeyScopedName(t *testing.T) {
	got := MetaKey("@scope/widget", "https://registry.npmjs.org")
	want := "/cache/meta/https:%2F%2Fregistry.npmjs.org/@scope%2Fwidget"
	if got != want {
		t.Errorf("MetaKey() = %q, want %q", got, want)
	}
}
