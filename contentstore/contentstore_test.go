package contentstore

import (
	"context"
	"sync"
	"testing"

	"github.com/webpm/webpm/webpmerr"
)

func TestPutGetRoundtrip(t *testing.T) {
	s := New(NewMemoryBackend(), Options{})
	ctx := context.Background()

	status, err := s.Put(ctx, "left-pad@1.3.0", "index.js", []byte("module.exports = 1"), "application/javascript")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if status != StatusStored {
		t.Errorf("Put() status = %v, want StatusStored", status)
	}

	data, contentType, exists, err := s.Get(ctx, "left-pad@1.3.0", "index.js")
	if err != nil || !exists {
		t.Fatalf("Get() = %v, %v, %v, %v", data, contentType, exists, err)
	}
	if string(data) != "module.exports = 1" {
		t.Errorf("Get() data = %q, want %q", data, "module.exports = 1")
	}
	if contentType != "application/javascript" {
		t.Errorf("Get() contentType = %q, want %q", contentType, "application/javascript")
	}
}

func TestGetMissing(t *testing.T) {
	s := New(NewMemoryBackend(), Options{})
	_, _, exists, err := s.Get(context.Background(), "pkg@1.0.0", "missing.js")
	if err != nil || exists {
		t.Fatalf("Get() = exists=%v err=%v, want miss", exists, err)
	}
}

func TestPutIdenticalBytesIsNoop(t *testing.T) {
	s := New(NewMemoryBackend(), Options{})
	ctx := context.Background()
	data := []byte("same bytes")

	if _, err := s.Put(ctx, "pkg@1.0.0", "a.js", data, "application/javascript"); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	status, err := s.Put(ctx, "pkg@1.0.0", "a.js", data, "application/javascript")
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if status != StatusStored {
		t.Errorf("Put() status = %v, want StatusStored", status)
	}
}

func TestPutDivergentBytesConflict(t *testing.T) {
	s := New(NewMemoryBackend(), Options{})
	ctx := context.Background()

	if _, err := s.Put(ctx, "pkg@1.0.0", "a.js", []byte("v1"), "application/javascript"); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	_, err := s.Put(ctx, "pkg@1.0.0", "a.js", []byte("v2 different"), "application/javascript")
	if !webpmerr.Is(err, webpmerr.ContentStoreConflict) {
		t.Errorf("Put() error = %v, want ContentStoreConflict", err)
	}
}

func TestPutExceedsMaxFileCapIsElided(t *testing.T) {
	s := New(NewMemoryBackend(), Options{MaxFileCap: 4})
	status, err := s.Put(context.Background(), "pkg@1.0.0", "big.bin", []byte("way too big"), "application/octet-stream")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if status != StatusSkippedTooLarge {
		t.Errorf("Put() status = %v, want StatusSkippedTooLarge", status)
	}
	if _, _, exists, _ := s.Get(context.Background(), "pkg@1.0.0", "big.bin"); exists {
		t.Errorf("expected the elided entry not to be stored")
	}
}

func TestListByPackage(t *testing.T) {
	s := New(NewMemoryBackend(), Options{})
	ctx := context.Background()
	s.Put(ctx, "pkg@1.0.0", "index.js", []byte("a"), "application/javascript")
	s.Put(ctx, "pkg@1.0.0", "lib/util.js", []byte("b"), "application/javascript")
	s.Put(ctx, "other@1.0.0", "index.js", []byte("c"), "application/javascript")

	paths, err := s.ListByPackage(ctx, "pkg@1.0.0")
	if err != nil {
		t.Fatalf("ListByPackage: %v", err)
	}
	want := map[string]bool{"index.js": true, "lib/util.js": true}
	if len(paths) != 2 {
		t.Fatalf("ListByPackage() = %v, want 2 entries", paths)
	}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("unexpected path %q in ListByPackage() result", p)
		}
	}
}

func TestClear(t *testing.T) {
	s := New(NewMemoryBackend(), Options{})
	ctx := context.Background()
	s.Put(ctx, "pkg@1.0.0", "index.js", []byte("a"), "application/javascript")

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, _, exists, _ := s.Get(ctx, "pkg@1.0.0", "index.js"); exists {
		t.Errorf("expected store to be empty after Clear")
	}
}

func TestPutConcurrentSameKeySerializes(t *testing.T) {
	s := New(NewMemoryBackend(), Options{})
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make([]error, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Put(ctx, "pkg@1.0.0", "shared.js", []byte("identical"), "application/javascript")
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Put() #%d: %v", i, err)
		}
	}
}
