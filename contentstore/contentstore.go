// Package contentstore is a content-addressable store for extracted
// package files, keyed "<packageId>/<relPath>", with a pluggable
// Backend (in-memory, kv.Store, or S3).
package contentstore

import (
	"context"
	"crypto/sha256"
	"io"
	"sync"

	"github.com/webpm/webpm/webpmerr"
)

// Backend is a byte-addressable blob store: an in-memory map, a
// kv.Store, or S3, any of which can back a Store. Put/Get carry contentType
// alongside the bytes so both halves of an entry round-trip through
// every backend.
type Backend interface {
	Stat(ctx context.Context, key string) (size int64, exists bool, err error)
	Get(ctx context.Context, key string) (r io.ReadCloser, contentType string, exists bool, err error)
	Put(ctx context.Context, key string, contentType string) (w io.WriteCloser, err error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// EntryStatus is the outcome Put reports for one entry, distinguishing
// a stored entry from one elided for exceeding the per-file size cap.
type EntryStatus int

const (
	StatusAbsent EntryStatus = iota
	StatusStored
	StatusSkippedTooLarge
)

// Store deduplicates writes by digest and serializes concurrent puts to
// the same key.
type Store struct {
	backend    Backend
	maxFileCap int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options configures a Store; MaxFileCap<=0 defaults to 1 MiB.
type Options struct {
	MaxFileCap int64
}

// New constructs a Store over backend.
func New(backend Backend, opts Options) *Store {
	if opts.MaxFileCap <= 0 {
		opts.MaxFileCap = 1 << 20
	}
	return &Store{backend: backend, maxFileCap: opts.MaxFileCap, locks: make(map[string]*sync.Mutex)}
}

func buildKey(packageId, relPath string) string {
	return string(packageId) + "/" + relPath
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Put stores data under "<packageId>/<relPath>". Entries above MaxFileCap
// are not stored (not an error) and Put returns StatusSkippedTooLarge for
// them; no marker is kept, so a later Get reports such a key as absent. A put
// of identical bytes to an existing key is a no-op; divergent bytes
// raise ContentStoreConflict.
func (s *Store) Put(ctx context.Context, packageId string, relPath string, data []byte, contentType string) (EntryStatus, error) {
	if int64(len(data)) > s.maxFileCap {
		return StatusSkippedTooLarge, nil
	}

	key := buildKey(packageId, relPath)
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if existing, _, exists, err := s.Get(ctx, packageId, relPath); err != nil {
		return StatusAbsent, err
	} else if exists {
		if digest(existing) == digest(data) {
			return StatusStored, nil
		}
		return StatusAbsent, &webpmerr.Error{Kind: webpmerr.ContentStoreConflict, Specifier: key, Hint: "existing bytes differ from new write"}
	}

	w, err := s.backend.Put(ctx, key, contentType)
	if err != nil {
		return StatusAbsent, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return StatusAbsent, err
	}
	if err := w.Close(); err != nil {
		return StatusAbsent, err
	}
	return StatusStored, nil
}

// Get retrieves the bytes and content type stored under
// "<packageId>/<relPath>".
func (s *Store) Get(ctx context.Context, packageId string, relPath string) ([]byte, string, bool, error) {
	key := buildKey(packageId, relPath)
	r, contentType, exists, err := s.backend.Get(ctx, key)
	if err != nil || !exists {
		return nil, "", exists, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", false, err
	}
	return data, contentType, true, nil
}

// ListByPackage lists every relPath key stored for packageId.
func (s *Store) ListByPackage(ctx context.Context, packageId string) ([]string, error) {
	prefix := string(packageId) + "/"
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k[len(prefix):]
	}
	return out, nil
}

// Clear removes every entry from the store.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.backend.List(ctx, "")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.backend.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func digest(data []byte) [32]byte {
	return sha256.Sum256(data)
}
