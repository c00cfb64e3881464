package contentstore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
)

// memoryEntry pairs stored bytes with the content type they were put
// under, so Get can hand both back out.
type memoryEntry struct {
	data        []byte
	contentType string
}

// MemoryBackend is the default in-process Backend: a plain map guarded
// by a mutex, suitable for a browser tab's lifetime or tests.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]memoryEntry)}
}

func (m *MemoryBackend) Stat(_ context.Context, key string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	return int64(len(v.data)), true, nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) (io.ReadCloser, string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, "", false, nil
	}
	return io.NopCloser(bytes.NewReader(v.data)), v.contentType, true, nil
}

type memoryWriter struct {
	backend     *MemoryBackend
	key         string
	contentType string
	buf         bytes.Buffer
}

func (w *memoryWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memoryWriter) Close() error {
	w.backend.mu.Lock()
	defer w.backend.mu.Unlock()
	w.backend.data[w.key] = memoryEntry{data: w.buf.Bytes(), contentType: w.contentType}
	return nil
}

func (m *MemoryBackend) Put(_ context.Context, key string, contentType string) (io.WriteCloser, error) {
	return &memoryWriter{backend: m, key: key, contentType: contentType}, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
