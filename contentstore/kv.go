package contentstore

import (
	"bytes"
	"context"
	"io"

	"github.com/a-h/kv"
)

// KVBackend persists blobs through an a-h/kv.Store. The key is already
// the content-addressable "<packageId>/<relPath>" string, so no further
// escaping is applied beyond what the keyspace already does.
type KVBackend struct {
	store  kv.Store
	prefix string
}

type blob struct {
	Data        []byte `json:"data"`
	ContentType string `json:"contentType"`
}

// NewKVBackend constructs a KVBackend storing entries under prefix
// (e.g. "/contentstore").
func NewKVBackend(store kv.Store, prefix string) *KVBackend {
	return &KVBackend{store: store, prefix: prefix}
}

func (b *KVBackend) fullKey(key string) string {
	return b.prefix + "/" + key
}

func (b *KVBackend) Stat(ctx context.Context, key string) (int64, bool, error) {
	var v blob
	_, ok, err := b.store.Get(ctx, b.fullKey(key), &v)
	if err != nil || !ok {
		return 0, ok, err
	}
	return int64(len(v.Data)), true, nil
}

func (b *KVBackend) Get(ctx context.Context, key string) (io.ReadCloser, string, bool, error) {
	var v blob
	_, ok, err := b.store.Get(ctx, b.fullKey(key), &v)
	if err != nil || !ok {
		return nil, "", ok, err
	}
	return io.NopCloser(bytes.NewReader(v.Data)), v.ContentType, true, nil
}

type kvWriter struct {
	ctx         context.Context
	backend     *KVBackend
	key         string
	contentType string
	buf         bytes.Buffer
}

func (w *kvWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *kvWriter) Close() error {
	return w.backend.store.Put(w.ctx, w.backend.fullKey(w.key), -1, blob{Data: w.buf.Bytes(), ContentType: w.contentType})
}

func (b *KVBackend) Put(ctx context.Context, key string, contentType string) (io.WriteCloser, error) {
	return &kvWriter{ctx: ctx, backend: b, key: key, contentType: contentType}, nil
}

func (b *KVBackend) Delete(ctx context.Context, key string) error {
	_, err := b.store.Delete(ctx, b.fullKey(key))
	return err
}

func (b *KVBackend) List(ctx context.Context, prefix string) ([]string, error) {
	records, err := b.store.GetPrefix(ctx, b.fullKey(prefix), 0, -1)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key[len(b.prefix)+1:]
	}
	return keys, nil
}
