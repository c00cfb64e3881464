package kvstore

import (
	"context"
	"testing"
)

func TestOpenUnsupportedScheme(t *testing.T) {
	_, _, err := Open(context.Background(), "mongodb://localhost/db", nil)
	if err == nil {
		t.Fatalf("expected an error for an unsupported kv store scheme")
	}
}

func TestOpenUnparseableDSN(t *testing.T) {
	_, _, err := Open(context.Background(), "://missing-scheme", nil)
	if err == nil {
		t.Fatalf("expected an error for an unparseable dsn")
	}
}
