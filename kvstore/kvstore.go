// Package kvstore opens the persistent kv.Store that backs cache's
// persistent metadata tier and contentstore's KVBackend on non-browser
// hosts. A browser host never imports this package (it sticks to
// cache's in-memory LRU and contentstore.NewMemoryBackend), so this is
// cmd/webpm's exclusive concern.
//
// The backend is inferred from the DSN's scheme, so callers configure
// one connection string instead of a (type, url) pair:
//
//	postgres://user:pw@host/db    connection-pooled postgres
//	rqlite://host:4001            rqlite over HTTP
//	rqlites://user:pw@host:4001   rqlite over HTTPS, basic-auth from userinfo
//	file:cache.db, cache.db       embedded sqlite
package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	rqlitehttp "github.com/rqlite/rqlite-go-http"

	"github.com/a-h/kv"
	"github.com/a-h/kv/postgreskv"
	"github.com/a-h/kv/rqlitekv"
	"github.com/a-h/kv/sqlitekv"
	"github.com/jackc/pgx/v5/pgxpool"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Open connects the kv.Store the DSN's scheme selects and initializes
// its schema. The returned closer releases the backend's connection
// pool; callers must call it once done with the store.
func Open(ctx context.Context, dsn string, log *slog.Logger) (store kv.Store, closer func() error, err error) {
	if log == nil {
		log = slog.Default()
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing kv store dsn: %w", err)
	}

	var backend string
	switch u.Scheme {
	case "postgres", "postgresql":
		backend = "postgres"
		store, closer, err = openPostgres(ctx, dsn)
	case "rqlite", "rqlites":
		backend = "rqlite"
		store, closer, err = openRqlite(u)
	case "", "file":
		backend = "sqlite"
		store, closer, err = openSQLite(u)
	default:
		return nil, nil, fmt.Errorf("unsupported kv store scheme %q in dsn", u.Scheme)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s kv store: %w", backend, err)
	}
	if err = store.Init(ctx); err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("initializing %s kv store schema: %w", backend, err)
	}
	log.Info("opened persistent kv store", slog.String("backend", backend))
	return store, closer, nil
}

func openPostgres(ctx context.Context, dsn string) (kv.Store, func() error, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	closer := func() error {
		pool.Close()
		return nil
	}
	return postgreskv.NewStore(pool), closer, nil
}

// openRqlite rewrites the rqlite:// scheme to the HTTP base URL the
// client actually speaks (rqlites:// selects HTTPS), and moves any
// userinfo out of the URL into basic-auth headers so credentials never
// appear in the request line.
func openRqlite(u *url.URL) (kv.Store, func() error, error) {
	httpURL := *u
	httpURL.Scheme = "http"
	if u.Scheme == "rqlites" {
		httpURL.Scheme = "https"
	}
	httpURL.User = nil

	client := rqlitehttp.NewClient(httpURL.String(), nil)
	if u.User != nil {
		pwd, _ := u.User.Password()
		client.SetBasicAuth(u.User.Username(), pwd)
	}
	return rqlitekv.NewStore(client), func() error { return nil }, nil
}

// openSQLite opens an embedded database at the DSN's path, creating it
// if absent. WAL mode is opt-in via ?_journal_mode=wal; some container
// volume drivers misbehave under WAL, so it is never the default.
func openSQLite(u *url.URL) (kv.Store, func() error, error) {
	opts := sqlitex.PoolOptions{
		Flags: sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenURI,
	}
	if strings.EqualFold(u.Query().Get("_journal_mode"), "wal") {
		opts.Flags |= sqlite.OpenWAL
	}
	pool, err := sqlitex.NewPool(u.String(), opts)
	if err != nil {
		return nil, nil, err
	}
	return sqlitekv.NewStore(pool), pool.Close, nil
}
