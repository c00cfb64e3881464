// Package webpm is the top-level convenience API:
// Install/InstallFromManifest/ResolveTree/GetPackageInfo/
// ValidatePackageName, each a thin wrapper over an explicit Instance so
// nothing in this module relies on a hidden global singleton.
package webpm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-h/kv"

	"github.com/webpm/webpm/cache"
	"github.com/webpm/webpm/contentstore"
	"github.com/webpm/webpm/metrics"
	"github.com/webpm/webpm/models"
	"github.com/webpm/webpm/orchestrate"
	"github.com/webpm/webpm/picker"
	"github.com/webpm/webpm/registry"
	"github.com/webpm/webpm/resolve"
	"github.com/webpm/webpm/specifier"
)

// Config builds an Instance, collecting every configuration option the
// library accepts.
type Config struct {
	Registry          string
	Token             string
	Timeout           time.Duration
	Retries           int
	RequestsPerMinute int
	BurstLimit        int
	CacheCapacity     int
	CacheTTL          time.Duration
	PersistentCache   kv.Store // optional, backs the metadata cache's persistent tier
	ContentBackend    contentstore.Backend
	MaxFileCap        int64
	Metrics           metrics.Metrics
	Log               *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Registry == "" {
		c.Registry = "https://registry.npmjs.org"
	}
	if c.ContentBackend == nil {
		c.ContentBackend = contentstore.NewMemoryBackend()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Instance bundles the registry client, two-tier cache, content store,
// and metrics that back every install/resolve call. Every dependency is
// an explicit handle constructed by the caller.
type Instance struct {
	cfg     Config
	client  *registry.Client
	cache   *cache.Cache
	store   *contentstore.Store
	metrics metrics.Metrics
}

// New constructs an Instance from cfg, defaulting unset fields.
func New(cfg Config) *Instance {
	cfg.setDefaults()

	var limiter *registry.RateLimiter
	if cfg.RequestsPerMinute > 0 {
		limiter = registry.NewRateLimiter(cfg.RequestsPerMinute, cfg.BurstLimit)
	}
	retry := registry.DefaultRetryPolicy()
	if cfg.Retries > 0 {
		retry.Attempts = cfg.Retries
	}

	return &Instance{
		cfg: cfg,
		client: registry.New(registry.Config{
			Base:      cfg.Registry,
			Token:     cfg.Token,
			Timeout:   cfg.Timeout,
			Retry:     retry,
			RateLimit: limiter,
			Log:       cfg.Log,
		}),
		cache: cache.New(cache.Options{
			Capacity:   cfg.CacheCapacity,
			DefaultTTL: cfg.CacheTTL,
			Persistent: cfg.PersistentCache,
		}),
		store:   contentstore.New(cfg.ContentBackend, contentstore.Options{MaxFileCap: cfg.MaxFileCap}),
		metrics: cfg.Metrics,
	}
}

// cachedMetaSource adapts a *registry.Client plus *cache.Cache into a
// resolve.MetaSource, coalescing concurrent misses for the same name via
// cache.Cache.GetOrLoad's singleflight group.
type cachedMetaSource struct {
	client        *registry.Client
	cache         *cache.Cache
	metrics       metrics.Metrics
	registryBase  string
	preferOffline bool
}

func (s *cachedMetaSource) GetPackageMeta(ctx context.Context, name string) (models.PackageMeta, error) {
	key := cache.MetaKey(name, s.registryBase)
	var meta models.PackageMeta

	hit, err := s.cache.Get(ctx, key, &meta)
	if err == nil && hit {
		s.metrics.IncrementCacheHit(ctx, true)
		return meta, nil
	}
	s.metrics.IncrementCacheHit(ctx, false)

	loadErr := s.cache.GetOrLoad(ctx, key, 0, &meta, func(ctx context.Context) (interface{}, error) {
		fresh, err := s.client.GetPackageMeta(ctx, name)
		if err != nil {
			if s.preferOffline {
				var stale models.PackageMeta
				if s.cache.GetStale(key, &stale) {
					return stale, nil
				}
			}
			return nil, err
		}
		return fresh, nil
	})
	return meta, loadErr
}

// ResolveTree resolves specifier into a DependencyNode without fetching
// any tarballs.
func (i *Instance) ResolveTree(ctx context.Context, bareSpecifier string, opts orchestrate.Options) (*models.DependencyNode, error) {
	sp, ok := specifier.ParseArg(bareSpecifier, "latest", i.cfg.Registry)
	if !ok {
		return nil, fmt.Errorf("unparseable specifier %q", bareSpecifier)
	}
	if opts.Version != "" {
		sp.Kind, sp.Version = specifier.KindExactVersion, opts.Version
	}
	resolver := resolve.New(i.metaSource(opts.PreferOffline), resolve.Options{
		RegistryBase:     i.cfg.Registry,
		DefaultTag:       "latest",
		MaxDepth:         opts.MaxDepth,
		MaxConcurrent:    opts.MaxConcurrent,
		IncludeOptional:  opts.IncludeOptional,
		IncludePeer:      opts.IncludePeer,
		AutoInstallPeers: opts.AutoInstallPeers,
		IncludeDev:       opts.IncludeDev,
		Picker: picker.Policies{
			PublishedBy:       opts.PublishedBy,
			PreferredVersions: opts.PreferredVersions,
		},
		Log: i.cfg.Log,
	})
	return resolver.ResolveTree(ctx, sp)
}

// GetPackageInfo returns the "latest"-tagged VersionMeta for name.
func (i *Instance) GetPackageInfo(ctx context.Context, name string) (models.VersionMeta, error) {
	meta, err := i.metaSource(false).GetPackageMeta(ctx, name)
	if err != nil {
		return models.VersionMeta{}, err
	}
	sp, _ := specifier.Parse("latest", name, "latest", i.cfg.Registry)
	vm, _, err := picker.Pick(meta, sp, picker.Policies{})
	return vm, err
}

func (i *Instance) metaSource(preferOffline bool) resolve.MetaSource {
	return &cachedMetaSource{client: i.client, cache: i.cache, metrics: i.metrics, registryBase: i.cfg.Registry, preferOffline: preferOffline}
}

// Install resolves and fetches bareSpecifier into a FetchedTree.
func (i *Instance) Install(ctx context.Context, bareSpecifier string, opts orchestrate.Options) (models.FetchedTree, error) {
	opts.RegistryBase = i.cfg.Registry
	o := orchestrate.Orchestrator{
		Source:   i.metaSource(opts.PreferOffline),
		Tarballs: i.client,
		Store:    i.store,
		Metrics:  i.metrics,
	}
	return o.Install(ctx, bareSpecifier, opts)
}

// InstallFromManifest resolves and fetches every direct dependency of
// manifest.
func (i *Instance) InstallFromManifest(ctx context.Context, manifest models.Manifest, opts orchestrate.Options) ([]models.FetchedTree, error) {
	opts.RegistryBase = i.cfg.Registry
	o := orchestrate.Orchestrator{
		Source:   i.metaSource(opts.PreferOffline),
		Tarballs: i.client,
		Store:    i.store,
		Metrics:  i.metrics,
	}
	return o.InstallFromManifest(ctx, manifest, opts)
}

// ContentStore exposes the underlying content-addressable store so a
// caller (e.g. a virtual filesystem adapter) can read extracted files
// after Install/InstallFromManifest complete.
func (i *Instance) ContentStore() *contentstore.Store { return i.store }

// ValidatePackageName reports whether name is a syntactically valid npm
// package name.
func ValidatePackageName(name string) bool { return specifier.ValidatePackageName(name) }
