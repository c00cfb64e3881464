// Package orchestrate holds the public install entry points that drive
// the rest of the system end to end: resolve, then fetch, verify,
// extract, and store each resolved package under bounded concurrency.
// Observer callbacks are fed through a buffered channel (256 events)
// drained by a single goroutine, so a slow consumer does not block the
// pipeline until that buffer is full; a full buffer blocks the emitting
// worker.
package orchestrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/webpm/webpm/contentstore"
	"github.com/webpm/webpm/integrity"
	"github.com/webpm/webpm/metrics"
	"github.com/webpm/webpm/models"
	"github.com/webpm/webpm/picker"
	"github.com/webpm/webpm/resolve"
	"github.com/webpm/webpm/specifier"
	"github.com/webpm/webpm/tarball"
	"github.com/webpm/webpm/webpmerr"
)

// Phase names an OnProgress event's stage.
type Phase string

const (
	PhaseResolve Phase = "resolve"
	PhaseFetch   Phase = "fetch"
	PhaseExtract Phase = "extract"
	PhaseStore   Phase = "store"
)

// ProgressEvent is emitted as work advances on one DependencyNode.
type ProgressEvent struct {
	Phase      Phase
	PackageId  models.ResolutionId
	BytesDone  int64
	BytesTotal int64
}

// Callbacks bundles the optional observer hooks.
type Callbacks struct {
	OnProgress        func(ProgressEvent)
	OnPackageComplete func(models.ExtractedPackage)
	OnComplete        func(models.FetchedTree)
	OnError           func(error)
}

// TarballSource fetches raw tarball bytes, satisfied by registry.Client.
type TarballSource interface {
	DownloadTarball(ctx context.Context, specifierName, url string) ([]byte, error)
}

// Options configures Install/InstallFromManifest.
type Options struct {
	Version           string
	RegistryBase      string
	Token             string
	MaxConcurrent     int
	MaxDepth          int
	IncludeOptional   bool
	IncludePeer       bool
	AutoInstallPeers  bool
	IncludeDev        bool
	PublishedBy       time.Time
	PreferredVersions map[string]string
	PreferOffline     bool
	Callbacks         Callbacks
	Log               *slog.Logger
}

func (o *Options) setDefaults() {
	if o.RegistryBase == "" {
		o.RegistryBase = "https://registry.npmjs.org"
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 10
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// Orchestrator ties the registry/cache, resolver, tarball pipeline, and
// content store together behind the public install API.
type Orchestrator struct {
	Source   resolve.MetaSource
	Tarballs TarballSource
	Store    *contentstore.Store
	Metrics  metrics.Metrics
}

type eventSink struct {
	ch chan func()
	wg sync.WaitGroup
}

func newEventSink() *eventSink {
	s := &eventSink{ch: make(chan func(), 256)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for fn := range s.ch {
			fn()
		}
	}()
	return s
}

func (s *eventSink) emit(fn func()) {
	if fn != nil {
		s.ch <- fn
	}
}

func (s *eventSink) close() {
	close(s.ch)
	s.wg.Wait()
}

// Install resolves and fetches a single specifier into a FetchedTree.
// The argument is a name, a name@selector pair, or a registry tarball
// URL.
func (o *Orchestrator) Install(ctx context.Context, arg string, opts Options) (models.FetchedTree, error) {
	opts.setDefaults()
	sp, ok := specifier.ParseArg(arg, "latest", opts.RegistryBase)
	if !ok {
		return models.FetchedTree{}, webpmerr.New(webpmerr.InvalidSpecifier, arg, "unparseable specifier")
	}
	return o.installSpec(ctx, sp, opts)
}

func (o *Orchestrator) installSpec(ctx context.Context, sp specifier.Specifier, opts Options) (models.FetchedTree, error) {
	opts.setDefaults()
	start := time.Now()

	sink := newEventSink()
	defer sink.close()

	if opts.Version != "" {
		sp.Kind, sp.Version = specifier.KindExactVersion, opts.Version
	}

	resolveStart := time.Now()
	resolver := resolve.New(o.Source, resolve.Options{
		RegistryBase:     opts.RegistryBase,
		DefaultTag:       "latest",
		MaxDepth:         opts.MaxDepth,
		MaxConcurrent:    opts.MaxConcurrent,
		IncludeOptional:  opts.IncludeOptional,
		IncludePeer:      opts.IncludePeer,
		AutoInstallPeers: opts.AutoInstallPeers,
		IncludeDev:       false,
		Picker: picker.Policies{
			PublishedBy:       opts.PublishedBy,
			PreferredVersions: opts.PreferredVersions,
		},
		Log: opts.Log,
	})
	root, err := resolver.ResolveTree(ctx, sp)
	resolutionMs := time.Since(resolveStart).Milliseconds()
	if err != nil {
		o.emitError(&opts, sink, err)
		return models.FetchedTree{}, err
	}
	o.Metrics.IncrementResolution(ctx, sp.Kind.String())

	tree, err := o.fetchAll(ctx, root, &opts, sink, resolutionMs, start)
	if err != nil {
		o.emitError(&opts, sink, err)
		return models.FetchedTree{}, err
	}
	if opts.Callbacks.OnComplete != nil {
		sink.emit(func() { opts.Callbacks.OnComplete(tree) })
	}
	return tree, nil
}

// InstallFromManifest resolves and fetches every direct dependency of a
// parsed package.json, returning one FetchedTree per root dependency.
func (o *Orchestrator) InstallFromManifest(ctx context.Context, manifest models.Manifest, opts Options) ([]models.FetchedTree, error) {
	opts.setDefaults()

	type rootDep struct {
		alias string
		bare  string
	}
	var deps []rootDep
	addSorted := func(m map[string]string) {
		aliases := make([]string, 0, len(m))
		for a := range m {
			aliases = append(aliases, a)
		}
		sort.Strings(aliases)
		for _, a := range aliases {
			deps = append(deps, rootDep{alias: a, bare: m[a]})
		}
	}
	addSorted(manifest.Dependencies)
	if opts.IncludeDev {
		addSorted(manifest.DevDependencies)
	}

	trees := make([]models.FetchedTree, 0, len(deps))
	var errs error
	for _, d := range deps {
		sp, ok := specifier.Normalize(specifier.DependencyEntry{Alias: d.alias, BareSpecifier: d.bare}, "latest", opts.RegistryBase)
		if !ok {
			err := webpmerr.New(webpmerr.InvalidSpecifier, d.alias, "unparseable dependency specifier: "+d.bare)
			o.emitError(&opts, nil, err)
			errs = errors.Join(errs, err)
			continue
		}
		tree, err := o.installSpec(ctx, sp, opts)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("installing %s: %w", d.alias, err))
			continue
		}
		trees = append(trees, tree)
	}
	return trees, errs
}

// allNodes collects every DependencyNode in the DAG exactly once, in a
// deterministic pre-order walk.
func allNodes(root *models.DependencyNode) []*models.DependencyNode {
	seen := make(map[models.ResolutionId]bool)
	var out []*models.DependencyNode
	var walk func(n *models.DependencyNode)
	walk = func(n *models.DependencyNode) {
		if n == nil || seen[n.ID] {
			return
		}
		seen[n.ID] = true
		out = append(out, n)
		for _, edge := range n.Children {
			walk(edge.Node)
		}
	}
	walk(root)
	return out
}

func (o *Orchestrator) fetchAll(ctx context.Context, root *models.DependencyNode, opts *Options, sink *eventSink, resolutionMs int64, start time.Time) (models.FetchedTree, error) {
	nodes := allNodes(root)
	sem := semaphore.NewWeighted(int64(opts.MaxConcurrent))

	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	var mu sync.Mutex
	packages := make([]models.ExtractedPackage, 0, len(nodes))
	totalFiles := 0
	var fetchingMs, extractionMs int64
	var firstErr error

	var wg sync.WaitGroup
	for _, node := range nodes {
		node := node
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled while waiting for a permit: drain the workers
			// already running so no goroutine outlives the event sink.
			wg.Wait()
			mu.Lock()
			fe := firstErr
			mu.Unlock()
			if fe != nil {
				return models.FetchedTree{}, fe
			}
			return models.FetchedTree{}, &webpmerr.Error{Kind: webpmerr.Cancelled, Cause: err}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			pkg, fms, ems, err := o.fetchOne(ctx, node, opts, sink)
			mu.Lock()
			defer mu.Unlock()
			fetchingMs += fms
			extractionMs += ems
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancelAll()
				}
				return
			}
			packages = append(packages, pkg)
			totalFiles += len(pkg.Files)
			if opts.Callbacks.OnPackageComplete != nil {
				sink.emit(func() { opts.Callbacks.OnPackageComplete(pkg) })
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return models.FetchedTree{}, firstErr
	}

	return models.FetchedTree{
		Root:        root,
		AllPackages: packages,
		TotalFiles:  totalFiles,
		Timings: models.Timings{
			ResolutionMs: resolutionMs,
			FetchingMs:   fetchingMs,
			ExtractionMs: extractionMs,
			TotalMs:      time.Since(start).Milliseconds(),
		},
	}, nil
}

func (o *Orchestrator) fetchOne(ctx context.Context, node *models.DependencyNode, opts *Options, sink *eventSink) (models.ExtractedPackage, int64, int64, error) {
	if opts.Callbacks.OnProgress != nil {
		sink.emit(func() {
			opts.Callbacks.OnProgress(ProgressEvent{Phase: PhaseFetch, PackageId: node.ID, BytesTotal: node.Package.Dist.Size})
		})
	}

	fetchStart := time.Now()
	data, err := o.Tarballs.DownloadTarball(ctx, node.Package.Name, node.Package.Dist.Tarball)
	fetchMs := time.Since(fetchStart).Milliseconds()
	if err != nil {
		return models.ExtractedPackage{}, fetchMs, 0, err
	}
	o.Metrics.IncrementDownload(ctx, opts.RegistryBase, int64(len(data)))

	if len(node.Integrity.Entries) > 0 {
		if verr := integrity.Verify(data, node.Integrity); verr != nil {
			o.Metrics.IncrementIntegrityFailure(ctx)
			return models.ExtractedPackage{}, fetchMs, 0, verr
		}
	}

	if opts.Callbacks.OnProgress != nil {
		sink.emit(func() {
			opts.Callbacks.OnProgress(ProgressEvent{Phase: PhaseExtract, PackageId: node.ID, BytesDone: int64(len(data))})
		})
	}

	extractStart := time.Now()
	result, err := tarball.Extract(bytes.NewReader(data), tarball.DefaultOptions())
	extractMs := time.Since(extractStart).Milliseconds()
	if err != nil {
		return models.ExtractedPackage{}, fetchMs, extractMs, err
	}

	pkg := models.ExtractedPackage{Node: node}
	for _, f := range result.Files {
		status, err := o.Store.Put(ctx, string(node.ID), f.Path, f.Data, string(f.ContentType))
		if err != nil {
			return models.ExtractedPackage{}, fetchMs, extractMs, err
		}
		if status == contentstore.StatusStored {
			o.Metrics.AddExtractedBytes(ctx, int64(len(f.Data)))
		}
		if opts.Callbacks.OnProgress != nil {
			sink.emit(func() {
				opts.Callbacks.OnProgress(ProgressEvent{Phase: PhaseStore, PackageId: node.ID, BytesDone: int64(len(f.Data))})
			})
		}
		pkg.Files = append(pkg.Files, models.ExtractedFile{RelPath: f.Path, Bytes: f.Data, ContentType: string(f.ContentType)})
		if f.Path == "package.json" {
			_ = json.Unmarshal(f.Data, &pkg.Manifest)
		}
	}

	if pkg.Manifest.Name != "" && (pkg.Manifest.Name != node.Package.Name || pkg.Manifest.Version != node.Package.Version) {
		opts.Log.Warn("extracted manifest does not match resolved package identity",
			slog.String("manifestName", pkg.Manifest.Name), slog.String("nodeName", node.Package.Name),
			slog.String("manifestVersion", pkg.Manifest.Version), slog.String("nodeVersion", node.Package.Version))
	}

	return pkg, fetchMs, extractMs, nil
}

func (o *Orchestrator) emitError(opts *Options, sink *eventSink, err error) {
	if opts.Callbacks.OnError == nil {
		return
	}
	if sink != nil {
		sink.emit(func() { opts.Callbacks.OnError(err) })
		return
	}
	opts.Callbacks.OnError(err)
}
