// Package resolve builds the resolved dependency DAG by recursive
// descent, with memoization per ResolutionId, cycle detection via a
// parent-path set, and a depth limit. Sibling dependencies resolve
// concurrently; a single semaphore shared across the whole recursion
// bounds the metadata fetches, not the recursion itself.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/webpm/webpm/integrity"
	"github.com/webpm/webpm/models"
	"github.com/webpm/webpm/picker"
	"github.com/webpm/webpm/specifier"
	"github.com/webpm/webpm/webpmerr"
)

// MetaSource retrieves registry metadata, satisfied by a cache-wrapped
// registry.Client.
type MetaSource interface {
	GetPackageMeta(ctx context.Context, name string) (models.PackageMeta, error)
}

// Options configures a resolution.
type Options struct {
	RegistryBase     string
	DefaultTag       string
	MaxDepth         int
	MaxConcurrent    int
	IncludeOptional  bool
	IncludePeer      bool
	AutoInstallPeers bool
	IncludeDev       bool
	Picker           picker.Policies
	Log              *slog.Logger
}

func (o *Options) setDefaults() {
	if o.RegistryBase == "" {
		o.RegistryBase = "https://registry.npmjs.org"
	}
	if o.DefaultTag == "" {
		o.DefaultTag = "latest"
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 10
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// Resolver builds dependency DAGs against a MetaSource.
type Resolver struct {
	source MetaSource
	opts   Options
	sem    *semaphore.Weighted

	mu       sync.Mutex
	resolved map[models.ResolutionId]*models.DependencyNode
	pending  map[models.ResolutionId]chan struct{}
	// inFlight holds a placeholder node for every ResolutionId currently
	// being resolved (published before its children are), so a back-edge
	// encountered deeper in the same recursion can link to the real node
	// object instead of failing; its Children field is filled in once
	// resolveChildren returns, see resolveOne.
	inFlight map[models.ResolutionId]*models.DependencyNode
}

// New constructs a Resolver.
func New(source MetaSource, opts Options) *Resolver {
	opts.setDefaults()
	return &Resolver{
		source:   source,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		resolved: make(map[models.ResolutionId]*models.DependencyNode),
		pending:  make(map[models.ResolutionId]chan struct{}),
		inFlight: make(map[models.ResolutionId]*models.DependencyNode),
	}
}

func resolutionID(registryBase, name, version string) models.ResolutionId {
	return models.ResolutionId(fmt.Sprintf("%s/%s/%s", registryBase, name, version))
}

// derivedIntegrity computes the SRI a node will be verified against once
// fetched: prefer the published SRI string, falling back to promoting a
// legacy hex shasum.
func derivedIntegrity(vm models.VersionMeta) integrity.SRI {
	if vm.Dist.Integrity != "" {
		if sri, err := integrity.Parse(vm.Dist.Integrity); err == nil {
			return sri
		}
	}
	if vm.Dist.Shasum != "" {
		if sri, err := integrity.FromHexShasum(vm.Dist.Shasum); err == nil {
			return sri
		}
	}
	return integrity.SRI{}
}

// ResolveTree resolves root into a DependencyNode.
func (r *Resolver) ResolveTree(ctx context.Context, root specifier.Specifier) (*models.DependencyNode, error) {
	return r.resolveOne(ctx, root, "<root>", nil, 0)
}

// resolveOne resolves spec at depth, returning the shared node if its
// ResolutionId is already in parentIds (back-edge) or in the memo.
func (r *Resolver) resolveOne(ctx context.Context, spec specifier.Specifier, alias string, parentIds map[models.ResolutionId]bool, depth int) (*models.DependencyNode, error) {
	// The permit pool bounds concurrent metadata fetches only. Holding a
	// permit across the recursion below would let permit holders wait on
	// children that need permits of their own.
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, &webpmerr.Error{Kind: webpmerr.Cancelled, Cause: err}
	}
	meta, err := r.source.GetPackageMeta(ctx, spec.Name)
	r.sem.Release(1)
	if err != nil {
		// A tarball specifier names its artifact directly; the registry
		// record is only consulted for integrity metadata, so its absence
		// defers verification to whatever the download provides.
		if spec.Kind != specifier.KindRegistryTarball {
			return nil, err
		}
		r.opts.Log.Warn("no registry record for tarball specifier; integrity deferred", slog.String("name", spec.Name), slog.Any("err", err))
		meta = models.PackageMeta{Name: spec.Name}
	}
	vm, version, err := picker.Pick(meta, spec, r.opts.Picker)
	if err != nil {
		return nil, err
	}
	id := resolutionID(r.opts.RegistryBase, spec.Name, version)

	if parentIds[id] {
		// Back-edge: id is an ancestor still mid-resolution (blocked in its
		// own resolveChildren call waiting on this very recursion), so it
		// can't be in r.resolved yet. Link to its in-flight placeholder
		// instead, which the ancestor's own goroutine fills in once this
		// call returns.
		r.mu.Lock()
		existing := r.inFlight[id]
		r.mu.Unlock()
		if existing != nil {
			return existing, nil
		}
		return nil, webpmerr.New(webpmerr.CyclicOptional, spec.String(), "cyclic dependency with no in-progress ancestor node")
	}

	if node, done, err := r.claimOrWait(ctx, id); err != nil {
		return nil, err
	} else if done {
		return node, nil
	}

	if depth > r.opts.MaxDepth {
		r.releasePending(id, nil)
		return nil, webpmerr.New(webpmerr.MaxDepthExceeded, spec.String(), fmt.Sprintf("depth %d exceeds maxDepth %d", depth, r.opts.MaxDepth))
	}

	node := &models.DependencyNode{
		ID:        id,
		Package:   vm,
		Integrity: derivedIntegrity(vm),
		Depth:     uint16(depth),
	}
	r.mu.Lock()
	r.inFlight[id] = node
	r.mu.Unlock()

	childParents := make(map[models.ResolutionId]bool, len(parentIds)+1)
	for k := range parentIds {
		childParents[k] = true
	}
	childParents[id] = true

	children, err := r.resolveChildren(ctx, vm, childParents, depth)

	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()

	if err != nil {
		r.releasePending(id, nil)
		return nil, err
	}

	// children were resolved through the node's own parent-path set, so
	// any back-edge into id above already observed this exact pointer;
	// resolveChildren's errgroup.Wait happens-before this write, and every
	// reader reaches Children only after ResolveTree itself returns.
	node.Children = children

	r.releasePending(id, node)
	return node, nil
}

// claimOrWait returns (node, true, nil) if id is already resolved or
// currently being resolved by another goroutine (waits for it); returns
// (nil, false, nil) if the caller should resolve it itself.
func (r *Resolver) claimOrWait(ctx context.Context, id models.ResolutionId) (*models.DependencyNode, bool, error) {
	for {
		r.mu.Lock()
		if node, ok := r.resolved[id]; ok {
			r.mu.Unlock()
			return node, true, nil
		}
		if ch, inFlight := r.pending[id]; inFlight {
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, false, &webpmerr.Error{Kind: webpmerr.Cancelled, Cause: ctx.Err()}
			case <-ch:
			}
			continue
		}
		r.pending[id] = make(chan struct{})
		r.mu.Unlock()
		return nil, false, nil
	}
}

func (r *Resolver) releasePending(id models.ResolutionId, node *models.DependencyNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node != nil {
		r.resolved[id] = node
	}
	if ch, ok := r.pending[id]; ok {
		close(ch)
		delete(r.pending, id)
	}
}

type dependencyRequest struct {
	alias    string
	bare     string
	optional bool
}

// categorize builds the ordered list of dependency requests to recurse
// into: dependencies always, optionals and peers when enabled, dev
// dependencies only for the root manifest.
func (r *Resolver) categorize(vm models.VersionMeta, depth int) []dependencyRequest {
	var reqs []dependencyRequest
	addSorted := func(m map[string]string, optional bool) {
		aliases := make([]string, 0, len(m))
		for a := range m {
			aliases = append(aliases, a)
		}
		sort.Strings(aliases)
		for _, a := range aliases {
			reqs = append(reqs, dependencyRequest{alias: a, bare: m[a], optional: optional})
		}
	}
	addSorted(vm.Dependencies, false)
	if r.opts.IncludeOptional {
		addSorted(vm.OptionalDependencies, true)
	}
	if r.opts.AutoInstallPeers {
		addSorted(vm.PeerDependencies, false)
	}
	if depth == 0 && r.opts.IncludeDev {
		addSorted(vm.DevDependencies, false)
	}
	return reqs
}

// resolveChildren fans out over the dependencies of a node at depth,
// recursing one level deeper for each.
func (r *Resolver) resolveChildren(ctx context.Context, vm models.VersionMeta, parentIds map[models.ResolutionId]bool, depth int) ([]models.ChildEdge, error) {
	reqs := r.categorize(vm, depth)
	edges := make([]models.ChildEdge, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			sp, ok := specifier.Parse(req.bare, req.alias, r.opts.DefaultTag, r.opts.RegistryBase)
			if !ok {
				return webpmerr.New(webpmerr.InvalidSpecifier, req.alias, "unparseable dependency specifier: "+req.bare)
			}
			child, err := r.resolveOne(gctx, sp, req.alias, parentIds, depth+1)
			if err != nil {
				if req.optional {
					r.opts.Log.Warn("skipping optional dependency that failed to resolve", slog.String("alias", req.alias), slog.Any("err", err))
					return nil
				}
				return fmt.Errorf("resolving %s: %w", req.alias, err)
			}
			edges[i] = models.ChildEdge{Alias: req.alias, Node: child}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := edges[:0]
	for _, e := range edges {
		if e.Node != nil {
			out = append(out, e)
		}
	}
	return out, nil
}
