// Command webpm is a thin CLI over the webpm library: subcommands are
// plain structs with a Run(*Globals) method, flags carry env tags, and
// JSON logging is wired once in main.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/webpm/webpm"
	"github.com/webpm/webpm/contentstore"
	"github.com/webpm/webpm/kvstore"
	"github.com/webpm/webpm/metrics"
	"github.com/webpm/webpm/models"
	"github.com/webpm/webpm/orchestrate"
	"github.com/webpm/webpm/pkglock"
)

type Globals struct {
	Verbose bool `help:"Enable debug logging" short:"v"`
}

func (g *Globals) logger() *slog.Logger {
	opts := &slog.HandlerOptions{}
	if g.Verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

type CLI struct {
	Globals
	Install InstallCmd  `cmd:"" help:"Resolve and fetch a package and its dependencies"`
	Resolve ResolveCmd  `cmd:"" help:"Resolve a package's dependency tree without fetching tarballs"`
	Info    InfoCmd     `cmd:"" help:"Show latest metadata for a package"`
	Version VersionInfo `cmd:"" help:"Show version information"`
}

var Version = "dev"

type VersionInfo struct{}

func (cmd *VersionInfo) Run(g *Globals) error {
	fmt.Println(Version)
	return nil
}

// CommonFlags are shared across Install/Resolve.
type CommonFlags struct {
	Registry          string        `help:"Registry base URL" default:"https://registry.npmjs.org" env:"WEBPM_REGISTRY"`
	Token             string        `help:"Bearer token for registry auth" env:"WEBPM_TOKEN"`
	Timeout           time.Duration `help:"Per-request timeout" default:"30s" env:"WEBPM_TIMEOUT"`
	Retries           int           `help:"Per-request retry attempt budget" default:"3" env:"WEBPM_RETRIES"`
	RequestsPerMinute int           `help:"Registry rate limit (0 disables)" default:"0" env:"WEBPM_RATE_LIMIT"`
	BurstLimit        int           `help:"Registry rate limit burst allowance" default:"0" env:"WEBPM_BURST_LIMIT"`
	Concurrency       int           `help:"Bounded fetch/extract concurrency" default:"5" env:"WEBPM_CONCURRENCY"`
	MaxDepth          int           `help:"Maximum dependency resolution depth" default:"10" env:"WEBPM_MAX_DEPTH"`
	IncludeOptional   bool          `help:"Resolve optionalDependencies"`
	IncludePeer       bool          `help:"No effect on resolution: peerDependencies stay in each resolved package's metadata and are fetched only with --auto-install-peers"`
	AutoInstallPeers  bool          `help:"Resolve peerDependencies as if they were regular dependencies"`
	PreferOffline     bool          `help:"Serve stale cached metadata instead of failing when the registry is unreachable"`
	Lockfile          string        `help:"Path to an existing package-lock.json used to seed preferred versions" type:"existingfile"`
	CacheDB           string        `help:"Persistent metadata/content cache DSN: a sqlite path, rqlite://host:4001, or postgres://... (empty keeps everything in memory)" env:"WEBPM_CACHE_DB"`
	MetricsAddr       string        `help:"Address to serve Prometheus /metrics on (empty disables)" env:"WEBPM_METRICS_ADDR"`
}

func (f *CommonFlags) buildInstance(ctx context.Context, log *slog.Logger) (*webpm.Instance, func(), error) {
	m, err := metrics.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if f.MetricsAddr != "" {
		go func() {
			if err := metrics.ListenAndServe(f.MetricsAddr); err != nil {
				log.Error("metrics server exited", slog.String("error", err.Error()))
			}
		}()
	}

	cfg := webpm.Config{
		Registry:          f.Registry,
		Token:             f.Token,
		Timeout:           f.Timeout,
		Retries:           f.Retries,
		RequestsPerMinute: f.RequestsPerMinute,
		BurstLimit:        f.BurstLimit,
		Metrics:           m,
		Log:               log,
	}

	closer := func() {}
	if f.CacheDB != "" {
		kvStore, dbCloser, err := kvstore.Open(ctx, f.CacheDB, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open cache database: %w", err)
		}
		cfg.PersistentCache = kvStore
		cfg.ContentBackend = contentstore.NewKVBackend(kvStore, "/contentstore")
		closer = func() { _ = dbCloser() }
	}

	return webpm.New(cfg), closer, nil
}

func (f *CommonFlags) preferredVersions() (map[string]string, error) {
	if f.Lockfile == "" {
		return nil, nil
	}
	file, err := os.Open(f.Lockfile)
	if err != nil {
		return nil, fmt.Errorf("failed to open lockfile: %w", err)
	}
	defer file.Close()
	return pkglock.PreferredVersions(file)
}

func (f *CommonFlags) options(preferred map[string]string, log *slog.Logger) orchestrate.Options {
	return orchestrate.Options{
		RegistryBase:      f.Registry,
		Token:             f.Token,
		MaxConcurrent:     f.Concurrency,
		MaxDepth:          f.MaxDepth,
		IncludeOptional:   f.IncludeOptional,
		IncludePeer:       f.IncludePeer,
		AutoInstallPeers:  f.AutoInstallPeers,
		PreferOffline:     f.PreferOffline,
		PreferredVersions: preferred,
		Log:               log,
	}
}

type InstallCmd struct {
	CommonFlags
	Specifier string `arg:"" help:"Bare specifier to install, e.g. react@^18 or left-pad@1.3.0"`
}

func (cmd *InstallCmd) Run(g *Globals) error {
	ctx := context.Background()
	log := g.logger()

	instance, closer, err := cmd.buildInstance(ctx, log)
	if err != nil {
		return err
	}
	defer closer()

	preferred, err := cmd.preferredVersions()
	if err != nil {
		return err
	}

	opts := cmd.options(preferred, log)
	opts.Callbacks = orchestrate.Callbacks{
		OnProgress: func(e orchestrate.ProgressEvent) {
			log.Debug("progress", slog.String("phase", string(e.Phase)), slog.String("package", string(e.PackageId)))
		},
		OnPackageComplete: func(p models.ExtractedPackage) {
			log.Info("package complete", slog.String("package", string(p.Node.ID)), slog.Int("files", len(p.Files)))
		},
	}

	tree, err := instance.Install(ctx, cmd.Specifier, opts)
	if err != nil {
		return err
	}
	return printTree(tree)
}

type ResolveCmd struct {
	CommonFlags
	Specifier string `arg:"" help:"Bare specifier to resolve, e.g. react@^18"`
}

func (cmd *ResolveCmd) Run(g *Globals) error {
	ctx := context.Background()
	log := g.logger()

	instance, closer, err := cmd.buildInstance(ctx, log)
	if err != nil {
		return err
	}
	defer closer()

	preferred, err := cmd.preferredVersions()
	if err != nil {
		return err
	}

	node, err := instance.ResolveTree(ctx, cmd.Specifier, cmd.options(preferred, log))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(flatten(node))
}

// resolvedNode is the CLI's flat view of one DAG node. The DAG can carry
// back-edges for cyclic dependencies, so it is emitted as one record per
// ResolutionId with child references by ID rather than marshalled
// recursively.
type resolvedNode struct {
	ID       models.ResolutionId            `json:"id"`
	Name     string                         `json:"name"`
	Version  string                         `json:"version"`
	Depth    uint16                         `json:"depth"`
	Children map[string]models.ResolutionId `json:"children,omitempty"`
}

func flatten(root *models.DependencyNode) []resolvedNode {
	seen := make(map[models.ResolutionId]bool)
	var out []resolvedNode
	var walk func(n *models.DependencyNode)
	walk = func(n *models.DependencyNode) {
		if n == nil || seen[n.ID] {
			return
		}
		seen[n.ID] = true
		rn := resolvedNode{ID: n.ID, Name: n.Package.Name, Version: n.Package.Version, Depth: n.Depth}
		if len(n.Children) > 0 {
			rn.Children = make(map[string]models.ResolutionId, len(n.Children))
		}
		for _, edge := range n.Children {
			rn.Children[edge.Alias] = edge.Node.ID
		}
		out = append(out, rn)
		for _, edge := range n.Children {
			walk(edge.Node)
		}
	}
	walk(root)
	return out
}

type InfoCmd struct {
	CommonFlags
	Name string `arg:"" help:"Package name"`
}

func (cmd *InfoCmd) Run(g *Globals) error {
	ctx := context.Background()
	log := g.logger()

	instance, closer, err := cmd.buildInstance(ctx, log)
	if err != nil {
		return err
	}
	defer closer()

	vm, err := instance.GetPackageInfo(ctx, cmd.Name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(vm)
}

func printTree(tree models.FetchedTree) error {
	fmt.Printf("resolved %s@%s\n", tree.Root.Package.Name, tree.Root.Package.Version)
	fmt.Printf("packages=%d files=%d resolutionMs=%d fetchingMs=%d extractionMs=%d totalMs=%d\n",
		len(tree.AllPackages), tree.TotalFiles,
		tree.Timings.ResolutionMs, tree.Timings.FetchingMs, tree.Timings.ExtractionMs, tree.Timings.TotalMs)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("webpm"),
		kong.Description("Resolve, fetch, and verify npm packages into a content-addressable store"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
