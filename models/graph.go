package models

import "github.com/webpm/webpm/integrity"

// ResolutionId is the canonical identity of a resolved artifact:
// "<registry-host>/<name>/<version>".
type ResolutionId string

// DependencyNode is one node of a resolved dependency DAG. Once
// published into a resolver's memo it is never mutated.
type DependencyNode struct {
	ID        ResolutionId
	Package   VersionMeta
	Integrity integrity.SRI
	Children  []ChildEdge
	Depth     uint16
}

// ChildEdge names the alias a parent used to depend on Node. A parent's
// edges are sorted by alias within each dependency category
// (dependencies, then optional, peer and dev dependencies); the
// manifest's own declaration order is not kept.
type ChildEdge struct {
	Alias string
	Node  *DependencyNode
}

// ExtractedPackage pairs a resolved node with its unpacked file list and
// parsed manifest.
type ExtractedPackage struct {
	Node     *DependencyNode
	Files    []ExtractedFile
	Manifest Manifest
}

// ExtractedFile is one file produced by the tarball extractor.
type ExtractedFile struct {
	RelPath     string
	Bytes       []byte
	ContentType string
}

// Timings accumulates the monotonic-clock phase durations for a single
// install.
type Timings struct {
	ResolutionMs int64
	FetchingMs   int64
	ExtractionMs int64
	TotalMs      int64
}

// FetchedTree is the result of a completed install.
type FetchedTree struct {
	Root        *DependencyNode
	AllPackages []ExtractedPackage
	TotalFiles  int
	Timings     Timings
}
