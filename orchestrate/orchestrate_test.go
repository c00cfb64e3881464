package orchestrate

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"testing"

	"github.com/webpm/webpm/contentstore"
	"github.com/webpm/webpm/integrity"
	"github.com/webpm/webpm/models"
	"github.com/webpm/webpm/webpmerr"
)

func buildTarballBytes(t *testing.T, name, version string, deps map[string]string) []byte {
	t.Helper()
	manifest := fmt.Sprintf(`{"name":%q,"version":%q}`, name, version)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := map[string]string{
		"package/package.json": manifest,
		"package/index.js":     "module.exports = 1;",
	}
	for path, body := range files {
		hdr := &tar.Header{Name: path, Size: int64(len(body)), Mode: 0644, Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

type fakeMetaSource struct {
	packages map[string]models.PackageMeta
}

func (f *fakeMetaSource) GetPackageMeta(ctx context.Context, name string) (models.PackageMeta, error) {
	meta, ok := f.packages[name]
	if !ok {
		return models.PackageMeta{}, webpmerr.New(webpmerr.PackageNotFound, name, "not in fixture")
	}
	return meta, nil
}

type fakeTarballSource struct {
	tarballs map[string][]byte
}

func (f *fakeTarballSource) DownloadTarball(ctx context.Context, specifierName, url string) ([]byte, error) {
	data, ok := f.tarballs[url]
	if !ok {
		return nil, webpmerr.New(webpmerr.Network, specifierName, "no fixture tarball for "+url)
	}
	return data, nil
}

func fixturePackage(t *testing.T, name, version string, deps map[string]string) (models.PackageMeta, []byte) {
	t.Helper()
	url := "https://registry.npmjs.org/" + name + "/-/" + name + "-" + version + ".tgz"
	data := buildTarballBytes(t, name, version, deps)
	sri, err := integrity.Compute(integrity.SHA512, data)
	if err != nil {
		t.Fatalf("Compute integrity: %v", err)
	}
	meta := models.PackageMeta{
		Name:     name,
		DistTags: map[string]string{"latest": version},
		Versions: map[string]models.VersionMeta{
			version: {
				Name: name, Version: version, Dependencies: deps,
				Dist: models.Dist{Tarball: url, Integrity: sri.String()},
			},
		},
	}
	return meta, data
}

func TestInstallSinglePackage(t *testing.T) {
	meta, data := fixturePackage(t, "left-pad", "1.3.0", nil)
	o := &Orchestrator{
		Source:   &fakeMetaSource{packages: map[string]models.PackageMeta{"left-pad": meta}},
		Tarballs: &fakeTarballSource{tarballs: map[string][]byte{meta.Versions["1.3.0"].Dist.Tarball: data}},
		Store:    contentstore.New(contentstore.NewMemoryBackend(), contentstore.Options{}),
	}

	tree, err := o.Install(context.Background(), "left-pad", Options{})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(tree.AllPackages) != 1 {
		t.Fatalf("expected 1 package, got %d", len(tree.AllPackages))
	}
	if tree.AllPackages[0].Manifest.Name != "left-pad" {
		t.Errorf("extracted manifest name = %q, want left-pad", tree.AllPackages[0].Manifest.Name)
	}
	if tree.TotalFiles != 2 {
		t.Errorf("TotalFiles = %d, want 2", tree.TotalFiles)
	}
}

func TestInstallWithDependency(t *testing.T) {
	depMeta, depData := fixturePackage(t, "dep", "1.0.0", nil)
	rootMeta, rootData := fixturePackage(t, "root", "1.0.0", map[string]string{"dep": "latest"})

	o := &Orchestrator{
		Source: &fakeMetaSource{packages: map[string]models.PackageMeta{"root": rootMeta, "dep": depMeta}},
		Tarballs: &fakeTarballSource{tarballs: map[string][]byte{
			rootMeta.Versions["1.0.0"].Dist.Tarball: rootData,
			depMeta.Versions["1.0.0"].Dist.Tarball:  depData,
		}},
		Store: contentstore.New(contentstore.NewMemoryBackend(), contentstore.Options{}),
	}

	tree, err := o.Install(context.Background(), "root", Options{})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(tree.AllPackages) != 2 {
		t.Fatalf("expected 2 packages (root + dep), got %d", len(tree.AllPackages))
	}
	if tree.Root.Package.Name != "root" || len(tree.Root.Children) != 1 {
		t.Fatalf("unexpected root node: %+v", tree.Root)
	}
}

func TestInstallIntegrityMismatchFails(t *testing.T) {
	meta, _ := fixturePackage(t, "left-pad", "1.3.0", nil)
	wrongData := buildTarballBytes(t, "left-pad", "1.3.0", nil)
	wrongData = append(wrongData, 0xFF) // corrupt the bytes relative to the recorded integrity

	o := &Orchestrator{
		Source:   &fakeMetaSource{packages: map[string]models.PackageMeta{"left-pad": meta}},
		Tarballs: &fakeTarballSource{tarballs: map[string][]byte{meta.Versions["1.3.0"].Dist.Tarball: wrongData}},
		Store:    contentstore.New(contentstore.NewMemoryBackend(), contentstore.Options{}),
	}

	_, err := o.Install(context.Background(), "left-pad", Options{})
	if !webpmerr.Is(err, webpmerr.TarballIntegrity) {
		t.Errorf("Install() error = %v, want TarballIntegrity", err)
	}
}

func TestInstallUnresolvablePackagePropagatesError(t *testing.T) {
	o := &Orchestrator{
		Source:   &fakeMetaSource{packages: map[string]models.PackageMeta{}},
		Tarballs: &fakeTarballSource{},
		Store:    contentstore.New(contentstore.NewMemoryBackend(), contentstore.Options{}),
	}
	_, err := o.Install(context.Background(), "missing-pkg", Options{})
	if !webpmerr.Is(err, webpmerr.PackageNotFound) {
		t.Errorf("Install() error = %v, want PackageNotFound", err)
	}
}

func TestInstallEmitsCallbacks(t *testing.T) {
	meta, data := fixturePackage(t, "left-pad", "1.3.0", nil)
	o := &Orchestrator{
		Source:   &fakeMetaSource{packages: map[string]models.PackageMeta{"left-pad": meta}},
		Tarballs: &fakeTarballSource{tarballs: map[string][]byte{meta.Versions["1.3.0"].Dist.Tarball: data}},
		Store:    contentstore.New(contentstore.NewMemoryBackend(), contentstore.Options{}),
	}

	var gotComplete bool
	var gotPackageComplete int
	_, err := o.Install(context.Background(), "left-pad", Options{
		Callbacks: Callbacks{
			OnPackageComplete: func(models.ExtractedPackage) { gotPackageComplete++ },
			OnComplete:        func(models.FetchedTree) { gotComplete = true },
		},
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !gotComplete {
		t.Errorf("expected OnComplete to fire")
	}
	if gotPackageComplete != 1 {
		t.Errorf("OnPackageComplete fired %d times, want 1", gotPackageComplete)
	}
}

func TestInstallCancelledBeforeStart(t *testing.T) {
	meta, data := fixturePackage(t, "left-pad", "1.3.0", nil)
	o := &Orchestrator{
		Source:   &fakeMetaSource{packages: map[string]models.PackageMeta{"left-pad": meta}},
		Tarballs: &fakeTarballSource{tarballs: map[string][]byte{meta.Versions["1.3.0"].Dist.Tarball: data}},
		Store:    contentstore.New(contentstore.NewMemoryBackend(), contentstore.Options{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotComplete bool
	var gotError error
	_, err := o.Install(ctx, "left-pad", Options{
		Callbacks: Callbacks{
			OnComplete: func(models.FetchedTree) { gotComplete = true },
			OnError:    func(e error) { gotError = e },
		},
	})
	if !webpmerr.Is(err, webpmerr.Cancelled) {
		t.Fatalf("Install() error = %v, want Cancelled", err)
	}
	if gotComplete {
		t.Errorf("OnComplete fired after cancellation")
	}
	if gotError == nil {
		t.Errorf("expected OnError to fire with the cancellation error")
	}
}

func TestInstallRegistryTarballSpecifier(t *testing.T) {
	url := "https://registry.npmjs.org/is-positive/-/is-positive-1.0.0.tgz"
	data := buildTarballBytes(t, "is-positive", "1.0.0", nil)
	o := &Orchestrator{
		Source:   &fakeMetaSource{packages: map[string]models.PackageMeta{}},
		Tarballs: &fakeTarballSource{tarballs: map[string][]byte{url: data}},
		Store:    contentstore.New(contentstore.NewMemoryBackend(), contentstore.Options{}),
	}

	tree, err := o.Install(context.Background(), url, Options{})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if tree.Root.Package.Version != "1.0.0" || tree.Root.Package.Name != "is-positive" {
		t.Fatalf("unexpected root package: %+v", tree.Root.Package)
	}
	if len(tree.AllPackages) != 1 {
		t.Fatalf("expected 1 package, got %d", len(tree.AllPackages))
	}
}

func TestInstallFromManifest(t *testing.T) {
	depMeta, depData := fixturePackage(t, "dep", "1.0.0", nil)
	o := &Orchestrator{
		Source:   &fakeMetaSource{packages: map[string]models.PackageMeta{"dep": depMeta}},
		Tarballs: &fakeTarballSource{tarballs: map[string][]byte{depMeta.Versions["1.0.0"].Dist.Tarball: depData}},
		Store:    contentstore.New(contentstore.NewMemoryBackend(), contentstore.Options{}),
	}

	trees, err := o.InstallFromManifest(context.Background(), models.Manifest{
		Name: "app", Version: "1.0.0", Dependencies: map[string]string{"dep": "latest"},
	}, Options{})
	if err != nil {
		t.Fatalf("InstallFromManifest: %v", err)
	}
	if len(trees) != 1 || trees[0].Root.Package.Name != "dep" {
		t.Fatalf("InstallFromManifest() = %+v", trees)
	}
}
