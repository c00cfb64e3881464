// Package picker chooses one concrete VersionMeta out of a PackageMeta
// for a given Specifier, applying the selection policies in order:
// publish-date cutoff, deprecation exclusion, preferred-version
// override, then the highest (or lowest) satisfying version.
package picker

import (
	"time"

	"github.com/webpm/webpm/models"
	"github.com/webpm/webpm/semver"
	"github.com/webpm/webpm/specifier"
	"github.com/webpm/webpm/webpmerr"
)

// Policies bundles the picker's policy inputs.
type Policies struct {
	PublishedBy       time.Time // zero value disables the cutoff
	AllowDeprecated   bool
	PreferredVersions map[string]string // name -> exact version
	PickLowestVersion bool
}

// Pick resolves spec against meta under policies.
func Pick(meta models.PackageMeta, spec specifier.Specifier, policies Policies) (models.VersionMeta, string, error) {
	switch spec.Kind {
	case specifier.KindTag:
		version, ok := meta.DistTags[spec.Tag]
		if !ok {
			return models.VersionMeta{}, "", webpmerr.New(webpmerr.NoMatchingVersion, spec.String(), "dist-tag not found: "+spec.Tag)
		}
		vm, ok := meta.Versions[version]
		if !ok {
			// The dist-tag names a version the document doesn't carry;
			// fall through to range matching against "*" rather than
			// erroring immediately.
			return pickRange(meta, spec, "*", policies)
		}
		return vm, version, nil

	case specifier.KindExactVersion:
		vm, ok := meta.Versions[spec.Version]
		if !ok {
			return models.VersionMeta{}, "", webpmerr.New(webpmerr.VersionNotFound, spec.String(), "version not published: "+spec.Version)
		}
		return vm, spec.Version, nil

	case specifier.KindRange:
		return pickRange(meta, spec, spec.Range, policies)

	case specifier.KindRegistryTarball:
		// Use the registry record's integrity metadata when the version is
		// published, keeping the caller's URL verbatim; otherwise synthesize
		// a bare VersionMeta and leave integrity to the response.
		if vm, ok := meta.Versions[spec.Version]; ok {
			vm.Dist.Tarball = spec.URL
			return vm, spec.Version, nil
		}
		return models.VersionMeta{
			Name:    spec.Name,
			Version: spec.Version,
			Dist:    models.Dist{Tarball: spec.URL},
		}, spec.Version, nil

	default:
		return models.VersionMeta{}, "", webpmerr.New(webpmerr.InvalidSpecifier, spec.String(), "unknown specifier kind")
	}
}

func parseTimestamp(ts string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func pickRange(meta models.PackageMeta, spec specifier.Specifier, rangeStr string, policies Policies) (models.VersionMeta, string, error) {
	if len(meta.Versions) == 0 {
		return models.VersionMeta{}, "", webpmerr.New(webpmerr.NoVersions, spec.String(), "package has no published versions")
	}
	if meta.Unpublished() {
		return models.VersionMeta{}, "", webpmerr.New(webpmerr.Unpublished, spec.String(), "package was unpublished")
	}

	rng, err := semver.ParseRange(rangeStr)
	if err != nil {
		return models.VersionMeta{}, "", webpmerr.Wrap(webpmerr.InvalidSpecifier, spec.String(), "invalid range", err)
	}

	type candidate struct {
		version string
		sv      semver.Version
		vm      models.VersionMeta
	}
	var candidates []candidate
	for versionStr, vm := range meta.Versions {
		sv, err := semver.ParseVersion(versionStr)
		if err != nil {
			continue
		}
		if !semver.Satisfies(sv, rng) {
			continue
		}
		// Policy 1: drop versions published after the cutoff.
		if !policies.PublishedBy.IsZero() {
			if ts, ok := meta.Time[versionStr]; ok {
				if published, ok := parseTimestamp(ts); ok && published.After(policies.PublishedBy) {
					continue
				}
			}
		}
		// Policy 2: drop deprecated versions unless opted in.
		if vm.Deprecated != "" && !policies.AllowDeprecated {
			continue
		}
		candidates = append(candidates, candidate{version: versionStr, sv: sv, vm: vm})
	}

	if len(candidates) == 0 {
		return models.VersionMeta{}, "", webpmerr.New(webpmerr.NoMatchingVersion, spec.String(), "no version satisfies range "+rangeStr)
	}

	// Policy 3: an exact preferred version, if compatible, wins outright.
	if preferred, ok := policies.PreferredVersions[spec.Name]; ok {
		for _, c := range candidates {
			if c.version == preferred {
				return c.vm, c.version, nil
			}
		}
	}

	// Policy 4: highest (or lowest, if requested) SemVer match.
	best := candidates[0]
	for _, c := range candidates[1:] {
		cmp := semver.Compare(c.sv, best.sv)
		if (policies.PickLowestVersion && cmp < 0) || (!policies.PickLowestVersion && cmp > 0) {
			best = c
		}
	}
	return best.vm, best.version, nil
}
