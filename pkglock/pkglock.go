// Package pkglock reads an existing npm package-lock.json (v2/v3) to
// seed the picker's preferred-versions policy, so a resolution prefers
// versions a prior install already settled on instead of always taking
// the latest range match. Nothing in this module writes a lock file.
package pkglock

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// npmLock is the subset of package-lock.json (v2/v3) this module reads.
type npmLock struct {
	Name     string             `json:"name"`
	Version  string             `json:"version"`
	Packages map[string]lockPkg `json:"packages"`
}

type lockPkg struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Resolved     string            `json:"resolved"`
	Integrity    string            `json:"integrity"`
	Dependencies map[string]string `json:"dependencies"`
}

// PreferredVersions reads an npm package-lock.json and returns a mapping
// of package name to the exact version it was resolved to, suitable for
// picker.Policies.PreferredVersions.
func PreferredVersions(r io.Reader) (map[string]string, error) {
	var lock npmLock
	if err := json.NewDecoder(r).Decode(&lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}

	preferred := make(map[string]string)
	for installPath, pkg := range lock.Packages {
		if installPath == "" {
			continue
		}
		// Skip packages that don't come from the npm registry (local, git, etc.).
		if pkg.Resolved == "" ||
			strings.HasPrefix(pkg.Resolved, "file:") ||
			strings.HasPrefix(pkg.Resolved, "git+") {
			continue
		}

		name := pkg.Name
		if name == "" {
			name = stripNodeModulesPath(installPath)
		}
		if name == "" || pkg.Version == "" {
			continue
		}

		// The root install path declares the package's own version, not a
		// dependency preference; only node_modules entries count.
		if !strings.Contains(installPath, "node_modules/") {
			continue
		}

		preferred[name] = pkg.Version
	}
	return preferred, nil
}

func stripNodeModulesPath(p string) string {
	idx := strings.LastIndex(p, "node_modules/")
	if idx == -1 {
		return p
	}
	return p[idx+len("node_modules/"):]
}
