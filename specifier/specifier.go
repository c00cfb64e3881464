// Package specifier normalizes an npm bare specifier (the right-hand
// side of a dependency entry, or an alias+bareSpecifier pair) into a
// structured Specifier selector.
package specifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/webpm/webpm/semver"
)

// Kind classifies how a Specifier's version portion should be resolved.
type Kind int

const (
	KindTag Kind = iota
	KindExactVersion
	KindRange
	KindRegistryTarball
)

func (k Kind) String() string {
	switch k {
	case KindTag:
		return "tag"
	case KindExactVersion:
		return "exact_version"
	case KindRange:
		return "range"
	case KindRegistryTarball:
		return "registry_tarball"
	default:
		return "unknown"
	}
}

// Specifier is the immutable, tagged-variant result of parsing a bare
// specifier.
type Specifier struct {
	Kind    Kind
	Name    string
	Tag     string // KindTag
	Version string // KindExactVersion, KindRegistryTarball
	Range   string // KindRange
	URL     string // KindRegistryTarball
}

func (s Specifier) String() string {
	switch s.Kind {
	case KindTag:
		return fmt.Sprintf("%s@%s", s.Name, s.Tag)
	case KindExactVersion:
		return fmt.Sprintf("%s@%s", s.Name, s.Version)
	case KindRange:
		return fmt.Sprintf("%s@%s", s.Name, s.Range)
	case KindRegistryTarball:
		return fmt.Sprintf("%s@%s", s.Name, s.URL)
	default:
		return s.Name
	}
}

// nameRegexp matches npm's package-name grammar, scoped names included.
var nameRegexp = regexp.MustCompile(`^(@[a-z0-9-~][a-z0-9-._~]*/)?[a-z0-9-~][a-z0-9-._~]*$`)

// ValidatePackageName reports whether name is a syntactically valid npm
// package name.
func ValidatePackageName(name string) bool {
	return nameRegexp.MatchString(name)
}

var tarballPathRe = regexp.MustCompile(`^(.+?)/-/([^/]+)-([0-9][^/]*)\.tgz$`)

// Parse classifies a bare specifier, applying the rules in order:
// "npm:" aliasing, alias naming, selector classification, registry
// tarball URL recognition. alias may be empty; registryBase is the
// registry's base URL used to recognize RegistryTarball specifiers.
func Parse(bareSpecifier, alias, defaultTag, registryBase string) (Specifier, bool) {
	// Rule 1: npm: aliasing.
	if rest, ok := strings.CutPrefix(bareSpecifier, "npm:"); ok {
		i := strings.LastIndex(rest, "@")
		if i < 1 {
			return Specifier{Kind: KindTag, Name: rest, Tag: defaultTag}, true
		}
		name := rest[:i]
		remainder := rest[i+1:]
		return classify(name, remainder, defaultTag)
	}

	// Rule 2: name comes from alias when present.
	name := alias
	if name != "" {
		return classify(name, bareSpecifier, defaultTag)
	}

	// Rule 4: registry tarball URL shape.
	if registryBase != "" && strings.HasPrefix(bareSpecifier, registryBase) {
		rest := strings.TrimPrefix(bareSpecifier, registryBase)
		rest = strings.TrimPrefix(rest, "/")
		if m := tarballPathRe.FindStringSubmatch(rest); m != nil {
			pkgName := m[1]
			version := m[3]
			return Specifier{Kind: KindRegistryTarball, Name: pkgName, Version: version, URL: bareSpecifier}, true
		}
	}

	// Rule 5: unparseable.
	return Specifier{}, false
}

// ParseArg parses a user-supplied install argument: a bare name
// ("react"), a name@selector pair ("react@^18", "@types/node@20.1.0"),
// or a registry tarball URL. Unlike Parse, which normalizes a manifest's
// alias+bareSpecifier entry, ParseArg has no alias to draw a name from,
// so the name is always split out of the argument itself, using the same
// last-@ rule as the "npm:" branch.
func ParseArg(arg, defaultTag, registryBase string) (Specifier, bool) {
	if registryBase != "" && strings.HasPrefix(arg, registryBase) {
		return Parse(arg, "", defaultTag, registryBase)
	}
	return Parse("npm:"+arg, "", defaultTag, registryBase)
}

// classify implements rule 3: empty => Range("*"); exact semver =>
// ExactVersion; parseable range => Range; otherwise Tag.
func classify(name, rest, defaultTag string) (Specifier, bool) {
	if rest == "" {
		return Specifier{Kind: KindRange, Name: name, Range: "*"}, true
	}
	if v, err := semver.ParseVersion(rest); err == nil {
		return Specifier{Kind: KindExactVersion, Name: name, Version: v.String()}, true
	}
	if semver.IsParseableRange(rest) {
		return Specifier{Kind: KindRange, Name: name, Range: rest}, true
	}
	return Specifier{Kind: KindTag, Name: name, Tag: rest}, true
}

// DependencyEntry is an alias+bareSpecifier pair as it appears in a
// manifest's dependency maps.
type DependencyEntry struct {
	Alias         string
	BareSpecifier string
}

// Normalize turns a manifest dependency entry into a Specifier; an
// empty bare specifier selects the default tag.
func Normalize(entry DependencyEntry, defaultTag, registryBase string) (Specifier, bool) {
	if entry.BareSpecifier == "" {
		return Specifier{Kind: KindTag, Name: entry.Alias, Tag: defaultTag}, true
	}
	return Parse(entry.BareSpecifier, entry.Alias, defaultTag, registryBase)
}
