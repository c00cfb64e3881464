package registry

import (
	"net/url"
	"strings"
)

// buildMetadataURL URL-encodes each path segment of name; for scoped
// names the "@scope" and the package name are encoded independently so
// that the "/" between them becomes "%2F", as npm registries expect.
func buildMetadataURL(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + encodePackagePath(name)
}

func buildTarballURL(base, name, filename string) string {
	return strings.TrimSuffix(base, "/") + "/" + encodePackagePath(name) + "/-/" + url.PathEscape(filename)
}

func encodePackagePath(name string) string {
	if scope, rest, ok := strings.Cut(name, "/"); ok && strings.HasPrefix(scope, "@") {
		return url.PathEscape(scope) + "%2F" + url.PathEscape(rest)
	}
	return url.PathEscape(name)
}
