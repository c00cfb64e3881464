// Package tarball ungzips and untars an npm package tarball into a
// stream of (path, bytes) file entries, classifying each file's content
// type by extension.
package tarball

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/webpm/webpm/webpmerr"
)

// ContentType classifies a file's relative path by extension.
type ContentType string

const (
	TypeScript            ContentType = "application/typescript"
	TypeScriptDeclaration ContentType = "application/typescript-declaration"
	JavaScript            ContentType = "application/javascript"
	JSON                  ContentType = "application/json"
	PlainText             ContentType = "text/plain"
	Binary                ContentType = "application/octet-stream"
)

// ClassifyContentType maps a relative path (and, for unknown
// extensions, the bytes' UTF-8 validity) to a ContentType.
func ClassifyContentType(relPath string, data []byte) ContentType {
	if strings.HasSuffix(relPath, ".d.ts") {
		return TypeScriptDeclaration
	}
	switch path.Ext(relPath) {
	case ".ts", ".tsx", ".mts", ".cts":
		return TypeScript
	case ".js", ".mjs", ".cjs":
		return JavaScript
	case ".json":
		return JSON
	}
	if utf8.Valid(data) {
		return PlainText
	}
	return Binary
}

// File is one extracted tarball entry.
type File struct {
	Path        string
	Data        []byte
	ContentType ContentType
}

// Options bounds extraction.
type Options struct {
	// SoftCapBytes, once exceeded, causes a warning to be appended to
	// Result.Warnings but extraction continues.
	SoftCapBytes int64
	// HardCapBytes, once exceeded, aborts extraction with BadTarball.
	HardCapBytes int64
}

// DefaultOptions matches a reasonable in-browser budget.
func DefaultOptions() Options {
	return Options{SoftCapBytes: 32 << 20, HardCapBytes: 256 << 20}
}

// Result is the outcome of a full extraction.
type Result struct {
	Files            []File
	UncompressedSize int64
	Warnings         []string
}

// Extract ungzips gz and untars the result, stripping npm's universal
// leading "package/" directory, classifying content types, and enforcing
// the soft/hard byte caps. Only regular files are returned; directory
// entries are passed over, and symlinks/hardlinks and other entry types
// are skipped with a warning. Any entry that would escape the archive
// root after path normalization is MalformedArchive.
func Extract(gz io.Reader, opts Options) (Result, error) {
	zr, err := gzip.NewReader(gz)
	if err != nil {
		return Result{}, &webpmerr.Error{Kind: webpmerr.MalformedArchive, Cause: err, Hint: "not a valid gzip stream"}
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var res Result

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, &webpmerr.Error{Kind: webpmerr.MalformedArchive, Cause: err}
		}

		relPath, ok := stripPackagePrefix(hdr.Name)
		if !ok {
			return res, &webpmerr.Error{Kind: webpmerr.MalformedArchive, Hint: "archive entry escapes root: " + hdr.Name}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg, tar.TypeRegA:
			// fall through
		case tar.TypeSymlink, tar.TypeLink:
			res.Warnings = append(res.Warnings, "skipped link entry: "+hdr.Name)
			continue
		default:
			res.Warnings = append(res.Warnings, "skipped entry of unsupported type: "+hdr.Name)
			continue
		}

		if relPath == "" {
			continue
		}

		res.UncompressedSize += hdr.Size
		if opts.HardCapBytes > 0 && res.UncompressedSize > opts.HardCapBytes {
			return res, &webpmerr.Error{Kind: webpmerr.BadTarball, Hint: "uncompressed size exceeds hard cap"}
		}
		if opts.SoftCapBytes > 0 && res.UncompressedSize > opts.SoftCapBytes {
			res.Warnings = append(res.Warnings, "uncompressed size exceeds soft cap at "+relPath)
		}

		data := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, data); err != nil {
			return res, &webpmerr.Error{Kind: webpmerr.MalformedArchive, Cause: err}
		}

		res.Files = append(res.Files, File{
			Path:        relPath,
			Data:        data,
			ContentType: ClassifyContentType(relPath, data),
		})
	}

	return res, nil
}

// stripPackagePrefix removes npm's universal "package/" archive root and
// rejects any path that normalizes outside of it.
func stripPackagePrefix(name string) (string, bool) {
	if strings.HasPrefix(name, "/") {
		return "", false
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	cleaned = strings.TrimPrefix(cleaned, "package/")
	if cleaned == "package" || cleaned == "." {
		return "", true
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}
