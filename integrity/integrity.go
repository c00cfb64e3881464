// Package integrity parses Subresource Integrity (SRI) strings and
// verifies tarball bytes against them, supporting multiple
// space-separated SRI entries and legacy hex-shasum promotion.
package integrity

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/webpm/webpm/webpmerr"
)

// Algorithm is one of the digest algorithms SRI strings may carry.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

func newHasher(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algo)
	}
}

// Entry is one parsed "<algo>-<base64>" component of an SRI string.
type Entry struct {
	Algorithm Algorithm
	Digest    []byte
}

func (e Entry) String() string {
	return fmt.Sprintf("%s-%s", e.Algorithm, base64.StdEncoding.EncodeToString(e.Digest))
}

// SRI is a parsed integrity string: one or more space-separated entries,
// any one of which is sufficient to verify the bytes.
type SRI struct {
	Entries []Entry
}

func (s SRI) String() string {
	parts := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		parts[i] = e.String()
	}
	return strings.Join(parts, " ")
}

// Parse parses a (possibly multi-entry) SRI string.
func Parse(s string) (SRI, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return SRI{}, fmt.Errorf("empty integrity string")
	}
	var out SRI
	for _, f := range fields {
		i := strings.IndexByte(f, '-')
		if i < 0 {
			return SRI{}, fmt.Errorf("invalid SRI entry %q", f)
		}
		algo := Algorithm(f[:i])
		if _, err := newHasher(algo); err != nil {
			return SRI{}, err
		}
		digest, err := base64.StdEncoding.DecodeString(f[i+1:])
		if err != nil {
			return SRI{}, fmt.Errorf("invalid SRI digest in %q: %w", f, err)
		}
		out.Entries = append(out.Entries, Entry{Algorithm: algo, Digest: digest})
	}
	return out, nil
}

// FromHexShasum promotes a legacy 40-hex-char sha1 shasum into an SRI.
// Anything else is rejected.
func FromHexShasum(shasum string) (SRI, error) {
	if len(shasum) != 40 {
		return SRI{}, fmt.Errorf("%w: shasum must be 40 hex characters, got %d", errInvalid, len(shasum))
	}
	digest, err := hex.DecodeString(shasum)
	if err != nil {
		return SRI{}, fmt.Errorf("%w: %v", errInvalid, err)
	}
	return SRI{Entries: []Entry{{Algorithm: SHA1, Digest: digest}}}, nil
}

var errInvalid = fmt.Errorf("invalid shasum")

// Compute hashes data with algo and returns the Entry.
func Compute(algo Algorithm, data []byte) (Entry, error) {
	h, err := newHasher(algo)
	if err != nil {
		return Entry{}, err
	}
	h.Write(data)
	return Entry{Algorithm: algo, Digest: h.Sum(nil)}, nil
}

// Verify checks data against sri: any one matching entry is sufficient.
func Verify(data []byte, sri SRI) error {
	if len(sri.Entries) == 0 {
		return &webpmerr.Error{Kind: webpmerr.InvalidIntegrity, Hint: "no integrity entries to check"}
	}
	var lastGot Entry
	for _, want := range sri.Entries {
		got, err := Compute(want.Algorithm, data)
		if err != nil {
			return &webpmerr.Error{Kind: webpmerr.InvalidIntegrity, Cause: err}
		}
		lastGot = got
		if string(got.Digest) == string(want.Digest) {
			return nil
		}
	}
	return webpmerr.IntegrityMismatch("", sri.String(), lastGot.String(), "")
}
