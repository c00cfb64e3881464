// Package webpmerr defines the error taxonomy for the library: every
// failure it returns is a *Error carrying a Kind, the offending
// specifier, and a hint suitable for end-user display.
package webpmerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the taxonomy groups.
type Kind string

const (
	// Validation.
	InvalidPackageName Kind = "invalid_package_name"
	InvalidSpecifier   Kind = "invalid_specifier"
	InvalidIntegrity   Kind = "invalid_integrity"

	// Resolution.
	PackageNotFound   Kind = "package_not_found"
	VersionNotFound   Kind = "version_not_found"
	NoMatchingVersion Kind = "no_matching_version"
	NoVersions        Kind = "no_versions"
	Unpublished       Kind = "unpublished"
	MaxDepthExceeded  Kind = "max_depth_exceeded"
	CyclicOptional    Kind = "cyclic_optional"

	// Registry/Transport.
	Network            Kind = "network"
	Timeout            Kind = "timeout"
	RateLimited        Kind = "rate_limited"
	RegistryResponse   Kind = "registry_response"
	BrokenMetadataJSON Kind = "broken_metadata_json"

	// Artifact.
	TarballIntegrity Kind = "tarball_integrity"
	BadTarball       Kind = "bad_tarball"
	MalformedArchive Kind = "malformed_archive"

	// Storage.
	CacheFailure         Kind = "cache_failure"
	ContentStoreConflict Kind = "content_store_conflict"

	// Control.
	Cancelled Kind = "cancelled"
)

// Error is the concrete error type returned across the library.
type Error struct {
	Kind       Kind
	Specifier  string
	Hint       string
	Cause      error
	RetryAfter int // seconds; only meaningful for Kind == RateLimited
	Expected   string
	Got        string
	URL        string
	StatusCode int // only meaningful for Kind == RegistryResponse
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s", e.Kind)
	if e.Specifier != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Specifier)
	}
	if e.Hint != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Hint)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error for the given kind.
func New(kind Kind, specifier, hint string) *Error {
	return &Error{Kind: kind, Specifier: specifier, Hint: hint}
}

// Wrap builds an *Error that carries an underlying cause.
func Wrap(kind Kind, specifier, hint string, cause error) *Error {
	return &Error{Kind: kind, Specifier: specifier, Hint: hint, Cause: cause}
}

// RateLimitedErr builds a RateLimited error carrying the wait the
// registry (or the local limiter) asked for.
func RateLimitedErr(specifier string, retryAfterSeconds int) *Error {
	return &Error{Kind: RateLimited, Specifier: specifier, RetryAfter: retryAfterSeconds, Hint: "registry is rate limiting requests"}
}

// IntegrityMismatch builds the TarballIntegrity(expected, got, url) variant.
func IntegrityMismatch(specifier, expected, got, url string) *Error {
	return &Error{Kind: TarballIntegrity, Specifier: specifier, Expected: expected, Got: got, URL: url, Hint: "downloaded bytes do not match the recorded integrity"}
}

// Is reports whether err is, or wraps, a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Retryable reports whether the error classifies as retryable: network
// failure, timeout, 5xx, 429.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case Network, Timeout, RateLimited:
		return true
	case RegistryResponse:
		return e.StatusCode >= 500
	default:
		return false
	}
}
