// Package apterrs defines the engine's closed error taxonomy. Callers match
// on kind via errors.As rather than string-sniffing, the same discipline the
// host repo applies to its own storage-integrity errors (fs/vmd.go's
// StorageIntegrityError).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package apterrs

import "fmt"

// UpstreamError wraps a non-2xx HTTP response from the mirrored repository.
type UpstreamError struct {
	URL    string
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: status %d", e.URL, e.Status)
}

// NetworkError wraps a transport-level failure. Transient errors (reset,
// timeout, DNS) are retried locally per spec; once retries are exhausted
// the last error is returned as is. Transient=false marks a failure that is
// not retried.
type NetworkError struct {
	URL       string
	Transient bool
	Cause     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// TooLargeError is returned when a stream exceeds the configured byte
// ceiling.
type TooLargeError struct {
	URL      string
	Ceiling  int64
	Observed int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%s exceeds size ceiling %d (observed at least %d)", e.URL, e.Ceiling, e.Observed)
}

// SignatureInvalidError covers any OpenPGP verification failure: unknown
// signer, expired signature, revoked key, malformed packet.
type SignatureInvalidError struct {
	Reason string
}

func (e *SignatureInvalidError) Error() string { return "signature invalid: " + e.Reason }

// ReleaseExpiredError is returned when Valid-Until has passed and the caller
// did not opt in to ignoring it.
type ReleaseExpiredError struct {
	Suite      string
	ValidUntil string
}

func (e *ReleaseExpiredError) Error() string {
	return fmt.Sprintf("release %q expired at %s", e.Suite, e.ValidUntil)
}

// ReleaseIncompleteError is returned when a required file family has no
// supported hash entry at all.
type ReleaseIncompleteError struct {
	Missing string
}

func (e *ReleaseIncompleteError) Error() string {
	return "release incomplete, missing hash for: " + e.Missing
}

// HashMismatchError covers any content whose computed hash differs from the
// value declared in the governing Release/index entry.
type HashMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// IndexHashMismatchError is the always-fatal variant of HashMismatchError
// that applies specifically to Packages/Sources/Contents/Translation index
// files (spec.md §4.7 step 3).
type IndexHashMismatchError struct {
	Path string
}

func (e *IndexHashMismatchError) Error() string { return "index hash mismatch: " + e.Path }

// ReleaseParseError reports a malformed Release/InRelease stanza.
type ReleaseParseError struct {
	Line int
	Msg  string
}

func (e *ReleaseParseError) Error() string {
	return fmt.Sprintf("release parse error at line %d: %s", e.Line, e.Msg)
}

// IndexParseError reports a malformed Packages/Sources/Contents/Translation
// stanza.
type IndexParseError struct {
	Line int
	Msg  string
}

func (e *IndexParseError) Error() string {
	return fmt.Sprintf("index parse error at line %d: %s", e.Line, e.Msg)
}

// PoolIOError wraps any unexpected filesystem failure inside the pool that
// isn't more specifically classified below.
type PoolIOError struct {
	Op    string
	Path  string
	Cause error
}

func (e *PoolIOError) Error() string {
	return fmt.Sprintf("pool %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *PoolIOError) Unwrap() error { return e.Cause }

// LinkConflictError is returned when a target path exists but is backed by
// a different inode than the blob being linked.
type LinkConflictError struct {
	Target string
}

func (e *LinkConflictError) Error() string {
	return "link conflict: " + e.Target + " exists with different content"
}

// CrossDeviceError is returned when a hardlink is attempted across
// filesystems (EXDEV or equivalent); callers fall back to buffered copy.
type CrossDeviceError struct {
	From, To string
}

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("cross-device link attempted from %s to %s", e.From, e.To)
}

// LockedError is returned when an advisory lock (pool/mirror/medium) is
// already held.
type LockedError struct {
	Path      string
	HolderPID int // 0 if unknown
}

func (e *LockedError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("%s is locked (held by pid %d)", e.Path, e.HolderPID)
	}
	return e.Path + " is locked"
}

// UnknownMirrorError / UnknownMediumError / FilterInvalidError are config-
// contract errors surfaced by the registry (see package registry).
type UnknownMirrorError struct{ ID string }

func (e *UnknownMirrorError) Error() string { return "unknown mirror: " + e.ID }

type UnknownMediumError struct{ ID string }

func (e *UnknownMediumError) Error() string { return "unknown medium: " + e.ID }

type FilterInvalidError struct {
	Filter string
	Reason string
}

func (e *FilterInvalidError) Error() string {
	return fmt.Sprintf("invalid filter %q: %s", e.Filter, e.Reason)
}
