// Package c2verr defines the shared error taxonomy used across the
// conversion engine: every failure surfacing out of lib/ belongs to one
// of four kinds, matched with errors.Is/errors.As rather than an
// exception hierarchy.
package c2verr

import (
	"errors"
	"fmt"
)

// Kind tags which of the four failure families an error belongs to.
type Kind int

const (
	// Environment covers syscall/filesystem failures and resource
	// exhaustion (out of temp space, can't open a file).
	Environment Kind = iota
	// Format covers malformed or unsupported on-disk data: bad JSON,
	// unknown schema version, unknown media type, malformed digest,
	// mis-sized filter file.
	Format
	// State covers precondition violations in the tree model: a path
	// lookup descending into a non-directory, a hardlink target that
	// doesn't exist yet.
	State
	// Sandbox covers any failure reported by the VM sandbox client.
	Sandbox
)

func (k Kind) String() string {
	switch k {
	case Environment:
		return "environment"
	case Format:
		return "format"
	case State:
		return "state"
	case Sandbox:
		return "sandbox"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// failure family with errors.As without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation label.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel errors referenced across packages by errors.Is.
var (
	// ErrNotDirectory is returned when path lookup descends into a
	// non-directory parent (spec: path lookup through symlinks is
	// deliberately unsupported).
	ErrNotDirectory = errors.New("parent is not a directory")
	// ErrHardlinkTargetMissing is returned when a hardlink tar entry
	// references a target path that has not been created yet.
	ErrHardlinkTargetMissing = errors.New("hardlink target does not exist")
	// ErrWhiteoutParentMissing is returned (and silently skipped by
	// callers, per spec) when a whiteout's parent directory is absent
	// or not a directory.
	ErrWhiteoutParentMissing = errors.New("whiteout parent is not a directory")
	// ErrUnsupportedSchema is returned for any OCI document whose
	// schemaVersion is not 2.
	ErrUnsupportedSchema = errors.New("unsupported schema version")
	// ErrUnknownMediaType is returned for layer/config/manifest blobs
	// whose mediaType the reader does not recognise.
	ErrUnknownMediaType = errors.New("unknown media type")
	// ErrNoNativeManifest is returned when no manifest descriptor in an
	// index matches the build's native platform.
	ErrNoNativeManifest = errors.New("no manifest for native platform")
	// ErrMalformedDigest is returned when a digest string does not
	// parse as "<algo>:<hex>".
	ErrMalformedDigest = errors.New("malformed digest")
	// ErrBadFilterSize is returned when a filter file's length is not
	// 1 + a power of two.
	ErrBadFilterSize = errors.New("filter file has invalid size")
)
