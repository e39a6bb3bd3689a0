// Package syncerr defines the error taxonomy shared by the sync core.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a sync failure for reporting and retry decisions.
type Kind uint8

const (
	// KindIO is a local filesystem failure.
	KindIO Kind = iota
	// KindNetwork is a remote call failure. Network errors are never
	// retried within the failing call; the next event or poll retries.
	KindNetwork
	// KindSafety is an unsafe-to-sync condition, an integrity mismatch
	// or a missing backup. Never auto-resolved.
	KindSafety
	// KindValidation is a malformed mapping or path outside a watched root.
	KindValidation
)

var kindNames = []string{"io", "network", "safety", "validation"}

func (k Kind) String() string {
	if int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

var (
	ErrNotSafe   = errors.New("not safe to sync")
	ErrNoBackup  = errors.New("no verified backup available")
	ErrIntegrity = errors.New("integrity verification failed")
)

// Error carries enough context for manual replay of a failed operation.
type Error struct {
	Kind    Kind
	Op      string
	Path    string
	Backend string
	Err     error
}

func (e *Error) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s: %s %q (backend %s): %v", e.Kind, e.Op, e.Path, e.Backend, e.Err)
	}
	return fmt.Sprintf("%s: %s %q: %v", e.Kind, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two sync errors of the same kind, so callers can probe with
// errors.Is(err, &Error{Kind: KindSafety}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Path == ""
}

// E wraps err with taxonomy and operation context.
func E(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// IsKind reports whether any error in err's chain is a sync error of kind k.
func IsKind(err error, k Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == k
	}
	return false
}
