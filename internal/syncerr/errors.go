// Package syncerr defines the failures raised by the tree store and the
// reconciliation engine, and the helpers callers use to decide how to react.
package syncerr

import (
	"errors"
	"fmt"
)

// Common errors returned by tree and reconciliation operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, syncerr.ErrSaveConflict) {
//	    // reject the local item and retry
//	}
var (
	// ErrBadPath is returned when a path string is structurally invalid:
	// no leading "/", or an empty interior segment.
	ErrBadPath = errors.New("bad path")

	// ErrMissingNode is returned when path resolution reaches a segment
	// with no matching child.
	ErrMissingNode = errors.New("missing node")

	// ErrAddDuplicate is returned when adding a child whose name is
	// already present under the parent.
	ErrAddDuplicate = errors.New("duplicate child")

	// ErrSaveConflict is returned when a compare-and-swap finds a
	// different name or version than expected, or when local and remote
	// have diverged incompatibly.
	ErrSaveConflict = errors.New("save conflict")

	// ErrPathShapeConflict is returned when an ancestor of a path exists
	// as a file while a directory is required there. It also matches
	// ErrSaveConflict so the normal reject-and-retry protocol applies.
	ErrPathShapeConflict = errors.New("path shape conflict")

	// ErrLocalChanged is returned when the local item changed between
	// being classified and being overwritten. Nothing was written; the
	// path should be reconciled again.
	ErrLocalChanged = errors.New("local item changed")

	// ErrRetryBudgetExhausted is returned by drivers that gave up on a
	// path after repeated conflicts.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// PathError records a caller error together with the operation and path
// that produced it.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// BadPath returns a *PathError wrapping ErrBadPath.
func BadPath(op, path string) error {
	return &PathError{Op: op, Path: path, Err: ErrBadPath}
}

// MissingNode returns a *PathError wrapping ErrMissingNode.
func MissingNode(op, path string) error {
	return &PathError{Op: op, Path: path, Err: ErrMissingNode}
}

// AddDuplicate returns a *PathError wrapping ErrAddDuplicate.
func AddDuplicate(op, path string) error {
	return &PathError{Op: op, Path: path, Err: ErrAddDuplicate}
}

// LocalChanged returns a *PathError wrapping ErrLocalChanged. expected is
// the version reconciliation read and current the one found; "" means
// absent.
func LocalChanged(path, expected, current string) error {
	return &PathError{
		Op:   "write local",
		Path: path,
		Err:  fmt.Errorf("%w (expected %q, found %q)", ErrLocalChanged, expected, current),
	}
}

// ConflictError describes a save conflict. Expected and Current hold the
// version tokens that disagreed; either may be empty when a side was absent.
type ConflictError struct {
	Path     string
	Expected string
	Current  string
	Reason   string
	// Shape marks a directory-vs-file collision.
	Shape bool
}

func (e *ConflictError) Error() string {
	kind := "save conflict"
	if e.Shape {
		kind = "path shape conflict"
	}
	msg := fmt.Sprintf("%s at %q", kind, e.Path)
	if e.Expected != "" || e.Current != "" {
		msg += fmt.Sprintf(" (expected %q, found %q)", e.Expected, e.Current)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is reports whether target is ErrSaveConflict, or ErrPathShapeConflict
// for shape conflicts.
func (e *ConflictError) Is(target error) bool {
	if target == ErrSaveConflict {
		return true
	}
	return e.Shape && target == ErrPathShapeConflict
}

// Conflict builds a *ConflictError for path.
func Conflict(path, expected, current, reason string) error {
	return &ConflictError{Path: path, Expected: expected, Current: current, Reason: reason}
}

// ShapeConflict builds a *ConflictError for an ancestor of path that is
// a file where a directory is required.
func ShapeConflict(path, ancestor, version string) error {
	return &ConflictError{
		Path:     path,
		Expected: "dir",
		Current:  version,
		Reason:   fmt.Sprintf("ancestor %q is not a directory", ancestor),
		Shape:    true,
	}
}

// InvariantError is the panic value used when a state pair outside the
// reachable set is observed. It signals broken baseline bookkeeping in the
// driver and must not be recovered and retried.
type InvariantError struct {
	Path   string
	Remote string
	Local  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation at %q: unreachable state pair (%s, %s)", e.Path, e.Remote, e.Local)
}

// IsRetryable returns true if reconciliation should be retried from
// scratch after this error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Exhausted budgets already went through the retry loop
	if errors.Is(err, ErrRetryBudgetExhausted) {
		return false
	}

	return errors.Is(err, ErrSaveConflict) ||
		errors.Is(err, ErrPathShapeConflict) ||
		errors.Is(err, ErrLocalChanged)
}

// IsCallerError returns true if the error reflects a mistake in the
// caller's request rather than a data condition. These are never retried
// inside the core.
func IsCallerError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrBadPath) ||
		errors.Is(err, ErrMissingNode) ||
		errors.Is(err, ErrAddDuplicate)
}

// IsUserActionRequired returns true if the error requires user
// intervention, such as a conflict that kept recurring after retries.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRetryBudgetExhausted) {
		return true
	}

	// Shape conflicts need a rename on one side
	return errors.Is(err, ErrPathShapeConflict)
}

// IsFatal returns true if the error is an invariant violation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var inv *InvariantError
	return errors.As(err, &inv)
}
