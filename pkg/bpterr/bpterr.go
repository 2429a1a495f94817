// Package bpterr defines the error taxonomy shared by every layer of the
// tree: the algorithmic core, the MVCC transaction layer, and the query
// planner all report failures through the same small set of kinds so a
// caller can branch on Kind once instead of chasing sentinel values
// through every package.
package bpterr

import "fmt"

// Kind classifies why an operation failed.
type Kind int

const (
	// InvalidOrder is returned when a tree is opened with order < 3.
	InvalidOrder Kind = iota
	// MissingNode means the backend returned nothing for an id the tree
	// expected to exist. Fatal for the current operation.
	MissingNode
	// DeletedNodeRead means a transaction tried to read an id it has
	// already deleted in its own working set.
	DeletedNodeRead
	// CommitConflict means a commit lost the head-version CAS race.
	// Non-fatal: the caller may rebuild the transaction and retry.
	CommitConflict
	// LifecycleViolation covers double init/clear, nested init/clear, and
	// operations attempted on a terminated transaction.
	LifecycleViolation
	// InvalidCondition means a query carried no recognisable operator.
	InvalidCondition
	// BackendError wraps a failure surfaced by the storage backend.
	BackendError
)

func (k Kind) String() string {
	switch k {
	case InvalidOrder:
		return "InvalidOrder"
	case MissingNode:
		return "MissingNode"
	case DeletedNodeRead:
		return "DeletedNodeRead"
	case CommitConflict:
		return "CommitConflict"
	case LifecycleViolation:
		return "LifecycleViolation"
	case InvalidCondition:
		return "InvalidCondition"
	case BackendError:
		return "BackendError"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type produced by this module. Op names the
// operation that failed (e.g. "Tree.Insert"); Err, when non-nil, wraps the
// underlying cause (a backend error, typically).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("bptree: %s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("bptree: %s: %v", e.Kind, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("bptree: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("bptree: %s", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on Kind alone, so a caller can write
// errors.Is(err, bpterr.ErrCommitConflict) regardless of Op/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for the common errors.Is comparisons.
var (
	ErrInvalidOrder       = &Error{Kind: InvalidOrder}
	ErrMissingNode        = &Error{Kind: MissingNode}
	ErrDeletedNodeRead    = &Error{Kind: DeletedNodeRead}
	ErrCommitConflict     = &Error{Kind: CommitConflict}
	ErrLifecycleViolation = &Error{Kind: LifecycleViolation}
	ErrInvalidCondition   = &Error{Kind: InvalidCondition}
)

// New builds an *Error carrying the given kind and operation name.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds a BackendError that wraps err, unless err is already a
// *Error produced by this package, in which case it is returned unchanged
// (so wrapping is idempotent across layers).
func Wrap(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: BackendError, Op: op, Err: err}
}
