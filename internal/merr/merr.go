// Package merr defines the error kinds shared across the memory-access
// pipeline. Callers that need to branch on failure mode (retry a
// connector I/O error, but not a page fault) use errors.As against Error
// and switch on Kind, rather than string-matching error text.
package merr

import "fmt"

// Kind classifies an Error. The set is closed: new failure modes belong in
// this file, not as ad-hoc sentinel errors scattered through the tree.
type Kind uint8

const (
	// PageNotPresent means a page-table walk reached a not-present entry.
	PageNotPresent Kind = iota
	// InvalidArchitecture means an operation was asked to use an
	// architecture ident it doesn't recognize, or a DTB incompatible with
	// the selected architecture.
	InvalidArchitecture
	// OutOfBounds means an address or range fell outside every mapped
	// region of a MemoryMap.
	OutOfBounds
	// ConnectorIO means the underlying connector failed to service a read
	// or write. Detail distinguishes the connector-level operation.
	ConnectorIO
	// NotFound means a lookup (process, module, symbol) had no match.
	NotFound
	// PDB means symbol/PDB resolution failed. memprobe does not implement
	// PDB parsing itself; this kind exists so a future resolver has
	// somewhere to report into.
	PDB
)

func (k Kind) String() string {
	switch k {
	case PageNotPresent:
		return "page not present"
	case InvalidArchitecture:
		return "invalid architecture"
	case OutOfBounds:
		return "out of bounds"
	case ConnectorIO:
		return "connector I/O"
	case NotFound:
		return "not found"
	case PDB:
		return "pdb"
	default:
		return fmt.Sprintf("merr.Kind(%d)", uint8(k))
	}
}

// Detail further narrows a ConnectorIO error to the operation that failed.
type Detail uint8

const (
	DetailNone Detail = iota
	DetailSeek
	DetailRead
	DetailWrite
	DetailMap
)

func (d Detail) String() string {
	switch d {
	case DetailSeek:
		return "seek"
	case DetailRead:
		return "read"
	case DetailWrite:
		return "write"
	case DetailMap:
		return "map"
	default:
		return ""
	}
}

// Error is the concrete error type returned throughout the pipeline.
type Error struct {
	Kind    Kind
	Detail  Detail
	Message string
	Err     error
}

func (e *Error) Error() string {
	head := e.Kind.String()
	if e.Detail != DetailNone {
		head = fmt.Sprintf("%s (%s)", e.Kind, e.Detail)
	}
	switch {
	case e.Message != "":
		return fmt.Sprintf("%s: %s", head, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", head, e.Err)
	default:
		return head
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that wraps an underlying cause.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithDetail builds a ConnectorIO-style Error carrying an operation Detail.
func WithDetail(kind Kind, detail Detail, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Is reports whether err is an *Error of the given Kind, following wrapped
// causes the way errors.Is would.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
