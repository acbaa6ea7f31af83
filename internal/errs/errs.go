// Package errs defines the error taxonomy shared by the storage backends,
// the redaction engine and the search engine. Every failure that can reach
// a caller carries a Kind so the CLI can report a specific cause without
// string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero value and never set explicitly.
	KindUnknown Kind = iota

	// KindIO covers unreadable or unwritable files and databases.
	KindIO

	// KindParse covers malformed legacy records and corrupt store rows.
	KindParse

	// KindPattern covers invalid regular expressions in custom, exclude
	// or search patterns.
	KindPattern

	// KindUnsupported marks an operation not available on the active
	// backend.
	KindUnsupported

	// KindConstraint covers foreign-key and uniqueness violations,
	// surfaced during merge and migrate.
	KindConstraint

	// KindNotFound marks a referenced command, session, host or token
	// that does not exist.
	KindNotFound

	// KindLocked marks concurrent-write contention, including lock
	// acquisition timeouts.
	KindLocked
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io_failure"
	case KindParse:
		return "parse_failure"
	case KindPattern:
		return "pattern_error"
	case KindUnsupported:
		return "backend_unsupported"
	case KindConstraint:
		return "constraint_violation"
	case KindNotFound:
		return "not_found"
	case KindLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with a formatted message instead of a wrapped cause.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Unsupported reports that op is not available on the named backend.
func Unsupported(op, backend string) error {
	return Errorf(KindUnsupported, op, "operation %q is not supported by the %s backend", op, backend)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
