package moz

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on failure category
// without string-matching, mirroring the sentinel-plus-kind style used
// throughout the storage layer beneath this package.
type Kind int

const (
	// KindInvalidValue covers malformed arguments: an empty path, a
	// zero-sized range, etc.
	KindInvalidValue Kind = iota
	// KindIO covers underlying file-system failures: open, read, write,
	// fsync, rename.
	KindIO
	// KindCorruption covers on-disk structures that fail their own
	// internal consistency checks (bad magic, truncated record, short
	// bitmap).
	KindCorruption
	// KindCapacityExceeded is surfaced only if a configured capacity is
	// unsatisfiable (e.g. a memtable budget too small to hold even one
	// entry); the normal full-memtable condition is handled internally
	// by freezing and flushing, never surfaced to callers.
	KindCapacityExceeded
	// KindAlreadyExists is returned by Create when the target path holds
	// a database already.
	KindAlreadyExists
	// KindNotFound is returned by Open when the target path holds no
	// database, and by operations on a closed DB.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidValue:
		return "invalid_value"
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindAlreadyExists:
		return "already_exists"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind, so callers can do
// errors.Is(err, moz.ErrClosed) or inspect moz.KindOf(err) without parsing
// error strings.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("moz: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("moz: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind of err if it (or something it wraps) is a
// *Error, or KindIO if it isn't one of ours — most unwrapped failures
// reaching a caller originate below this package, at the file system.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}

// Sentinel errors for the common, no-extra-context cases.
var (
	// ErrClosed is returned by any operation called after Close.
	ErrClosed = &Error{Kind: KindNotFound, Op: "db", Err: errors.New("database is closed")}
	// ErrAlreadyExists is returned by Create when path already holds a
	// database.
	ErrAlreadyExists = &Error{Kind: KindAlreadyExists, Op: "create", Err: errors.New("database already exists")}
	// ErrNotFound is returned by Open when path holds no database.
	ErrNotFound = &Error{Kind: KindNotFound, Op: "open", Err: errors.New("no database at path")}
)
