// Package errors defines the closed set of failures the cache core and the
// WebDAV client can report. Callers branch on them with errors.As or the
// helpers below; nothing outside this set crosses the core boundary.
package errors

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrStaleCache signals that a cached record no longer matches the remote
// resource. It drives reconciliation and is never returned to the
// filesystem layer.
var ErrStaleCache = errors.New("stale cache entry detected")

// InvalidPathError reports a path that cannot be parsed.
type InvalidPathError struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// NewInvalidPath creates an InvalidPathError.
func NewInvalidPath(path, reason string) error {
	return &InvalidPathError{Path: path, Reason: reason}
}

// Kind classifies a failed remote operation.
type Kind int

const (
	KindTransport Kind = iota
	KindNotFound
	KindForbidden
	KindRedirected
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindForbidden:
		return "forbidden"
	case KindRedirected:
		return "redirected"
	case KindConflict:
		return "conflict"
	default:
		return "transport"
	}
}

// WebdavError represents a failed WebDAV request.
type WebdavError struct {
	Kind       Kind
	Op         string
	Path       string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *WebdavError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *WebdavError) Unwrap() error {
	return e.Err
}

// NewWebdavError creates a WebdavError.
func NewWebdavError(kind Kind, op, path string, status int, cause error) error {
	return &WebdavError{Kind: kind, Op: op, Path: path, StatusCode: status, Err: cause}
}

// IoError represents a failed local disk operation.
type IoError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *IoError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *IoError) Unwrap() error {
	return e.Err
}

// Errno returns the OS error code carried by the cause, or EIO.
func (e *IoError) Errno() syscall.Errno {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return syscall.EIO
}

// NewIoError wraps a local disk failure. A nil cause yields nil.
func NewIoError(op, path string, cause error) error {
	if cause == nil {
		return nil
	}
	return &IoError{Op: op, Path: path, Err: cause}
}

// KindOf returns the kind of a WebdavError in err's chain.
func KindOf(err error) (Kind, bool) {
	var werr *WebdavError
	if errors.As(err, &werr) {
		return werr.Kind, true
	}
	return KindTransport, false
}

// IsNotFound reports whether err is a remote not-found failure.
func IsNotFound(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindNotFound
}

// IsForbidden reports whether err is a remote permission failure.
func IsForbidden(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindForbidden
}

// IsInvalidPath reports whether err is an InvalidPathError.
func IsInvalidPath(err error) bool {
	var perr *InvalidPathError
	return errors.As(err, &perr)
}

// IsIo reports whether err is a local disk failure.
func IsIo(err error) bool {
	var ioErr *IoError
	return errors.As(err, &ioErr)
}

// Is, As and New are re-exported so callers importing this package under the
// name errors keep the standard helpers.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
