package davfs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/javi11/davmount/internal/cache"
)

// RemoteMetadataFetcher is the part of the server the consistency core
// reads from and writes content back to.
type RemoteMetadataFetcher interface {
	Propfind(ctx context.Context, key string, depth int) (map[string]cache.Record, error)
	Head(ctx context.Context, key string) (cache.Record, error)
	Get(ctx context.Context, key string, w io.WriterAt) (cache.Record, error)
	Put(ctx context.Context, key string, r io.ReaderAt, size int64) error
}

// Remote adds the namespace mutations to RemoteMetadataFetcher.
type Remote interface {
	RemoteMetadataFetcher
	Mkcol(ctx context.Context, key string) error
	Delete(ctx context.Context, key string) error
	Move(ctx context.Context, src, dst string, overwrite bool) error
	Proppatch(ctx context.Context, key string, executable bool, perm uint32) error
}

// Locker takes and releases server-side write locks.
type Locker interface {
	Lock(ctx context.Context, key string, timeout time.Duration) error
	Unlock(ctx context.Context, key string) error
	ReleaseAll(ctx context.Context) error
}

// LockMode selects when files are locked on the server.
type LockMode string

const (
	// LockNone never locks.
	LockNone LockMode = "none"
	// LockSimple locks on open for writing and unlocks on close.
	LockSimple LockMode = "simple"
	// LockAdvanced locks on open for writing and unlocks once the content
	// has been written back.
	LockAdvanced LockMode = "advanced"
	// LockEternity locks on every open and unlocks only on unmount, remove
	// or rename.
	LockEternity LockMode = "eternity"
)

// ParseLockMode validates a lock mode name, ignoring case. The empty string
// means LockNone.
func ParseLockMode(s string) (LockMode, error) {
	switch m := LockMode(strings.ToLower(s)); m {
	case "", LockNone:
		return LockNone, nil
	case LockSimple, LockAdvanced, LockEternity:
		return m, nil
	default:
		return LockNone, fmt.Errorf("unknown lock mode %q", s)
	}
}

// lockOnOpen reports whether an open in this mode takes a lock.
func (m LockMode) lockOnOpen(writable bool) bool {
	switch m {
	case LockEternity:
		return true
	case LockSimple, LockAdvanced:
		return writable
	default:
		return false
	}
}
