package cache

import (
	"fmt"

	derrors "github.com/javi11/davmount/internal/errors"
)

// Verdict is the outcome of comparing a cached record with fresh remote
// metadata.
type Verdict int

const (
	// Fresh means the cached record and any materialized content can be
	// served as is.
	Fresh Verdict = iota
	// Touched means only the modification time moved while the content
	// is known to be identical. The record is updated in place and the
	// materialized content is kept.
	Touched
	// Modified means the remote content changed. The record and any
	// materialized content must be dropped.
	Modified
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case Touched:
		return "touched"
	default:
		return "modified"
	}
}

// Decision is a verdict together with the rule that produced it.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Err returns an error wrapping ErrStaleCache when the decision demands
// invalidation, and nil otherwise.
func (d Decision) Err() error {
	if d.Verdict != Modified {
		return nil
	}
	return fmt.Errorf("%w: %s", derrors.ErrStaleCache, d.Reason)
}

// Reconcile decides whether cached still describes the resource that remote
// was just fetched for.
//
// An entity tag present on both sides is authoritative: differing tags mean
// modified regardless of size and time, equal tags mean the content is
// unchanged and a moved mtime is a metadata-only touch. Without a tag on
// both sides, the (mtime, size) pair decides and any single mismatch is
// enough to declare the cached copy stale.
func Reconcile(cached, remote Record) Decision {
	if cached.IsDir() != remote.IsDir() {
		return Decision{Verdict: Modified, Reason: "resource type changed"}
	}

	if cached.HasETag() && remote.HasETag() {
		if cached.ETag != remote.ETag {
			return Decision{Verdict: Modified, Reason: "etag changed"}
		}
		if !cached.Mtime.Equal(remote.Mtime) {
			return Decision{Verdict: Touched, Reason: "mtime moved, etag unchanged"}
		}
		return Decision{Verdict: Fresh, Reason: "etag unchanged"}
	}

	if cached.Size != remote.Size {
		return Decision{Verdict: Modified, Reason: "size changed"}
	}
	if !cached.Mtime.Equal(remote.Mtime) {
		return Decision{Verdict: Modified, Reason: "mtime changed without etag"}
	}
	return Decision{Verdict: Fresh, Reason: "mtime and size unchanged"}
}

// Merge folds fresh remote metadata into a cached record that Reconcile
// did not declare modified. Permission bits survive when remote carries
// none, as with HEAD responses, and a tag first seen on the remote side is
// adopted.
func Merge(cached, remote Record) Record {
	merged := cached
	merged.Mtime = remote.Mtime
	merged.Size = remote.Size
	if remote.HasETag() {
		merged.ETag = remote.ETag
	}
	if !remote.Ctime.IsZero() {
		merged.Ctime = remote.Ctime
	}
	if remote.Perm() != 0 && remote.Mode&ModeTypeMask == cached.Mode&ModeTypeMask {
		merged.Mode = remote.Mode
	}
	return merged
}
