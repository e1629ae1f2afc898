// Package cache holds the consistency core of the mount: the attribute
// index of remote resources, the on-disk copies of their content, the rules
// deciding whether a cached copy still matches the server, and the snapshot
// that carries the index across mounts.
package cache

import (
	"fmt"
	"time"
)

// Mode type bits, matching the POSIX st_mode layout.
const (
	ModeTypeMask uint32 = 0o170000
	ModeDir      uint32 = 0o040000
	ModeRegular  uint32 = 0o100000
	ModePermMask uint32 = 0o7777
)

// Default permissions for resources whose server does not report any.
const (
	DefaultDirPerm  uint32 = 0o777
	DefaultFilePerm uint32 = 0o666

	// DirSize is the size reported for collections.
	DirSize int64 = 4096
)

// Record is the last known remote state of one resource. Times are kept in
// UTC. An empty ETag means the server did not supply a usable one.
type Record struct {
	Mode  uint32
	Size  int64
	Mtime time.Time
	Ctime time.Time
	ETag  string
}

// NewFileRecord builds a regular file record.
func NewFileRecord(size int64, mtime time.Time, etag string) Record {
	return Record{
		Mode:  ModeRegular | DefaultFilePerm,
		Size:  size,
		Mtime: utc(mtime),
		ETag:  etag,
	}
}

// NewDirRecord builds a collection record.
func NewDirRecord(mtime time.Time) Record {
	return Record{
		Mode:  ModeDir | DefaultDirPerm,
		Size:  DirSize,
		Mtime: utc(mtime),
	}
}

// IsDir reports whether the record describes a collection.
func (r Record) IsDir() bool {
	return r.Mode&ModeTypeMask == ModeDir
}

// HasETag reports whether the record carries an entity tag.
func (r Record) HasETag() bool {
	return r.ETag != ""
}

// Perm returns the permission bits.
func (r Record) Perm() uint32 {
	return r.Mode & ModePermMask
}

// WithPerm returns a copy of r with its permission bits replaced.
func (r Record) WithPerm(perm uint32) Record {
	r.Mode = r.Mode&ModeTypeMask | perm&ModePermMask
	return r
}

// Blocks returns the number of 512 byte blocks the content occupies.
func (r Record) Blocks() uint64 {
	if r.Size <= 0 {
		return 0
	}
	return uint64(r.Size+511) / 512
}

func (r Record) String() string {
	kind := "file"
	if r.IsDir() {
		kind = "dir"
	}
	etag := r.ETag
	if etag == "" {
		etag = "-"
	}
	return fmt.Sprintf("%s size=%d mtime=%d etag=%s mode=%o", kind, r.Size, r.Mtime.Unix(), etag, r.Perm())
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
