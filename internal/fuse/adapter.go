package fuse

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/javi11/davmount/internal/cache"
	"github.com/javi11/davmount/internal/davfs"
	derrors "github.com/javi11/davmount/internal/errors"
)

// Session is the part of the cached filesystem the kernel adapter drives.
type Session interface {
	Stat(ctx context.Context, path string) (cache.Record, error)
	ListDir(ctx context.Context, path string) ([]davfs.DirEntry, error)
	Open(ctx context.Context, path string, flags int) (davfs.HandleID, error)
	Create(ctx context.Context, path string, perm uint32) (davfs.HandleID, cache.Record, error)
	Mkdir(ctx context.Context, path string) (cache.Record, error)
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Chmod(ctx context.Context, path string, perm uint32) error
	Truncate(ctx context.Context, path string, size int64) error
	TruncateHandle(id davfs.HandleID, size int64) error
	ReadAt(id davfs.HandleID, p []byte, off int64) (int, error)
	WriteAt(id davfs.HandleID, p []byte, off int64) (int, error)
	Flush(ctx context.Context, id davfs.HandleID) error
	CloseAndFlush(ctx context.Context, id davfs.HandleID) error
	Statfs() davfs.StatfsInfo
}

var _ Session = (*davfs.Filesystem)(nil)

// owner is reported for every node.
type owner struct {
	uid uint32
	gid uint32
}

// Dir is a folder of the mounted collection.
type Dir struct {
	fs.Inode
	session Session
	path    string
	owner   owner
	logger  *slog.Logger
}

// Ensure Dir implements the necessary interfaces
var _ fs.NodeGetattrer = (*Dir)(nil)
var _ fs.NodeSetattrer = (*Dir)(nil)
var _ fs.NodeLookuper = (*Dir)(nil)
var _ fs.NodeReaddirer = (*Dir)(nil)
var _ fs.NodeCreater = (*Dir)(nil)
var _ fs.NodeMkdirer = (*Dir)(nil)
var _ fs.NodeUnlinker = (*Dir)(nil)
var _ fs.NodeRmdirer = (*Dir)(nil)
var _ fs.NodeRenamer = (*Dir)(nil)
var _ fs.NodeStatfser = (*Dir)(nil)

// NewRoot creates the node for the mount point.
func NewRoot(session Session, uid, gid uint32, logger *slog.Logger) *Dir {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dir{
		session: session,
		owner:   owner{uid: uid, gid: gid},
		logger:  logger,
	}
}

func (d *Dir) child(name string) string {
	return path.Join(d.path, name)
}

func (d *Dir) newChild(ctx context.Context, name string, rec cache.Record) *fs.Inode {
	p := d.child(name)
	if rec.IsDir() {
		node := &Dir{session: d.session, path: p, owner: d.owner, logger: d.logger}
		return d.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR})
	}
	node := &File{session: d.session, path: p, owner: d.owner, logger: d.logger}
	return d.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFREG})
}

// Getattr implements fs.NodeGetattrer
func (d *Dir) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	rec, err := d.session.Stat(ctx, d.path)
	if err != nil {
		return toErrno(err, opStat)
	}
	fillAttr(rec, &out.Attr, d.owner)
	return 0
}

// Setattr implements fs.NodeSetattrer. Only the permission bits of a folder
// can change.
func (d *Dir) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if mode, ok := in.GetMode(); ok {
		if err := d.session.Chmod(ctx, d.path, mode); err != nil {
			return toErrno(err, opWrite)
		}
	}
	return d.Getattr(ctx, f, out)
}

// Lookup implements fs.NodeLookuper
func (d *Dir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rec, err := d.session.Stat(ctx, d.child(name))
	if err != nil {
		return nil, toErrno(err, opStat)
	}
	fillAttr(rec, &out.Attr, d.owner)
	return d.newChild(ctx, name, rec), 0
}

// Readdir implements fs.NodeReaddirer
func (d *Dir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := d.session.ListDir(ctx, d.path)
	if err != nil {
		return nil, toErrno(err, opStat)
	}

	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.Record.IsDir() {
			mode = syscall.S_IFDIR
		}
		list = append(list, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(list), 0
}

// Create implements fs.NodeCreater
func (d *Dir) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := d.child(name)
	id, rec, err := d.session.Create(ctx, p, mode&cache.ModePermMask)
	if err != nil {
		d.logger.DebugContext(ctx, "Create failed", "path", p, "error", err)
		return nil, nil, 0, toErrno(err, opWrite)
	}
	fillAttr(rec, &out.Attr, d.owner)
	node := d.newChild(ctx, name, rec)
	return node, &FileHandle{id: id}, 0, 0
}

// Mkdir implements fs.NodeMkdirer. The mode is not sent to the server.
func (d *Dir) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := d.child(name)
	rec, err := d.session.Mkdir(ctx, p)
	if err != nil {
		d.logger.DebugContext(ctx, "Mkdir failed", "path", p, "error", err)
		return nil, toErrno(err, opWrite)
	}
	fillAttr(rec, &out.Attr, d.owner)
	return d.newChild(ctx, name, rec), 0
}

// Unlink implements fs.NodeUnlinker
func (d *Dir) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(d.session.Remove(ctx, d.child(name)), opDelete)
}

// Rmdir implements fs.NodeRmdirer. A DELETE on a collection is recursive,
// so the folder is listed first and refused unless empty.
func (d *Dir) Rmdir(ctx context.Context, name string) syscall.Errno {
	p := d.child(name)
	entries, err := d.session.ListDir(ctx, p)
	if err != nil {
		return toErrno(err, opDelete)
	}
	if len(entries) > 0 {
		return syscall.ENOTEMPTY
	}
	return toErrno(d.session.Remove(ctx, p), opDelete)
}

// Rename implements fs.NodeRenamer
func (d *Dir) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}
	target, ok := newParent.(*Dir)
	if !ok {
		return syscall.EXDEV
	}

	oldPath := d.child(name)
	newPath := target.child(newName)
	if err := d.session.Rename(ctx, oldPath, newPath); err != nil {
		d.logger.DebugContext(ctx, "Rename failed", "from", oldPath, "to", newPath, "error", err)
		return toErrno(err, opWrite)
	}
	return 0
}

// Statfs implements fs.NodeStatfser
func (d *Dir) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st := d.session.Statfs()
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.NameLen = st.NameLen
	return 0
}

// File is a regular file of the mounted collection.
type File struct {
	fs.Inode
	session Session
	path    string
	owner   owner
	logger  *slog.Logger
}

var _ fs.NodeGetattrer = (*File)(nil)
var _ fs.NodeSetattrer = (*File)(nil)
var _ fs.NodeOpener = (*File)(nil)
var _ fs.NodeReader = (*File)(nil)
var _ fs.NodeWriter = (*File)(nil)
var _ fs.NodeFlusher = (*File)(nil)
var _ fs.NodeReleaser = (*File)(nil)
var _ fs.NodeFsyncer = (*File)(nil)

// Getattr implements fs.NodeGetattrer
func (f *File) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	rec, err := f.session.Stat(ctx, f.path)
	if err != nil {
		return toErrno(err, opStat)
	}
	fillAttr(rec, &out.Attr, f.owner)
	return 0
}

// Setattr implements fs.NodeSetattrer. Size changes go through the open
// handle when the kernel supplies one. Time changes are accepted and
// ignored.
func (f *File) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if mode, ok := in.GetMode(); ok {
		if err := f.session.Chmod(ctx, f.path, mode); err != nil {
			return toErrno(err, opWrite)
		}
	}

	if size, ok := in.GetSize(); ok {
		var err error
		if h, isHandle := fh.(*FileHandle); isHandle {
			err = f.session.TruncateHandle(h.id, int64(size))
		} else {
			err = f.session.Truncate(ctx, f.path, int64(size))
		}
		if err != nil {
			return toErrno(err, opWrite)
		}
	}

	return f.Getattr(ctx, fh, out)
}

// Open implements fs.NodeOpener
func (f *File) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	id, err := f.session.Open(ctx, f.path, int(flags))
	if err != nil {
		f.logger.DebugContext(ctx, "Open failed", "path", f.path, "error", err)
		return nil, 0, toErrno(err, opOpen)
	}
	return &FileHandle{id: id}, 0, 0
}

// Read implements fs.NodeReader
func (f *File) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*FileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	n, err := f.session.ReadAt(h.id, dest, off)
	if err != nil {
		f.logger.ErrorContext(ctx, "Read failed", "path", f.path, "offset", off, "error", err)
		return nil, toErrno(err, opRead)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write implements fs.NodeWriter
func (f *File) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	h, ok := fh.(*FileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	n, err := f.session.WriteAt(h.id, data, off)
	if err != nil {
		f.logger.ErrorContext(ctx, "Write failed", "path", f.path, "offset", off, "error", err)
		return uint32(n), toErrno(err, opWrite)
	}
	return uint32(n), 0
}

// Flush implements fs.NodeFlusher. It runs on every close(2), so a failed
// upload is reported to the closing process.
func (f *File) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	h, ok := fh.(*FileHandle)
	if !ok {
		return syscall.EBADF
	}
	if err := f.session.Flush(ctx, h.id); err != nil {
		f.logger.ErrorContext(ctx, "Write-back failed", "path", f.path, "error", err)
		return toErrno(err, opWrite)
	}
	return 0
}

// Fsync implements fs.NodeFsyncer
func (f *File) Fsync(ctx context.Context, fh fs.FileHandle, flags uint32) syscall.Errno {
	return f.Flush(ctx, fh)
}

// Release implements fs.NodeReleaser. The kernel ignores the result, so
// failures are only logged.
func (f *File) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	h, ok := fh.(*FileHandle)
	if !ok {
		return 0
	}
	if err := f.session.CloseAndFlush(ctx, h.id); err != nil {
		f.logger.ErrorContext(ctx, "Release failed", "path", f.path, "error", err)
	}
	return 0
}

// FileHandle identifies an open file in the session.
type FileHandle struct {
	id davfs.HandleID
}

type op int

const (
	opStat op = iota
	opOpen
	opRead
	opWrite
	opDelete
)

// toErrno maps session errors to the errno reported to the kernel.
func toErrno(err error, o op) syscall.Errno {
	if err == nil {
		return 0
	}
	if errors.Is(err, davfs.ErrBadHandle) {
		return syscall.EBADF
	}
	if derrors.IsInvalidPath(err) {
		return syscall.EINVAL
	}

	kind, ok := derrors.KindOf(err)
	if !ok {
		var ioErr *derrors.IoError
		if errors.As(err, &ioErr) {
			return ioErr.Errno()
		}
		return syscall.EIO
	}
	switch kind {
	case derrors.KindNotFound, derrors.KindConflict:
		return syscall.ENOENT
	case derrors.KindForbidden:
		if o == opDelete {
			return syscall.EPERM
		}
		return syscall.EACCES
	default:
		return syscall.EIO
	}
}

// fillAttr fills a fuse.Attr from a cached record.
func fillAttr(rec cache.Record, out *fuse.Attr, o owner) {
	out.Mode = rec.Mode
	out.Size = uint64(rec.Size)
	out.Blocks = rec.Blocks()
	out.Blksize = 4096
	out.Owner = fuse.Owner{Uid: o.uid, Gid: o.gid}

	mtime := unixTime(rec.Mtime)
	ctime := mtime
	if !rec.Ctime.IsZero() {
		ctime = unixTime(rec.Ctime)
	}
	out.Mtime = mtime
	out.Atime = mtime
	out.Ctime = ctime

	if rec.IsDir() {
		out.Nlink = 2
	} else {
		out.Nlink = 1
	}
}

func unixTime(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}
