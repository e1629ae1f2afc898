package davfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/javi11/davmount/internal/cache"
	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/spf13/afero"
)

// HandleID identifies an open file. Zero is never a valid handle.
type HandleID uint64

type handle struct {
	key      string
	file     *openFile
	writable bool
	// result of the last failed Flush, cleared by the next modification
	flushErr error
}

// openFile is the materialized content of one key. It outlives its handles
// while dirty, so that a failed write-back can be retried by the next close.
type openFile struct {
	f     afero.File
	refs  int
	dirty bool
	// detached from the key after the record was invalidated
	stale bool
}

func (of *openFile) close(logger *slog.Logger, key string) {
	if of.f == nil {
		return
	}
	if err := of.f.Close(); err != nil {
		logger.Warn("Failed to close cached file", "path", key, "error", err)
	}
	of.f = nil
}

// Open materializes path and returns a handle to it. flags are the open(2)
// flags: a write mode takes a server lock depending on the lock mode, and
// O_TRUNC skips the download since the content is about to be discarded.
func (f *Filesystem) Open(ctx context.Context, path string, flags int) (HandleID, error) {
	key, err := f.key(path)
	if err != nil {
		return 0, err
	}
	writable := flags&(os.O_WRONLY|os.O_RDWR) != 0
	truncate := writable && flags&os.O_TRUNC != 0

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.lockForOpen(ctx, key, writable); err != nil {
		return 0, err
	}

	of, err := f.materialize(ctx, key, truncate)
	if err != nil {
		f.unlockAfterFailedOpen(ctx, key)
		return 0, err
	}
	if truncate {
		if err := f.truncateFile(key, of, 0); err != nil {
			if of.refs == 0 && !of.dirty {
				f.dropContent(key)
			}
			f.unlockAfterFailedOpen(ctx, key)
			return 0, err
		}
	}

	return f.newHandle(key, of, writable), nil
}

// materialize returns usable local content for key, reconciling the cached
// record with a HEAD response first.
func (f *Filesystem) materialize(ctx context.Context, key string, skipDownload bool) (*openFile, error) {
	if of, ok := f.content[key]; ok && of.dirty {
		// unsaved local changes win over whatever the server has
		return of, nil
	}

	remote, err := f.remote.Head(ctx, key)
	if err != nil {
		if derrors.IsNotFound(err) {
			f.attrs.RemoveTree(key)
		}
		return nil, err
	}

	cached, ok := f.attrs.Get(key)
	if !ok {
		f.attrs.Update(key, adopt(cache.Record{}, false, remote))
		f.negative.Remove(key)
		return f.download(ctx, key, skipDownload)
	}

	decision := cache.Reconcile(cached, remote)
	if decision.Verdict == cache.Modified {
		f.logger.DebugContext(ctx, "Cached copy is stale, fetching again", "path", key, "reason", decision.Reason)
		f.attrs.Remove(key)
		f.attrs.Update(key, adopt(cached, true, remote))
		return f.download(ctx, key, skipDownload)
	}

	merged := cache.Merge(cached, remote)
	f.attrs.Update(key, merged)

	of, attached := f.content[key]
	if !attached {
		file, fresh := f.files.OpenIfFresh(key, cached)
		if !fresh {
			return f.download(ctx, key, skipDownload)
		}
		of = &openFile{f: file}
		f.content[key] = of
		f.logger.DebugContext(ctx, "Cached copy restored from disk", "path", key)
	}

	if decision.Verdict == cache.Touched {
		f.logger.DebugContext(ctx, "Metadata touched, content kept", "path", key, "reason", decision.Reason)
		if err := f.files.Stamp(key, merged); err != nil {
			f.logger.WarnContext(ctx, "Failed to restamp cached file", "path", key, "error", err)
		}
	}
	return of, nil
}

// download creates fresh local content for key. With empty set nothing is
// fetched and the content starts out empty.
func (f *Filesystem) download(ctx context.Context, key string, empty bool) (*openFile, error) {
	if _, ok := f.content[key]; ok {
		f.dropContent(key)
	}

	file, err := f.files.Create(key)
	if err != nil {
		return nil, err
	}

	if !empty {
		got, err := f.remote.Get(ctx, key, file)
		if err != nil {
			_ = file.Close()
			if rmErr := f.files.Remove(key); rmErr != nil {
				f.logger.WarnContext(ctx, "Failed to remove partial download", "path", key, "error", rmErr)
			}
			if derrors.IsNotFound(err) {
				f.attrs.RemoveTree(key)
			}
			return nil, err
		}

		prior, ok := f.attrs.Get(key)
		rec := adopt(prior, ok, got)
		f.attrs.Update(key, rec)
		if err := f.files.Stamp(key, rec); err != nil {
			f.logger.WarnContext(ctx, "Failed to stamp downloaded file", "path", key, "error", err)
		}
		f.logger.DebugContext(ctx, "Downloaded", "path", key, "size", rec.Size)
	}

	of := &openFile{f: file}
	f.content[key] = of
	return of, nil
}

func (f *Filesystem) newHandle(key string, of *openFile, writable bool) HandleID {
	f.nextHandle++
	id := f.nextHandle
	of.refs++
	f.handles[id] = &handle{key: key, file: of, writable: writable}
	return id
}

func (f *Filesystem) handle(id HandleID) (*handle, error) {
	h, ok := f.handles[id]
	if !ok || h.file.f == nil {
		return nil, ErrBadHandle
	}
	return h, nil
}

// ReadAt reads from the materialized content of an open handle. A short
// read at the end of the file is not an error.
func (f *Filesystem) ReadAt(id HandleID, p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, err := f.handle(id)
	if err != nil {
		return 0, err
	}

	n, err := h.file.f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, derrors.NewIoError("read", h.key, err)
	}
	return n, nil
}

// WriteAt writes to the materialized content of an open handle and marks it
// modified.
func (f *Filesystem) WriteAt(id HandleID, p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, err := f.handle(id)
	if err != nil {
		return 0, err
	}

	n, err := h.file.f.WriteAt(p, off)
	if n > 0 {
		h.file.dirty = true
		h.flushErr = nil
		f.syncSize(h.key, h.file)
	}
	if err != nil {
		return n, derrors.NewIoError("write", h.key, err)
	}
	return n, nil
}

// MarkModified flags the content of a handle for write-back on close.
func (f *Filesystem) MarkModified(id HandleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, err := f.handle(id)
	if err != nil {
		return err
	}
	h.file.dirty = true
	return nil
}

// TruncateHandle resizes the content of an open handle.
func (f *Filesystem) TruncateHandle(id HandleID, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, err := f.handle(id)
	if err != nil {
		return err
	}
	if err := f.truncateFile(h.key, h.file, size); err != nil {
		return err
	}
	h.flushErr = nil
	return nil
}

// Truncate resizes the file at path through a transient handle. Truncating
// to zero never downloads the old content.
func (f *Filesystem) Truncate(ctx context.Context, path string, size int64) error {
	flags := os.O_RDWR
	if size == 0 {
		flags |= os.O_TRUNC
	}

	id, err := f.Open(ctx, path, flags)
	if err != nil {
		return err
	}
	if size > 0 {
		if err := f.TruncateHandle(id, size); err != nil {
			_ = f.CloseAndFlush(ctx, id)
			return err
		}
	}
	return f.CloseAndFlush(ctx, id)
}

func (f *Filesystem) truncateFile(key string, of *openFile, size int64) error {
	if err := of.f.Truncate(size); err != nil {
		return derrors.NewIoError("truncate", key, err)
	}
	of.dirty = true
	f.syncSize(key, of)
	return nil
}

// syncSize mirrors the local size of modified content into the cached
// record, so stat reflects writes before they reach the server.
func (f *Filesystem) syncSize(key string, of *openFile) {
	if of.stale {
		return
	}
	info, err := of.f.Stat()
	if err != nil {
		return
	}
	if rec, ok := f.attrs.Get(key); ok && rec.Size != info.Size() {
		rec.Size = info.Size()
		f.attrs.Update(key, rec)
	}
}

// Flush writes modified content of a handle back to the server. The handle
// stays open. A failure is remembered, so that closing the handle without
// further changes does not upload the same content again.
func (f *Filesystem) Flush(ctx context.Context, id HandleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, err := f.handle(id)
	if err != nil {
		return err
	}
	if !h.file.dirty {
		h.flushErr = nil
		return nil
	}
	h.flushErr = f.writeBack(ctx, h.key, h.file)
	return h.flushErr
}

// CloseAndFlush writes modified content back and releases the handle. When
// the write-back fails the content stays dirty and attached to its key, and
// the error is returned; the next close of the same file tries again. A
// handle whose last Flush failed is released without another upload and
// reports that failure.
func (f *Filesystem) CloseAndFlush(ctx context.Context, id HandleID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, ok := f.handles[id]
	if !ok {
		return ErrBadHandle
	}

	var flushErr error
	switch {
	case !h.file.dirty:
	case h.flushErr != nil:
		flushErr = h.flushErr
	case h.file.f != nil:
		flushErr = f.writeBack(ctx, h.key, h.file)
	}

	delete(f.handles, id)
	h.file.refs--

	if h.file.refs == 0 {
		switch {
		case h.file.stale:
			h.file.close(f.logger, h.key)
		case !h.file.dirty:
			h.file.close(f.logger, h.key)
			if f.content[h.key] == h.file {
				delete(f.content, h.key)
			}
		}
	}
	if h.writable && !f.openElsewhere(h.key) {
		f.unlockOnClose(ctx, h.key, flushErr == nil)
	}

	return flushErr
}

// writeBack uploads the content of of and refreshes the record of key from
// the server. Content is never uploaded twice for one modification.
func (f *Filesystem) writeBack(ctx context.Context, key string, of *openFile) error {
	info, err := of.f.Stat()
	if err != nil {
		return derrors.NewIoError("stat", key, err)
	}

	if err := f.remote.Put(ctx, key, of.f, info.Size()); err != nil {
		f.logger.ErrorContext(ctx, "Write-back failed", "path", key, "size", info.Size(), "error", err)
		return fmt.Errorf("write-back %s: %w", key, err)
	}
	of.dirty = false
	f.logger.DebugContext(ctx, "Written back", "path", key, "size", info.Size())

	prior, havePrior := f.attrs.Get(key)
	remote, err := f.remote.Head(ctx, key)
	if err != nil {
		// the upload succeeded; keep what we know locally
		f.logger.WarnContext(ctx, "Refreshing metadata after write-back failed", "path", key, "error", err)
		rec := cache.NewFileRecord(info.Size(), info.ModTime(), "")
		f.attrs.Update(key, adopt(prior, havePrior, rec))
		return nil
	}

	rec := adopt(prior, havePrior, remote)
	f.attrs.Update(key, rec)
	f.negative.Remove(key)
	if !of.stale {
		if err := f.files.Stamp(key, rec); err != nil {
			f.logger.WarnContext(ctx, "Failed to stamp written file", "path", key, "error", err)
		}
	}
	return nil
}

func (f *Filesystem) lockForOpen(ctx context.Context, key string, writable bool) error {
	if !f.lockMode.lockOnOpen(writable) {
		return nil
	}
	if err := f.locker.Lock(ctx, key, f.lockTimeout); err != nil {
		if writable {
			f.logger.WarnContext(ctx, "Lock refused, failing open for writing", "path", key, "error", err)
			return derrors.NewWebdavError(derrors.KindForbidden, "LOCK", key, 0, err)
		}
		f.logger.WarnContext(ctx, "Lock refused, continuing without it", "path", key, "error", err)
	}
	return nil
}

func (f *Filesystem) unlockAfterFailedOpen(ctx context.Context, key string) {
	if f.lockMode == LockEternity {
		return
	}
	if f.lockMode != LockNone && !f.openElsewhere(key) {
		f.unlock(ctx, key)
	}
}

func (f *Filesystem) unlockOnClose(ctx context.Context, key string, flushed bool) {
	switch f.lockMode {
	case LockSimple:
		f.unlock(ctx, key)
	case LockAdvanced:
		if flushed {
			f.unlock(ctx, key)
		}
	}
}

func (f *Filesystem) openElsewhere(key string) bool {
	for _, h := range f.handles {
		if h.key == key {
			return true
		}
	}
	return false
}

func (f *Filesystem) unlock(ctx context.Context, key string) {
	if f.locker == nil || f.lockMode == LockNone {
		return
	}
	if err := f.locker.Unlock(ctx, key); err != nil {
		f.logger.WarnContext(ctx, "Unlock failed", "path", key, "error", err)
	}
}
