package davfs

import (
	"context"
	"time"

	"github.com/javi11/davmount/internal/cache"
	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/javi11/davmount/internal/pathutil"
)

// Create makes an empty file at path on the server and opens it for
// writing. Nothing is downloaded.
func (f *Filesystem) Create(ctx context.Context, path string, perm uint32) (HandleID, cache.Record, error) {
	key, err := f.key(path)
	if err != nil {
		return 0, cache.Record{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.remote.Put(ctx, key, nil, 0); err != nil {
		return 0, cache.Record{}, err
	}
	f.negative.Remove(key)
	f.attrs.RemoveTree(key)

	if err := f.lockForOpen(ctx, key, true); err != nil {
		return 0, cache.Record{}, err
	}

	of, err := f.download(ctx, key, true)
	if err != nil {
		return 0, cache.Record{}, err
	}

	rec, err := f.remote.Head(ctx, key)
	if err != nil {
		f.logger.WarnContext(ctx, "Metadata of created file unavailable", "path", key, "error", err)
		rec = cache.NewFileRecord(0, time.Now(), "")
	}
	if perm&cache.ModePermMask != 0 {
		rec = rec.WithPerm(perm)
	}
	rec = adopt(cache.Record{}, false, rec)
	f.attrs.Update(key, rec)
	if err := f.files.Stamp(key, rec); err != nil {
		f.logger.WarnContext(ctx, "Failed to stamp created file", "path", key, "error", err)
	}

	return f.newHandle(key, of, true), rec, nil
}

// Mkdir creates the folder at path. The listing of the parent is left
// alone; it is refreshed the next time it is read.
func (f *Filesystem) Mkdir(ctx context.Context, path string) (cache.Record, error) {
	key, err := f.key(path)
	if err != nil {
		return cache.Record{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.remote.Mkcol(ctx, key); err != nil {
		return cache.Record{}, err
	}
	f.negative.RemovePrefix(key)
	f.attrs.RemoveTree(key)

	return f.stat(ctx, key)
}

// Remove deletes the file or folder at path on the server, then forgets it
// and everything below it locally.
func (f *Filesystem) Remove(ctx context.Context, path string) error {
	key, err := f.key(path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.unlock(ctx, key)

	err = f.remote.Delete(ctx, key)
	if err != nil && !derrors.IsNotFound(err) {
		return err
	}

	f.attrs.RemoveTree(key)
	f.negative.Add(key)
	return err
}

// Rename moves oldPath to newPath on the server. Nothing cached for either
// path survives: the destination is fetched again when next used. Open
// handles follow the file to its new name.
func (f *Filesystem) Rename(ctx context.Context, oldPath, newPath string) error {
	oldKey, err := f.key(oldPath)
	if err != nil {
		return err
	}
	newKey, err := f.key(newPath)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.unlock(ctx, oldKey)

	if err := f.remote.Move(ctx, oldKey, newKey, true); err != nil {
		return err
	}

	for _, h := range f.handles {
		if pathutil.IsWithin(h.key, oldKey) {
			h.key = newKey + h.key[len(oldKey):]
		}
	}

	f.attrs.RemoveTree(oldKey)
	f.attrs.RemoveTree(newKey)
	f.negative.RemovePrefix(newKey)
	f.negative.Add(oldKey)
	return nil
}
