package davfs

import (
	"context"
	"sort"

	"github.com/javi11/davmount/internal/cache"
	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/javi11/davmount/internal/pathutil"
)

// DirEntry is one child returned by ListDir.
type DirEntry struct {
	Name   string
	Record cache.Record
}

// Stat returns the record of path. A cached record is returned as is;
// otherwise the server is asked with a depth 0 PROPFIND. Any failure to
// fetch is reported as not found.
func (f *Filesystem) Stat(ctx context.Context, path string) (cache.Record, error) {
	key, err := f.key(path)
	if err != nil {
		return cache.Record{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stat(ctx, key)
}

func (f *Filesystem) stat(ctx context.Context, key string) (cache.Record, error) {
	if rec, ok := f.attrs.Get(key); ok {
		return rec, nil
	}
	if f.negative.Has(key) {
		return cache.Record{}, derrors.NewWebdavError(derrors.KindNotFound, "stat", key, 0, nil)
	}

	records, err := f.remote.Propfind(ctx, key, 0)
	if err != nil {
		if derrors.IsNotFound(err) {
			f.negative.Add(key)
		} else {
			f.logger.DebugContext(ctx, "Stat failed, reporting not found", "path", key, "error", err)
		}
		return cache.Record{}, derrors.NewWebdavError(derrors.KindNotFound, "stat", key, 0, err)
	}

	rec, ok := records[key]
	if !ok && len(records) == 1 {
		// the server answered under another spelling of the same resource
		for _, r := range records {
			rec, ok = r, true
		}
	}
	if !ok {
		f.negative.Add(key)
		return cache.Record{}, derrors.NewWebdavError(derrors.KindNotFound, "stat", key, 0, nil)
	}

	f.attrs.Update(key, rec)
	return rec, nil
}

// ListDir lists the folder at path from the server, merges the listing into
// the attribute cache and evicts cached children the server no longer
// reports. Files with unsaved modifications are listed with their local
// record.
func (f *Filesystem) ListDir(ctx context.Context, path string) ([]DirEntry, error) {
	key, err := f.key(path)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.remote.Propfind(ctx, key, 1)
	if err != nil {
		if derrors.IsNotFound(err) {
			f.attrs.RemoveTree(key)
		}
		return nil, err
	}

	// unsaved local content keeps its record until it is written back
	merged := make(map[string]cache.Record, len(records))
	for k, rec := range records {
		if of, ok := f.content[k]; ok && of.dirty {
			if local, ok := f.attrs.Get(k); ok {
				records[k] = local
				continue
			}
		}
		merged[k] = rec
	}

	// the merge has to land before eviction looks for ghosts
	f.attrs.BulkUpdate(merged)
	for k := range records {
		f.negative.Remove(k)
	}

	for _, child := range f.attrs.ListChildren(key) {
		if _, ok := records[child]; !ok {
			f.logger.DebugContext(ctx, "Evicting entry missing from listing", "path", child)
			f.attrs.RemoveTree(child)
		}
	}

	entries := make([]DirEntry, 0, len(records))
	for k, rec := range records {
		if k == key || pathutil.Parent(k) != key {
			continue
		}
		entries = append(entries, DirEntry{Name: pathutil.Base(k), Record: rec})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return entries, nil
}

// Invalidate forgets everything cached for path and below it.
func (f *Filesystem) Invalidate(path string) error {
	key, err := f.key(path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.attrs.RemoveTree(key)
	f.negative.RemovePrefix(key)
	return nil
}

// Chmod stores new permission bits on the server and in the cache.
func (f *Filesystem) Chmod(ctx context.Context, path string, perm uint32) error {
	key, err := f.key(path)
	if err != nil {
		return err
	}
	perm &= cache.ModePermMask

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.remote.Proppatch(ctx, key, perm&0o111 != 0, perm); err != nil {
		return err
	}
	if rec, ok := f.attrs.Get(key); ok {
		f.attrs.Update(key, rec.WithPerm(perm))
	}
	return nil
}
