package cache

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/spf13/afero"
)

// FilesDir is the subdirectory of the cache root that mirrors remote paths.
const FilesDir = "files"

// FileCache manages the on-disk copies of remote file content. It keeps no
// state besides the cache root: the location of a copy is a pure function
// of its key, so copies left by a previous mount can be found again.
type FileCache struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
}

// NewFileCache creates a FileCache rooted at root on fsys.
func NewFileCache(fsys afero.Fs, root string, logger *slog.Logger) *FileCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileCache{
		fs:     fsys,
		root:   root,
		logger: logger,
	}
}

// Fs returns the filesystem backing the cache.
func (c *FileCache) Fs() afero.Fs {
	return c.fs
}

// CachePath returns the on-disk location of the copy of key.
func (c *FileCache) CachePath(key string) string {
	rel := filepath.FromSlash(strings.TrimPrefix(key, "/"))
	return filepath.Join(c.root, FilesDir, rel)
}

// Create returns an empty read-write file for key, creating parent
// directories as needed. Stale entries of the wrong type in the way, left
// behind when a remote file became a folder or the other way round, are
// cleared first.
func (c *FileCache) Create(key string) (afero.File, error) {
	p := c.CachePath(key)
	dir := filepath.Dir(p)

	if err := c.fs.MkdirAll(dir, 0o700); err != nil {
		if !c.clearFileAncestors(dir) {
			return nil, derrors.NewIoError("mkdir", dir, err)
		}
		if err := c.fs.MkdirAll(dir, 0o700); err != nil {
			return nil, derrors.NewIoError("mkdir", dir, err)
		}
	}

	if info, err := c.fs.Stat(p); err == nil && info.IsDir() {
		if err := c.fs.RemoveAll(p); err != nil {
			return nil, derrors.NewIoError("remove", p, err)
		}
	}

	f, err := c.fs.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, derrors.NewIoError("open", p, err)
	}
	return f, nil
}

// OpenIfFresh reopens the copy of key left on disk, provided its size and
// modification time still match expected. A copy that does not match is
// unlinked. The boolean is false whenever no usable copy exists.
func (c *FileCache) OpenIfFresh(key string, expected Record) (afero.File, bool) {
	p := c.CachePath(key)

	info, err := c.fs.Stat(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("Stat of cached file failed", "path", p, "error", err)
		}
		return nil, false
	}

	if info.IsDir() || info.Size() != expected.Size || info.ModTime().Unix() != diskTime(expected.Mtime).Unix() {
		c.logger.Debug("Cached file does not match record, discarding",
			"path", key,
			"disk_size", info.Size(),
			"record_size", expected.Size,
			"disk_mtime", info.ModTime().Unix(),
			"record_mtime", expected.Mtime.Unix())
		c.discard(key)
		return nil, false
	}

	f, err := c.fs.OpenFile(p, os.O_RDWR, 0o600)
	if err != nil {
		c.logger.Warn("Reopening cached file failed", "path", p, "error", err)
		c.discard(key)
		return nil, false
	}
	return f, true
}

// Stamp sets the modification time of the copy of key to the record's, so
// a later OpenIfFresh can recognise it.
func (c *FileCache) Stamp(key string, record Record) error {
	p := c.CachePath(key)
	t := diskTime(record.Mtime)
	if err := c.fs.Chtimes(p, t, t); err != nil {
		return derrors.NewIoError("chtimes", p, err)
	}
	return nil
}

// Remove unlinks the copy of key. A missing copy is not an error. A folder
// at that location is removed with its content.
func (c *FileCache) Remove(key string) error {
	p := c.CachePath(key)

	info, err := c.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return derrors.NewIoError("stat", p, err)
	}

	if info.IsDir() {
		err = c.fs.RemoveAll(p)
	} else {
		err = c.fs.Remove(p)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return derrors.NewIoError("remove", p, err)
	}
	return nil
}

func (c *FileCache) discard(key string) {
	if err := c.Remove(key); err != nil {
		c.logger.Warn("Failed to unlink cached file", "path", key, "error", err)
	}
}

// clearFileAncestors removes regular files occupying a directory position
// between the files root and dir. It reports whether anything was removed.
func (c *FileCache) clearFileAncestors(dir string) bool {
	base := filepath.Join(c.root, FilesDir)
	cleared := false
	for p := dir; strings.HasPrefix(p, base) && p != base; p = filepath.Dir(p) {
		info, err := c.fs.Stat(p)
		if err == nil && !info.IsDir() {
			if c.fs.Remove(p) == nil {
				cleared = true
			}
		}
	}
	return cleared
}

// diskTime maps a record time to the time written on disk. The zero time is
// not representable on most filesystems and is stored as the epoch.
func diskTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0)
	}
	return t
}
