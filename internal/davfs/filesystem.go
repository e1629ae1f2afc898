// Package davfs is the session a mount runs against: it answers filesystem
// calls from the attribute and file caches, reconciles them with the server
// when it has to, and writes modified content back on close.
package davfs

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/javi11/davmount/internal/cache"
	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/javi11/davmount/internal/pathutil"
	"github.com/spf13/afero"
)

// Default negative cache settings.
const (
	DefaultNegativeTTL  = 5 * time.Second
	DefaultNegativeSize = 4096
)

// Dummy capacity reported by Statfs.
const (
	statfsBlockSize = 512
	statfsCapacity  = 1000 << 30
	statfsInodes    = 1_000_000_000
	maxNameLen      = 255
)

// ErrBadHandle is returned for handle IDs that are not open.
var ErrBadHandle = errors.New("unknown file handle")

// Options configures a Filesystem.
type Options struct {
	// CacheDir holds the materialized files and the snapshot.
	CacheDir string
	// Fs backs the cache directory. Defaults to the OS filesystem.
	Fs           afero.Fs
	Locker       Locker
	LockMode     LockMode
	LockTimeout  time.Duration
	NegativeTTL  time.Duration
	NegativeSize int
	Logger       *slog.Logger
}

// StatfsInfo describes the filesystem capacity.
type StatfsInfo struct {
	BlockSize uint32
	Blocks    uint64
	Bfree     uint64
	Bavail    uint64
	Files     uint64
	Ffree     uint64
	NameLen   uint32
}

// Filesystem is the state of one mount. Every exported method runs under a
// single mutex, so each logical operation sees and leaves the caches in a
// consistent state.
type Filesystem struct {
	mu sync.Mutex

	remote   Remote
	locker   Locker
	paths    *pathutil.Normalizer
	attrs    *cache.AttributeCache
	files    *cache.FileCache
	negative *cache.NegativeCache

	lockMode    LockMode
	lockTimeout time.Duration

	// materialized content by key
	content    map[string]*openFile
	handles    map[HandleID]*handle
	nextHandle HandleID

	snapshotPath string
	logger       *slog.Logger
}

// New creates a session for the collection described by paths and restores
// the attribute cache saved by the previous mount. A missing or unreadable
// snapshot leaves the cache empty.
func New(remote Remote, paths *pathutil.Normalizer, opts Options) (*Filesystem, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if opts.CacheDir == "" {
		return nil, derrors.NewIoError("mkdir", "", errors.New("cache directory not set"))
	}
	if err := fsys.MkdirAll(opts.CacheDir, 0o700); err != nil {
		return nil, derrors.NewIoError("mkdir", opts.CacheDir, err)
	}

	negTTL := opts.NegativeTTL
	negSize := opts.NegativeSize
	if negSize <= 0 {
		negSize = DefaultNegativeSize
	}
	negative, err := cache.NewNegativeCache(negSize, negTTL)
	if err != nil {
		return nil, err
	}

	lockMode := opts.LockMode
	if lockMode == "" || opts.Locker == nil {
		lockMode = LockNone
	}

	f := &Filesystem{
		remote:       remote,
		locker:       opts.Locker,
		paths:        paths,
		files:        cache.NewFileCache(fsys, opts.CacheDir, logger),
		negative:     negative,
		lockMode:     lockMode,
		lockTimeout:  opts.LockTimeout,
		content:      make(map[string]*openFile),
		handles:      make(map[HandleID]*handle),
		snapshotPath: filepath.Join(opts.CacheDir, cache.SnapshotFile),
		logger:       logger,
	}
	f.attrs = cache.NewAttributeCache(f.dropContent, logger)

	records, err := cache.LoadSnapshot(fsys, f.snapshotPath)
	switch {
	case err == nil:
		f.attrs.Replace(records)
		logger.Info("Attribute cache restored", "path", f.snapshotPath, "records", len(records))
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug("No attribute cache snapshot, starting empty", "path", f.snapshotPath)
	default:
		logger.Warn("Discarding unreadable attribute cache snapshot", "path", f.snapshotPath, "error", err)
	}

	return f, nil
}

// Close releases every descriptor and lock and saves the attribute cache.
// Content that was modified but never written back stays on disk.
func (f *Filesystem) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, of := range f.content {
		if of.dirty {
			f.logger.WarnContext(ctx, "Unmounting with unsaved changes", "path", key)
		}
		of.close(f.logger, key)
	}
	for _, h := range f.handles {
		if h.file.stale {
			h.file.close(f.logger, h.key)
		}
	}
	f.content = make(map[string]*openFile)
	f.handles = make(map[HandleID]*handle)

	if f.locker != nil && f.lockMode != LockNone {
		if err := f.locker.ReleaseAll(ctx); err != nil {
			f.logger.WarnContext(ctx, "Failed to release some locks", "error", err)
		}
	}

	records := f.attrs.Records()
	if err := cache.SaveSnapshot(f.files.Fs(), f.snapshotPath, records); err != nil {
		f.logger.ErrorContext(ctx, "Failed to save attribute cache", "path", f.snapshotPath, "error", err)
		return err
	}
	f.logger.InfoContext(ctx, "Attribute cache saved", "path", f.snapshotPath, "records", len(records))
	return nil
}

// Statfs reports a fixed, generous capacity. WebDAV has no portable way to
// ask for free space.
func (f *Filesystem) Statfs() StatfsInfo {
	blocks := uint64(statfsCapacity / statfsBlockSize)
	return StatfsInfo{
		BlockSize: statfsBlockSize,
		Blocks:    blocks,
		Bfree:     blocks,
		Bavail:    blocks,
		Files:     statfsInodes,
		Ffree:     statfsInodes,
		NameLen:   maxNameLen,
	}
}

// Cached returns the cached record of path without contacting the server.
func (f *Filesystem) Cached(path string) (cache.Record, bool) {
	key, err := f.paths.Key(path)
	if err != nil {
		return cache.Record{}, false
	}
	return f.attrs.Get(key)
}

// dropContent is called by the attribute cache whenever the materialized
// content of key became invalid. It runs with f.mu held.
func (f *Filesystem) dropContent(key string) {
	if of, ok := f.content[key]; ok {
		delete(f.content, key)
		if of.refs > 0 {
			// open handles keep reading and writing the detached descriptor
			of.stale = true
		} else {
			of.close(f.logger, key)
		}
	}

	if err := f.files.Remove(key); err != nil {
		f.logger.Warn("Failed to remove cached content", "path", key, "error", err)
	}
}

func (f *Filesystem) key(path string) (string, error) {
	return f.paths.Key(path)
}

// adopt completes a freshly fetched record with what the server could not
// report: permission bits missing from HEAD and GET responses come from
// prior when it has the same type, or from the defaults.
func adopt(prior cache.Record, havePrior bool, remote cache.Record) cache.Record {
	if remote.Perm() == 0 {
		switch {
		case havePrior && prior.IsDir() == remote.IsDir():
			remote = remote.WithPerm(prior.Perm())
		case remote.IsDir():
			remote = remote.WithPerm(cache.DefaultDirPerm)
		default:
			remote = remote.WithPerm(cache.DefaultFilePerm)
		}
	}
	if remote.Ctime.IsZero() && havePrior {
		remote.Ctime = prior.Ctime
	}
	return remote
}
