package davfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/javi11/davmount/internal/cache"
	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/javi11/davmount/internal/pathutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	rec  cache.Record
	data []byte
}

// fakeRemote is an in-memory server that counts calls per method.
type fakeRemote struct {
	mu      sync.Mutex
	entries map[string]*fakeEntry
	calls   map[string]int
	version int

	putErr      error
	propfindErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entries: map[string]*fakeEntry{
			"/": {rec: cache.NewDirRecord(time.Unix(1, 0))},
		},
		calls: make(map[string]int),
	}
}

func (r *fakeRemote) setFile(key, data string, rec cache.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &fakeEntry{rec: rec, data: []byte(data)}
}

func (r *fakeRemote) setDir(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &fakeEntry{rec: cache.NewDirRecord(time.Unix(10, 0))}
}

func (r *fakeRemote) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

func (r *fakeRemote) data(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return "", false
	}
	return string(e.data), true
}

func (r *fakeRemote) count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

func (r *fakeRemote) notFound(method, key string) error {
	return derrors.NewWebdavError(derrors.KindNotFound, method, key, 404, nil)
}

// headRecord strips what HEAD cannot report.
func headRecord(rec cache.Record) cache.Record {
	rec.Mode &= cache.ModeTypeMask
	rec.Ctime = time.Time{}
	return rec
}

func (r *fakeRemote) Propfind(_ context.Context, key string, depth int) (map[string]cache.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["PROPFIND"]++

	if r.propfindErr != nil {
		return nil, r.propfindErr
	}
	e, ok := r.entries[key]
	if !ok {
		return nil, r.notFound("PROPFIND", key)
	}
	out := map[string]cache.Record{key: e.rec}
	if depth > 0 && e.rec.IsDir() {
		for k, child := range r.entries {
			if k != key && pathutil.Parent(k) == key {
				out[k] = child.rec
			}
		}
	}
	return out, nil
}

func (r *fakeRemote) Head(_ context.Context, key string) (cache.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["HEAD"]++

	e, ok := r.entries[key]
	if !ok {
		return cache.Record{}, r.notFound("HEAD", key)
	}
	return headRecord(e.rec), nil
}

func (r *fakeRemote) Get(_ context.Context, key string, w io.WriterAt) (cache.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["GET"]++

	e, ok := r.entries[key]
	if !ok {
		return cache.Record{}, r.notFound("GET", key)
	}
	if _, err := w.WriteAt(e.data, 0); err != nil {
		return cache.Record{}, err
	}
	return headRecord(e.rec), nil
}

func (r *fakeRemote) Put(_ context.Context, key string, src io.ReaderAt, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["PUT"]++

	if r.putErr != nil {
		return r.putErr
	}
	data := make([]byte, size)
	if size > 0 {
		if _, err := src.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	r.version++
	r.entries[key] = &fakeEntry{
		rec:  cache.NewFileRecord(size, time.Unix(int64(5000+r.version), 0), fmt.Sprintf(`"v%d"`, r.version)),
		data: data,
	}
	return nil
}

func (r *fakeRemote) Mkcol(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["MKCOL"]++

	if _, ok := r.entries[pathutil.Parent(key)]; !ok {
		return derrors.NewWebdavError(derrors.KindConflict, "MKCOL", key, 409, nil)
	}
	r.entries[key] = &fakeEntry{rec: cache.NewDirRecord(time.Unix(20, 0))}
	return nil
}

func (r *fakeRemote) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["DELETE"]++

	if _, ok := r.entries[key]; !ok {
		return r.notFound("DELETE", key)
	}
	for k := range r.entries {
		if pathutil.IsWithin(k, key) {
			delete(r.entries, k)
		}
	}
	return nil
}

func (r *fakeRemote) Move(_ context.Context, src, dst string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["MOVE"]++

	if _, ok := r.entries[src]; !ok {
		return r.notFound("MOVE", src)
	}
	moved := make(map[string]*fakeEntry)
	for k, e := range r.entries {
		if pathutil.IsWithin(k, src) {
			moved[dst+strings.TrimPrefix(k, src)] = e
			delete(r.entries, k)
		}
	}
	for k, e := range moved {
		r.entries[k] = e
	}
	return nil
}

func (r *fakeRemote) Proppatch(_ context.Context, key string, _ bool, perm uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["PROPPATCH"]++

	e, ok := r.entries[key]
	if !ok {
		return r.notFound("PROPPATCH", key)
	}
	e.rec = e.rec.WithPerm(perm)
	return nil
}

// fakeLocker records lock traffic.
type fakeLocker struct {
	mu      sync.Mutex
	events  []string
	lockErr error
}

func (l *fakeLocker) Lock(_ context.Context, key string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockErr != nil {
		return l.lockErr
	}
	l.events = append(l.events, "lock "+key)
	return nil
}

func (l *fakeLocker) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "unlock "+key)
	return nil
}

func (l *fakeLocker) ReleaseAll(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "release-all")
	return nil
}

func (l *fakeLocker) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

const testCacheDir = "/var/cache/davmount"

func newTestFilesystem(t *testing.T, remote Remote, fsys afero.Fs, opts ...func(*Options)) *Filesystem {
	t.Helper()

	paths, err := pathutil.NewNormalizer("http://dav.test/")
	require.NoError(t, err)

	o := Options{
		CacheDir:    testCacheDir,
		Fs:          fsys,
		NegativeTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}

	f, err := New(remote, paths, o)
	require.NoError(t, err)
	return f
}

func readAll(t *testing.T, f *Filesystem, id HandleID) string {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := f.ReadAt(id, buf, 0)
	require.NoError(t, err)
	return string(buf[:n])
}

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
