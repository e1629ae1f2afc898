package davfs

import (
	"context"
	"os"
	"testing"

	"github.com/javi11/davmount/internal/cache"
	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStat_ServedFromCacheOnSecondCall(t *testing.T) {
	remote := newFakeRemote()
	remote.setFile("/f", "x", cache.NewFileRecord(1, ts(1000), `"e"`))
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	first, err := f.Stat(ctx, "/f")
	require.NoError(t, err)
	second, err := f.Stat(ctx, "f")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, remote.count("PROPFIND"))
}

func TestStat_NotFoundIsRemembered(t *testing.T) {
	remote := newFakeRemote()
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	_, err := f.Stat(ctx, "/ghost")
	assert.True(t, derrors.IsNotFound(err))
	_, err = f.Stat(ctx, "/ghost")
	assert.True(t, derrors.IsNotFound(err))
	assert.Equal(t, 1, remote.count("PROPFIND"))
}

func TestStat_TransportFailureLooksLikeMissing(t *testing.T) {
	remote := newFakeRemote()
	remote.propfindErr = derrors.NewWebdavError(derrors.KindTransport, "PROPFIND", "/f", 502, nil)
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())

	_, err := f.Stat(context.Background(), "/f")
	assert.True(t, derrors.IsNotFound(err))
}

func TestStat_InvalidPath(t *testing.T) {
	f := newTestFilesystem(t, newFakeRemote(), afero.NewMemMapFs())

	_, err := f.Stat(context.Background(), "/bad\x00name")
	assert.True(t, derrors.IsInvalidPath(err))
}

func TestListDir(t *testing.T) {
	remote := newFakeRemote()
	remote.setDir("/d")
	remote.setFile("/d/b.txt", "b", cache.NewFileRecord(1, ts(1), ""))
	remote.setFile("/d/a.txt", "a", cache.NewFileRecord(1, ts(1), ""))
	remote.setDir("/d/sub")
	remote.setFile("/elsewhere", "e", cache.NewFileRecord(1, ts(1), ""))
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())

	entries, err := f.ListDir(context.Background(), "/d")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "sub"}, names)
	assert.True(t, entries[2].Record.IsDir())

	_, err = f.Stat(context.Background(), "/d/a.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, remote.count("PROPFIND"), "listed children are cached")
}

func TestListDir_EvictsGhosts(t *testing.T) {
	remote := newFakeRemote()
	remote.setDir("/d")
	for _, name := range []string{"/d/one", "/d/two", "/d/three"} {
		remote.setFile(name, "x", cache.NewFileRecord(1, ts(1), ""))
	}
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	_, err := f.ListDir(ctx, "/d")
	require.NoError(t, err)
	openAndClose(t, f, "/d/three")
	diskPath := f.files.CachePath("/d/three")

	remote.remove("/d/three")
	entries, err := f.ListDir(ctx, "/d")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, ok := f.Cached("/d/three")
	assert.False(t, ok, "ghost must be evicted")
	_, ok = f.Cached("/d/one")
	assert.True(t, ok)

	exists, err := afero.Exists(f.files.Fs(), diskPath)
	require.NoError(t, err)
	assert.False(t, exists, "materialized content of a ghost is removed")
}

func TestListDir_DropsModifiedContent(t *testing.T) {
	remote := newFakeRemote()
	remote.setDir("/d")
	remote.setFile("/d/f", "v1", cache.NewFileRecord(2, ts(1), `"1"`))
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	openAndClose(t, f, "/d/f")
	remote.setFile("/d/f", "v2", cache.NewFileRecord(2, ts(1), `"2"`))

	_, err := f.ListDir(ctx, "/d")
	require.NoError(t, err)
	exists, err := afero.Exists(f.files.Fs(), f.files.CachePath("/d/f"))
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, "v2", openAndClose(t, f, "/d/f"))
}

func TestListDir_KeepsUnsavedContent(t *testing.T) {
	remote := newFakeRemote()
	remote.setFile("/f", "old", cache.NewFileRecord(3, ts(1000), ""))
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	id, err := f.Open(ctx, "/f", os.O_RDWR)
	require.NoError(t, err)
	_, err = f.WriteAt(id, []byte("newer"), 0)
	require.NoError(t, err)

	remote.putErr = derrors.NewWebdavError(derrors.KindTransport, "PUT", "/f", 500, nil)
	require.Error(t, f.CloseAndFlush(ctx, id))

	entries, err := f.ListDir(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries[0].Record.Size, "the listing shows the local size")

	rec, ok := f.Cached("/f")
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.Size)

	remote.putErr = nil
	id, err = f.Open(ctx, "/f", os.O_RDWR)
	require.NoError(t, err)
	assert.Equal(t, "newer", readAll(t, f, id))
	require.NoError(t, f.CloseAndFlush(ctx, id))

	data, _ := remote.data("/f")
	assert.Equal(t, "newer", data)
}

func TestListDir_ClearsNegativeEntries(t *testing.T) {
	remote := newFakeRemote()
	remote.setDir("/d")
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	_, err := f.Stat(ctx, "/d/late")
	require.True(t, derrors.IsNotFound(err))

	remote.setFile("/d/late", "x", cache.NewFileRecord(1, ts(1), ""))
	_, err = f.ListDir(ctx, "/d")
	require.NoError(t, err)

	_, err = f.Stat(ctx, "/d/late")
	assert.NoError(t, err)
}

func TestListDir_MissingFolderForgetsSubtree(t *testing.T) {
	remote := newFakeRemote()
	remote.setDir("/d")
	remote.setFile("/d/f", "x", cache.NewFileRecord(1, ts(1), ""))
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	_, err := f.ListDir(ctx, "/d")
	require.NoError(t, err)

	remote.remove("/d")
	remote.remove("/d/f")
	_, err = f.ListDir(ctx, "/d")
	assert.True(t, derrors.IsNotFound(err))

	_, ok := f.Cached("/d/f")
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	remote := newFakeRemote()
	remote.setFile("/f", "x", cache.NewFileRecord(1, ts(1), ""))
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	_, err := f.Stat(ctx, "/f")
	require.NoError(t, err)
	require.NoError(t, f.Invalidate("/f"))
	_, err = f.Stat(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, 2, remote.count("PROPFIND"))
}

func TestChmod(t *testing.T) {
	remote := newFakeRemote()
	remote.setFile("/run.sh", "#!", cache.NewFileRecord(2, ts(1), ""))
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	_, err := f.Stat(ctx, "/run.sh")
	require.NoError(t, err)
	require.NoError(t, f.Chmod(ctx, "/run.sh", 0o100755))

	rec, ok := f.Cached("/run.sh")
	require.True(t, ok)
	assert.Equal(t, uint32(0o755), rec.Perm())
	assert.False(t, rec.IsDir())
	assert.Equal(t, 1, remote.count("PROPPATCH"))
}

func TestStatfs(t *testing.T) {
	f := newTestFilesystem(t, newFakeRemote(), afero.NewMemMapFs())

	st := f.Statfs()
	assert.Equal(t, uint32(512), st.BlockSize)
	assert.Equal(t, uint64(1000<<30)/512, st.Blocks)
	assert.Equal(t, st.Blocks, st.Bavail)
	assert.Equal(t, uint64(1_000_000_000), st.Ffree)
}
