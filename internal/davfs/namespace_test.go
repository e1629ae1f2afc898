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

func TestCreate(t *testing.T) {
	remote := newFakeRemote()
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	_, err := f.Stat(ctx, "/new.txt")
	require.True(t, derrors.IsNotFound(err))

	id, rec, err := f.Create(ctx, "/new.txt", 0o640)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o640), rec.Perm())
	assert.Equal(t, int64(0), rec.Size)
	assert.Equal(t, 0, remote.count("GET"))
	assert.Equal(t, 1, remote.count("PUT"))

	stat, err := f.Stat(ctx, "/new.txt")
	require.NoError(t, err, "create clears the negative entry")
	assert.Equal(t, rec, stat)

	_, err = f.WriteAt(id, []byte("content"), 0)
	require.NoError(t, err)
	require.NoError(t, f.CloseAndFlush(ctx, id))

	data, ok := remote.data("/new.txt")
	require.True(t, ok)
	assert.Equal(t, "content", data)
	assert.Equal(t, 2, remote.count("PUT"))
}

func TestMkdir(t *testing.T) {
	remote := newFakeRemote()
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	rec, err := f.Mkdir(ctx, "/folder")
	require.NoError(t, err)
	assert.True(t, rec.IsDir())

	_, err = f.Mkdir(ctx, "/missing/child")
	kind, ok := derrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, derrors.KindConflict, kind)
}

func TestRemove(t *testing.T) {
	remote := newFakeRemote()
	remote.setDir("/d")
	remote.setFile("/d/f", "data", cache.NewFileRecord(4, ts(1), ""))
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	openAndClose(t, f, "/d/f")
	diskPath := f.files.CachePath("/d/f")

	require.NoError(t, f.Remove(ctx, "/d"))

	_, ok := remote.data("/d/f")
	assert.False(t, ok)
	_, ok = f.Cached("/d/f")
	assert.False(t, ok)
	exists, err := afero.Exists(f.files.Fs(), diskPath)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.True(t, derrors.IsNotFound(f.Remove(ctx, "/d")))
}

func TestRemove_ReleasesLock(t *testing.T) {
	remote := newFakeRemote()
	remote.setFile("/f", "x", cache.NewFileRecord(1, ts(1), ""))
	locker := &fakeLocker{}
	f := newTestFilesystem(t, remote, afero.NewMemMapFs(), func(o *Options) {
		o.Locker = locker
		o.LockMode = LockEternity
	})
	ctx := context.Background()

	openAndClose(t, f, "/f")
	require.NoError(t, f.Remove(ctx, "/f"))
	assert.Equal(t, []string{"lock /f", "unlock /f"}, locker.recorded())
}

func TestRename_ForcesRefetch(t *testing.T) {
	remote := newFakeRemote()
	remote.setFile("/old", "x", cache.NewFileRecord(1, ts(1), `"e"`))
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	_, err := f.Stat(ctx, "/old")
	require.NoError(t, err)
	_, err = f.Stat(ctx, "/new")
	require.True(t, derrors.IsNotFound(err))
	require.Equal(t, 2, remote.count("PROPFIND"))

	require.NoError(t, f.Rename(ctx, "/old", "/new"))

	_, ok := f.Cached("/new")
	assert.False(t, ok, "destination metadata is never copied")

	_, err = f.Stat(ctx, "/new")
	require.NoError(t, err)
	assert.Equal(t, 3, remote.count("PROPFIND"))

	_, err = f.Stat(ctx, "/old")
	assert.True(t, derrors.IsNotFound(err))
}

func TestRename_OpenHandleFollows(t *testing.T) {
	remote := newFakeRemote()
	remote.setFile("/draft", "v1", cache.NewFileRecord(2, ts(1), ""))
	f := newTestFilesystem(t, remote, afero.NewMemMapFs())
	ctx := context.Background()

	id, err := f.Open(ctx, "/draft", os.O_RDWR)
	require.NoError(t, err)
	_, err = f.WriteAt(id, []byte("v2"), 0)
	require.NoError(t, err)

	require.NoError(t, f.Rename(ctx, "/draft", "/final"))
	require.NoError(t, f.CloseAndFlush(ctx, id))

	data, ok := remote.data("/final")
	require.True(t, ok)
	assert.Equal(t, "v2", data)
	_, ok = remote.data("/draft")
	assert.False(t, ok)
}
