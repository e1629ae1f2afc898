package cache

import (
	"testing"
	"time"

	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/stretchr/testify/assert"
)

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name   string
		cached Record
		remote Record
		want   Verdict
	}{
		{
			name:   "identical with etag",
			cached: NewFileRecord(100, ts(1000), `"x1"`),
			remote: NewFileRecord(100, ts(1000), `"x1"`),
			want:   Fresh,
		},
		{
			name:   "etag differs while size and mtime agree",
			cached: NewFileRecord(100, ts(1000), `"x1"`),
			remote: NewFileRecord(100, ts(1000), `"x2"`),
			want:   Modified,
		},
		{
			name:   "equal etag overrides size difference",
			cached: NewFileRecord(100, ts(1000), `"x1"`),
			remote: NewFileRecord(101, ts(1000), `"x1"`),
			want:   Fresh,
		},
		{
			name:   "equal etag with moved mtime is a touch",
			cached: NewFileRecord(100, ts(1000), `"x1"`),
			remote: NewFileRecord(100, ts(2000), `"x1"`),
			want:   Touched,
		},
		{
			name:   "no etag, size differs, mtime equal",
			cached: NewFileRecord(100, ts(1000), ""),
			remote: NewFileRecord(200, ts(1000), ""),
			want:   Modified,
		},
		{
			name:   "no etag, mtime differs, size equal",
			cached: NewFileRecord(100, ts(1000), ""),
			remote: NewFileRecord(100, ts(1001), ""),
			want:   Modified,
		},
		{
			name:   "no etag, pair agrees",
			cached: NewFileRecord(100, ts(1000), ""),
			remote: NewFileRecord(100, ts(1000), ""),
			want:   Fresh,
		},
		{
			name:   "etag only on remote falls back to pair",
			cached: NewFileRecord(100, ts(1000), ""),
			remote: NewFileRecord(100, ts(1000), `"x1"`),
			want:   Fresh,
		},
		{
			name:   "etag only on cached side, size differs",
			cached: NewFileRecord(100, ts(1000), `"x1"`),
			remote: NewFileRecord(50, ts(1000), ""),
			want:   Modified,
		},
		{
			name:   "file became a folder",
			cached: NewFileRecord(100, ts(1000), ""),
			remote: NewDirRecord(ts(1000)),
			want:   Modified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Reconcile(tt.cached, tt.remote)
			assert.Equal(t, tt.want, d.Verdict, d.Reason)
			if tt.want == Modified {
				assert.ErrorIs(t, d.Err(), derrors.ErrStaleCache)
			} else {
				assert.NoError(t, d.Err())
			}
		})
	}
}

func TestMerge(t *testing.T) {
	cached := NewFileRecord(100, ts(1000), "").WithPerm(0o755)
	remote := Record{Mode: ModeRegular, Size: 100, Mtime: ts(2000), ETag: `"new"`}

	merged := Merge(cached, remote)
	assert.Equal(t, ts(2000), merged.Mtime)
	assert.Equal(t, `"new"`, merged.ETag)
	assert.Equal(t, uint32(0o755), merged.Perm(), "permissions from a HEAD-style record must not clobber known ones")

	remote.Mode = ModeRegular | 0o600
	merged = Merge(cached, remote)
	assert.Equal(t, uint32(0o600), merged.Perm())
}

func TestRecordHelpers(t *testing.T) {
	f := NewFileRecord(1025, ts(5), "")
	assert.False(t, f.IsDir())
	assert.False(t, f.HasETag())
	assert.Equal(t, uint64(3), f.Blocks())
	assert.Equal(t, DefaultFilePerm, f.Perm())

	d := NewDirRecord(ts(5))
	assert.True(t, d.IsDir())
	assert.Equal(t, DirSize, d.Size)
	assert.Equal(t, ModeDir|0o700, d.WithPerm(0o700).Mode)

	assert.Equal(t, uint64(0), Record{}.Blocks())
}
