package cache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// SnapshotFile is the name of the attribute snapshot inside the cache root.
const SnapshotFile = "cache"

const snapshotVersion = 1

// snapshotMagic prefixes every snapshot so that foreign or truncated files
// are rejected before decompression.
var snapshotMagic = []byte("DAVMSNAP")

// ErrBadSnapshot is returned for snapshot data that cannot be decoded.
var ErrBadSnapshot = errors.New("malformed cache snapshot")

var (
	snapshotEncMode cbor.EncMode
	snapshotDecMode cbor.DecMode
)

func init() {
	var err error

	snapshotEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}

	snapshotDecMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 27,
	}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

type snapshotDoc struct {
	Version int             `cbor:"1,keyasint"`
	Entries []snapshotEntry `cbor:"2,keyasint"`
}

type snapshotEntry struct {
	Path  string    `cbor:"1,keyasint"`
	Mode  uint32    `cbor:"2,keyasint"`
	Size  int64     `cbor:"3,keyasint"`
	Mtime *wireTime `cbor:"4,keyasint,omitempty"`
	Ctime *wireTime `cbor:"5,keyasint,omitempty"`
	ETag  string    `cbor:"6,keyasint,omitempty"`
}

type wireTime struct {
	_    struct{} `cbor:",toarray"`
	Sec  int64
	Nsec int64
}

func toWire(t time.Time) *wireTime {
	if t.IsZero() {
		return nil
	}
	return &wireTime{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

func fromWire(w *wireTime) time.Time {
	if w == nil {
		return time.Time{}
	}
	return time.Unix(w.Sec, w.Nsec).UTC()
}

// EncodeSnapshot writes records to w. Entries are sorted by path, so equal
// caches produce identical bytes.
func EncodeSnapshot(w io.Writer, records map[string]Record) error {
	doc := snapshotDoc{
		Version: snapshotVersion,
		Entries: make([]snapshotEntry, 0, len(records)),
	}
	for path, r := range records {
		doc.Entries = append(doc.Entries, snapshotEntry{
			Path:  path,
			Mode:  r.Mode,
			Size:  r.Size,
			Mtime: toWire(r.Mtime),
			Ctime: toWire(r.Ctime),
			ETag:  r.ETag,
		})
	}
	sort.Slice(doc.Entries, func(i, j int) bool {
		return doc.Entries[i].Path < doc.Entries[j].Path
	})

	payload, err := snapshotEncMode.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if _, err := w.Write(snapshotMagic); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create snapshot compressor: %w", err)
	}
	if _, err := zw.Write(payload); err != nil {
		_ = zw.Close()
		return fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return zw.Close()
}

// DecodeSnapshot reads records written by EncodeSnapshot.
func DecodeSnapshot(r io.Reader) (map[string]Record, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil || !bytes.Equal(magic, snapshotMagic) {
		return nil, fmt.Errorf("%w: missing header", ErrBadSnapshot)
	}

	zr, err := zstd.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}

	var doc snapshotDoc
	if err := snapshotDecMode.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if doc.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, doc.Version)
	}

	records := make(map[string]Record, len(doc.Entries))
	for _, e := range doc.Entries {
		records[e.Path] = Record{
			Mode:  e.Mode,
			Size:  e.Size,
			Mtime: fromWire(e.Mtime),
			Ctime: fromWire(e.Ctime),
			ETag:  e.ETag,
		}
	}
	return records, nil
}

// SaveSnapshot writes records to path atomically: the data goes to a
// temporary file in the same directory which then replaces path.
func SaveSnapshot(fsys afero.Fs, path string, records map[string]Record) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o700); err != nil {
		return derrors.NewIoError("mkdir", dir, err)
	}

	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return derrors.NewIoError("create", tmp, err)
	}

	bw := bufio.NewWriter(f)
	if err := EncodeSnapshot(bw, records); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return derrors.NewIoError("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return derrors.NewIoError("sync", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return derrors.NewIoError("close", tmp, err)
	}

	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return derrors.NewIoError("rename", path, err)
	}
	return nil
}

// LoadSnapshot reads the snapshot at path.
func LoadSnapshot(fsys afero.Fs, path string) (map[string]Record, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, derrors.NewIoError("open", path, err)
	}
	defer f.Close()

	return DecodeSnapshot(f)
}
