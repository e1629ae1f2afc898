// Package pathutil canonicalizes remote paths into cache keys and validates
// local directories used by the mount.
package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// cacheDirPerm keeps cached content readable by the mounting user only.
const cacheDirPerm = 0o700

// CheckDirectoryWritable makes sure path is a directory the process can
// create files in, creating it when it does not exist yet.
func CheckDirectoryWritable(path string) error {
	if path == "" {
		return errors.New("path cannot be empty")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(abs, cacheDirPerm); err != nil {
			return fmt.Errorf("directory %s does not exist and cannot be created: %w", abs, err)
		}
	case err != nil:
		return fmt.Errorf("cannot access directory %s: %w", abs, err)
	case !info.IsDir():
		return fmt.Errorf("path %s exists but is not a directory", abs)
	}

	probe, err := os.CreateTemp(abs, ".davmount-probe-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", abs, err)
	}
	name := probe.Name()
	_, writeErr := probe.Write([]byte("probe"))
	_ = probe.Close()
	_ = os.Remove(name)

	if writeErr != nil {
		return fmt.Errorf("directory %s is not writable: %w", abs, writeErr)
	}
	return nil
}

// CheckFileDirectoryWritable checks the directory a file of the given kind
// will be written to. An empty path is accepted.
func CheckFileDirectoryWritable(filePath string, kind string) error {
	if filePath == "" {
		return nil
	}

	if err := CheckDirectoryWritable(filepath.Dir(filePath)); err != nil {
		return fmt.Errorf("%s file directory check failed: %w", kind, err)
	}
	return nil
}

// CheckMountPoint makes sure path is an existing directory that a
// filesystem can be mounted on.
func CheckMountPoint(path string) error {
	if path == "" {
		return errors.New("mount point cannot be empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("mount point %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point %s is not a directory", path)
	}
	return nil
}
