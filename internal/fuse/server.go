package fuse

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/javi11/davmount/internal/pathutil"
)

// ServerOptions controls how the collection is exposed to the kernel.
type ServerOptions struct {
	// FsName is shown as the mount source, usually the server URL.
	FsName     string
	AllowOther bool
	Debug      bool
	UID        uint32
	GID        uint32
}

// Server owns the kernel mount of one session.
type Server struct {
	mountPoint string
	session    Session
	opts       ServerOptions
	logger     *slog.Logger

	mu     sync.Mutex
	server *fuse.Server
}

// NewServer prepares a mount of session at mountPoint. Nothing is mounted
// until Mount is called.
func NewServer(mountPoint string, session Session, opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		mountPoint: mountPoint,
		session:    session,
		opts:       opts,
		logger:     logger,
	}
}

// mountOptions builds the go-fuse options. The kernel must not cache
// entries or attributes: every lookup goes through the session, which
// decides what is fresh.
func (s *Server) mountOptions() *fs.Options {
	zero := time.Duration(0)
	return &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther:     s.opts.AllowOther,
			Name:           "davmount",
			FsName:         s.opts.FsName,
			Debug:          s.opts.Debug,
			SingleThreaded: true,
		},
		EntryTimeout:    &zero,
		AttrTimeout:     &zero,
		NegativeTimeout: &zero,
		UID:             s.opts.UID,
		GID:             s.opts.GID,
	}
}

// Mount serves the session at the mount point and blocks until the
// filesystem is unmounted. A mount left behind by a crashed process is
// cleared first.
func (s *Server) Mount() error {
	s.CleanupMount()
	if err := pathutil.CheckMountPoint(s.mountPoint); err != nil {
		return err
	}

	root := NewRoot(s.session, s.opts.UID, s.opts.GID, s.logger)

	server, err := fs.Mount(s.mountPoint, root, s.mountOptions())
	if err != nil {
		return fmt.Errorf("failed to mount FUSE filesystem: %w", err)
	}

	s.mu.Lock()
	s.server = server
	s.mu.Unlock()
	s.logger.Info("FUSE filesystem mounted", "mountpoint", s.mountPoint, "source", s.opts.FsName)

	server.Wait()
	return nil
}

// Unmount gracefully unmounts the filesystem, falling back to force unmount
func (s *Server) Unmount() error {
	s.logger.Info("Unmounting FUSE filesystem", "mountpoint", s.mountPoint)

	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server != nil {
		err := server.Unmount()
		if err == nil {
			return nil
		}
		s.logger.Warn("Standard unmount failed, attempting force unmount", "error", err)
	}

	return s.ForceUnmount()
}

// ForceUnmount attempts to lazy/force unmount the mountpoint
func (s *Server) ForceUnmount() error {
	if runtime.GOOS == "linux" {
		// Try fusermount -uz (lazy unmount)
		if err := exec.Command("fusermount", "-uz", s.mountPoint).Run(); err == nil {
			s.logger.Info("Successfully lazy unmounted using fusermount")
			return nil
		}
		if err := exec.Command("umount", "-l", s.mountPoint).Run(); err == nil {
			s.logger.Info("Successfully lazy unmounted using umount")
			return nil
		}
	}
	return fmt.Errorf("failed to force unmount %s", s.mountPoint)
}

// CleanupMount clears a stale mount left at the mountpoint by a crash.
func (s *Server) CleanupMount() {
	_ = s.ForceUnmount()
}
