package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/javi11/davmount/internal/config"
	"github.com/javi11/davmount/internal/davclient"
	"github.com/javi11/davmount/internal/davfs"
	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/javi11/davmount/internal/fuse"
	"github.com/javi11/davmount/internal/httpclient"
	"github.com/javi11/davmount/internal/pathutil"
	"github.com/javi11/davmount/internal/slogutil"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const (
	closeTimeout = 30 * time.Second
	// lowSpaceBytes is the free space below which the cache disk is reported.
	lowSpaceBytes = 1 << 30
)

type mountFlags struct {
	lockMode   string
	cacheDir   string
	allowOther bool
	debug      bool
}

func init() {
	flags := &mountFlags{}

	mountCmd := &cobra.Command{
		Use:   "mount [url] [mountpoint]",
		Short: "Mount a WebDAV collection",
		Long: `Mount a WebDAV collection at a local directory. Arguments override the
url and mount point from the configuration file. The command blocks until
the filesystem is unmounted or the process is interrupted.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(cmd, args, flags)
		},
	}

	mountCmd.Flags().StringVar(&flags.lockMode, "lock-mode", "", "locking mode: none, simple, advanced or eternity")
	mountCmd.Flags().StringVar(&flags.cacheDir, "cache-dir", "", "directory for cached content")
	mountCmd.Flags().BoolVar(&flags.allowOther, "allow-other", false, "allow other users to access the mount")
	mountCmd.Flags().BoolVar(&flags.debug, "debug", false, "print FUSE debug output")

	rootCmd.AddCommand(mountCmd)
}

// applyOverrides copies arguments and explicitly set flags over the file
// configuration.
func applyOverrides(cmd *cobra.Command, cfg *config.Config, args []string, flags *mountFlags) {
	if len(args) > 0 {
		cfg.WebDAV.URL = args[0]
	}
	if len(args) > 1 {
		cfg.Mount.MountPoint = args[1]
	}
	if cmd.Flags().Changed("lock-mode") {
		cfg.Locking.Mode = flags.lockMode
	}
	if cmd.Flags().Changed("cache-dir") {
		cfg.Cache.Dir = flags.cacheDir
	}
	if cmd.Flags().Changed("allow-other") {
		cfg.Mount.AllowOther = flags.allowOther
	}
	if cmd.Flags().Changed("debug") {
		cfg.Mount.Debug = flags.debug
	}
}

func runMount(cmd *cobra.Command, args []string, flags *mountFlags) error {
	// Load configuration first (using default logger for config loading errors)
	cfg, usedFile, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}
	applyOverrides(cmd, cfg, args, flags)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger, leveler := slogutil.SetupLogRotation(cfg.Log)
	slog.SetDefault(logger)

	cacheDir, err := cfg.GetCacheDir()
	if err != nil {
		return err
	}
	if err := pathutil.CheckDirectoryWritable(cacheDir); err != nil {
		return fmt.Errorf("cache directory check failed: %w", err)
	}
	if err := pathutil.CheckFileDirectoryWritable(cfg.Log.File, "log"); err != nil {
		return err
	}
	reportCacheSpace(cacheDir, logger)

	manager := config.NewManager(cfg, usedFile)
	manager.OnConfigChange(config.LogLevelCallback(leveler, logger))
	manager.Watch(func(err error) {
		logger.Warn("Failed to reload configuration", "file", usedFile, "error", err)
	})

	username, password, err := credentials(cfg)
	if err != nil {
		return err
	}

	client, err := newClient(cfg, username, password, logger)
	if err != nil {
		return err
	}
	paths, err := pathutil.NewNormalizer(cfg.WebDAV.URL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = slogutil.With(ctx, "mount_point", cfg.Mount.MountPoint)

	if err := probe(ctx, client, paths.Base(), logger); err != nil {
		return fmt.Errorf("cannot reach %s: %w", cfg.WebDAV.URL, err)
	}

	session, err := newSession(cfg, client, paths, cacheDir, logger)
	if err != nil {
		return err
	}

	server := fuse.NewServer(cfg.Mount.MountPoint, session, fuse.ServerOptions{
		FsName:     cfg.WebDAV.URL,
		AllowOther: cfg.Mount.AllowOther,
		Debug:      cfg.Mount.Debug,
		UID:        cfg.GetUID(),
		GID:        cfg.GetGID(),
	}, logger)

	runErr := serve(ctx, server)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		logger.ErrorContext(closeCtx, "Failed to close session cleanly", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	logger.InfoContext(closeCtx, "Unmounted")
	return runErr
}

// serve mounts the filesystem and blocks until it is unmounted, either from
// outside or because ctx was cancelled by a signal.
func serve(ctx context.Context, server *fuse.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return server.Mount()
	})

	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-gctx.Done():
		}
		select {
		case <-done:
			return nil
		default:
		}
		return server.Unmount()
	})

	return g.Wait()
}

// credentials resolves the username and password, prompting for the
// password on a terminal when nothing else supplies it.
func credentials(cfg *config.Config) (string, string, error) {
	username, password, err := cfg.ResolveCredentials()
	if err != nil {
		return "", "", err
	}
	if username == "" || password != "" {
		return username, password, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return username, password, nil
	}

	fmt.Fprintf(os.Stderr, "Password for %s at %s: ", username, cfg.WebDAV.URL)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", "", fmt.Errorf("failed to read password: %w", err)
	}
	return username, string(raw), nil
}

func newClient(cfg *config.Config, username, password string, logger *slog.Logger) (*davclient.Client, error) {
	hc := httpclient.New(
		httpclient.WithTimeout(cfg.WebDAV.Timeout),
		httpclient.WithInsecureTLS(cfg.WebDAV.InsecureTLS),
		httpclient.WithoutAutoRedirect(),
	)

	return davclient.New(cfg.WebDAV.URL,
		davclient.WithHTTPClient(hc),
		davclient.WithCredentials(username, password),
		davclient.WithFollowRedirects(cfg.GetFollowRedirects()),
		davclient.WithUserAgent(cfg.WebDAV.UserAgent),
		davclient.WithLogger(logger),
	)
}

// probe checks that the collection root answers before anything is
// mounted. Only transport failures are retried.
func probe(ctx context.Context, client *davclient.Client, root string, logger *slog.Logger) error {
	return retry.Do(
		func() error {
			_, err := client.Propfind(ctx, root, 0)
			return err
		},
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			kind, ok := derrors.KindOf(err)
			return ok && kind == derrors.KindTransport
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.WarnContext(ctx, "Server not reachable, retrying",
				"attempt", n+1,
				"error", err)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func newSession(cfg *config.Config, client *davclient.Client, paths *pathutil.Normalizer, cacheDir string, logger *slog.Logger) (*davfs.Filesystem, error) {
	mode, err := davfs.ParseLockMode(cfg.Locking.Mode)
	if err != nil {
		return nil, err
	}

	opts := davfs.Options{
		CacheDir:     cacheDir,
		LockMode:     mode,
		LockTimeout:  cfg.GetLockTimeout(),
		NegativeTTL:  cfg.Cache.NegativeTTL,
		NegativeSize: cfg.Cache.NegativeSize,
		Logger:       logger,
	}
	if mode != davfs.LockNone {
		opts.Locker = client.Locks()
	}

	session, err := davfs.New(client, paths, opts)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("cache directory %s is not usable: %w", cacheDir, err)
		}
		return nil, err
	}
	return session, nil
}

// reportCacheSpace logs the space left for cached content.
func reportCacheSpace(cacheDir string, logger *slog.Logger) {
	space, err := pathutil.GetDiskSpace(cacheDir)
	if err != nil {
		logger.Debug("Cannot determine free space of cache directory", "dir", cacheDir, "error", err)
		return
	}
	if space.Free < lowSpaceBytes {
		logger.Warn("Cache directory is low on space", "dir", cacheDir, "free_bytes", space.Free)
		return
	}
	logger.Info("Cache directory ready", "dir", cacheDir, "free_bytes", space.Free, "total_bytes", space.Total)
}
