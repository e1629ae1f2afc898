package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.WebDAV.URL = "https://dav.example.com/remote.php/webdav/"
	cfg.Mount.MountPoint = "/mnt/dav"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		errContains string
	}{
		{
			name:   "defaults with url and mount point - ok",
			modify: func(*Config) {},
		},
		{
			name:        "missing url",
			modify:      func(c *Config) { c.WebDAV.URL = "" },
			errContains: "webdav url cannot be empty",
		},
		{
			name:        "ftp url",
			modify:      func(c *Config) { c.WebDAV.URL = "ftp://dav.example.com/" },
			errContains: "http or https",
		},
		{
			name:        "url without host",
			modify:      func(c *Config) { c.WebDAV.URL = "https:///path" },
			errContains: "must include a host",
		},
		{
			name:        "missing mount point",
			modify:      func(c *Config) { c.Mount.MountPoint = "" },
			errContains: "mount_point cannot be empty",
		},
		{
			name:        "unknown lock mode",
			modify:      func(c *Config) { c.Locking.Mode = "sometimes" },
			errContains: "locking mode must be one of",
		},
		{
			name:   "lock mode is case insensitive",
			modify: func(c *Config) { c.Locking.Mode = "Eternity" },
		},
		{
			name:        "bad log level",
			modify:      func(c *Config) { c.Log.Level = "verbose" },
			errContains: "log.level must be one of",
		},
		{
			name:        "negative ttl",
			modify:      func(c *Config) { c.Cache.NegativeTTL = -time.Second },
			errContains: "negative_ttl",
		},
		{
			name:        "negative log backups",
			modify:      func(c *Config) { c.Log.MaxBackups = -1 },
			errContains: "log.max_backups",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestConfig_DeepCopy(t *testing.T) {
	cfg := validConfig()
	uid := uint32(42)
	cfg.Mount.UID = &uid

	cp := cfg.DeepCopy()
	*cp.WebDAV.FollowRedirects = false
	*cp.Mount.UID = 7

	assert.True(t, *cfg.WebDAV.FollowRedirects)
	assert.Equal(t, uint32(42), *cfg.Mount.UID)
	assert.Nil(t, (*Config)(nil).DeepCopy())
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := validConfig()
	cfg.Locking.Mode = "advanced"
	cfg.Locking.Timeout = 90 * time.Second
	cfg.Cache.NegativeTTL = 2 * time.Second
	require.NoError(t, SaveToFile(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, used, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, cfg.WebDAV.URL, loaded.WebDAV.URL)
	assert.Equal(t, "advanced", loaded.Locking.Mode)
	assert.Equal(t, 90*time.Second, loaded.Locking.Timeout)
	assert.Equal(t, 2*time.Second, loaded.Cache.NegativeTTL)
	assert.True(t, loaded.GetFollowRedirects())
	require.NoError(t, loaded.Validate())
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("webdav:\n  url: http://localhost:8080/\n"), 0600))

	cfg, _, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/", cfg.WebDAV.URL)
	assert.Equal(t, 30*time.Second, cfg.WebDAV.Timeout)
	assert.Equal(t, 4096, cfg.Cache.NegativeSize)
	assert.Equal(t, "none", cfg.Locking.Mode)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestAccessors(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, 300*time.Second, cfg.GetLockTimeout())
	cfg.Locking.Timeout = -1
	assert.Equal(t, time.Duration(0), cfg.GetLockTimeout())

	assert.Equal(t, uint32(os.Getuid()), cfg.GetUID())
	gid := uint32(100)
	cfg.Mount.GID = &gid
	assert.Equal(t, uint32(100), cfg.GetGID())

	dir, err := cfg.GetCacheDir()
	require.NoError(t, err)
	assert.Equal(t, URLHash(cfg.WebDAV.URL), filepath.Base(dir))
	assert.Equal(t, URLHash("https://dav.example.com/remote.php/webdav"), URLHash(cfg.WebDAV.URL))

	cfg.Cache.Dir = "/var/cache/dav"
	dir, err = cfg.GetCacheDir()
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/dav", dir)
}

func TestManager_UpdateConfigNotifies(t *testing.T) {
	m := NewManager(validConfig(), "")

	var gotOld, gotNew string
	m.OnConfigChange(func(oldConfig, newConfig *Config) {
		gotOld = oldConfig.Log.Level
		gotNew = newConfig.Log.Level
	})

	next := validConfig()
	next.Log.Level = "debug"
	require.NoError(t, m.UpdateConfig(next))
	assert.Equal(t, "info", gotOld)
	assert.Equal(t, "debug", gotNew)
	assert.Equal(t, "debug", m.GetConfig().Log.Level)

	bad := validConfig()
	bad.Locking.Mode = "bogus"
	assert.Error(t, m.UpdateConfig(bad))
	assert.Equal(t, "debug", m.GetConfig().Log.Level)
}

func TestManager_ReloadKeepsMountSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := validConfig()
	require.NoError(t, SaveToFile(cfg, path))

	m := NewManager(cfg, path)

	edited := validConfig()
	edited.WebDAV.URL = "https://other.example.com/"
	edited.Log.Level = "warn"
	require.NoError(t, SaveToFile(edited, path))

	require.NoError(t, m.ReloadConfig())
	assert.Equal(t, "warn", m.GetConfig().Log.Level)
	assert.Equal(t, cfg.WebDAV.URL, m.GetConfig().WebDAV.URL)
}

type levelRecorder struct {
	levels []string
}

func (r *levelRecorder) UpdateLevel(level string) error {
	r.levels = append(r.levels, level)
	return nil
}

func TestLogLevelCallback(t *testing.T) {
	rec := &levelRecorder{}
	m := NewManager(validConfig(), "")
	m.OnConfigChange(LogLevelCallback(rec, nil))

	same := validConfig()
	require.NoError(t, m.UpdateConfig(same))
	assert.Empty(t, rec.levels)

	changed := validConfig()
	changed.Log.Level = "error"
	require.NoError(t, m.UpdateConfig(changed))
	assert.Equal(t, []string{"error"}, rec.levels)
}

func TestManager_SaveConfig(t *testing.T) {
	assert.Error(t, NewManager(validConfig(), "").SaveConfig())

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := validConfig()
	cfg.Log.Level = "debug"
	require.NoError(t, NewManager(cfg, path).SaveConfig())

	loaded, used, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, "debug", loaded.Log.Level)
	assert.Equal(t, cfg.WebDAV.URL, loaded.WebDAV.URL)
}
