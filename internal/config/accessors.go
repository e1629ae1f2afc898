package config

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Accessor methods with default fallbacks for values that may be left
// empty in the file.

// GetCacheDir returns the cache directory. The default is derived from the
// server URL so that each collection keeps its own cache.
func (c *Config) GetCacheDir() (string, error) {
	if c.Cache.Dir != "" {
		return c.Cache.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for the cache: %w", err)
	}
	return filepath.Join(home, ".davmount", URLHash(c.WebDAV.URL)), nil
}

// URLHash returns a short stable name for a server URL.
func URLHash(rawURL string) string {
	hash := sha256.Sum256([]byte(strings.TrimRight(rawURL, "/")))
	return fmt.Sprintf("%x", hash)[:16]
}

// GetLockTimeout returns the requested lock lifetime. Zero means infinite.
func (c *Config) GetLockTimeout() time.Duration {
	if c.Locking.Timeout <= 0 {
		return 0
	}
	return c.Locking.Timeout
}

// GetUID returns the owner reported for every file.
func (c *Config) GetUID() uint32 {
	if c.Mount.UID == nil {
		return uint32(os.Getuid())
	}
	return *c.Mount.UID
}

// GetGID returns the group reported for every file.
func (c *Config) GetGID() uint32 {
	if c.Mount.GID == nil {
		return uint32(os.Getgid())
	}
	return *c.Mount.GID
}

// GetFollowRedirects reports whether same-host redirects are followed.
func (c *Config) GetFollowRedirects() bool {
	if c.WebDAV.FollowRedirects == nil {
		return true // Default: follow
	}
	return *c.WebDAV.FollowRedirects
}

// GetUseNetrc reports whether missing credentials are looked up in netrc.
func (c *Config) GetUseNetrc() bool {
	if c.WebDAV.UseNetrc == nil {
		return true
	}
	return *c.WebDAV.UseNetrc
}

// GetNetrcFile returns the netrc path, ~/.netrc unless configured.
func (c *Config) GetNetrcFile() string {
	if c.WebDAV.NetrcFile != "" {
		return c.WebDAV.NetrcFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".netrc")
}

// ResolveCredentials returns the username and password for the server.
// Values from the config win; whatever is missing is taken from the netrc
// entry of the server's host.
func (c *Config) ResolveCredentials() (username, password string, err error) {
	username, password = c.WebDAV.Username, c.WebDAV.Password
	if password != "" || !c.GetUseNetrc() {
		return username, password, nil
	}

	u, err := url.Parse(c.WebDAV.URL)
	if err != nil {
		return "", "", fmt.Errorf("webdav url is invalid: %w", err)
	}

	netrcFile := c.GetNetrcFile()
	if netrcFile == "" {
		return username, password, nil
	}
	entry, err := LookupNetrc(netrcFile, u.Hostname())
	if err != nil {
		if os.IsNotExist(err) {
			return username, password, nil
		}
		return "", "", err
	}
	if entry == nil {
		return username, password, nil
	}

	switch {
	case username == "":
		return entry.Login, entry.Password, nil
	case username == entry.Login:
		return username, entry.Password, nil
	default:
		return username, password, nil
	}
}
