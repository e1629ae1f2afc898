package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	WebDAV  WebDAVConfig  `yaml:"webdav" mapstructure:"webdav"`
	Mount   MountConfig   `yaml:"mount" mapstructure:"mount"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Locking LockingConfig `yaml:"locking" mapstructure:"locking"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// WebDAVConfig describes the remote collection
type WebDAVConfig struct {
	URL             string        `yaml:"url" mapstructure:"url"`
	Username        string        `yaml:"username" mapstructure:"username"`
	Password        string        `yaml:"password" mapstructure:"password"`
	UseNetrc        *bool         `yaml:"use_netrc" mapstructure:"use_netrc"`
	NetrcFile       string        `yaml:"netrc_file" mapstructure:"netrc_file"` // Empty = ~/.netrc
	InsecureTLS     bool          `yaml:"insecure_tls" mapstructure:"insecure_tls"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	FollowRedirects *bool         `yaml:"follow_redirects" mapstructure:"follow_redirects"`
	UserAgent       string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// MountConfig describes the local mount point
type MountConfig struct {
	MountPoint string  `yaml:"mount_point" mapstructure:"mount_point"`
	AllowOther bool    `yaml:"allow_other" mapstructure:"allow_other"`
	UID        *uint32 `yaml:"uid" mapstructure:"uid"` // Empty = current user
	GID        *uint32 `yaml:"gid" mapstructure:"gid"` // Empty = current group
	Debug      bool    `yaml:"debug" mapstructure:"debug"`
}

// CacheConfig describes the local content and metadata cache
type CacheConfig struct {
	Dir          string        `yaml:"dir" mapstructure:"dir"` // Empty = ~/.davmount/<url hash>
	NegativeTTL  time.Duration `yaml:"negative_ttl" mapstructure:"negative_ttl"`
	NegativeSize int           `yaml:"negative_size" mapstructure:"negative_size"`
}

// LockingConfig describes how WebDAV locks are taken
type LockingConfig struct {
	Mode    string        `yaml:"mode" mapstructure:"mode"`       // none, simple, advanced, eternity
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"` // <= 0 = infinite
}

// LogConfig represents logging configuration with rotation support
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`               // Log file path (empty = console only)
	Level      string `yaml:"level" mapstructure:"level"`             // Log level (debug, info, warn, error)
	Format     string `yaml:"format" mapstructure:"format"`           // text or json
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // Max size in MB before rotation
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // Max age in days to keep files
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // Max number of old files to keep
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // Compress old log files
}

// envKeys can be set from the environment even when the file omits them.
var envKeys = []string{"webdav.url", "webdav.username", "webdav.password", "mount.mount_point", "log.level"}

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
	validLockModes  = []string{"none", "simple", "advanced", "eternity"}
)

// DeepCopy returns a deep copy of the configuration
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}

	copyCfg := *c
	copyCfg.WebDAV.UseNetrc = copyPtr(c.WebDAV.UseNetrc)
	copyCfg.WebDAV.FollowRedirects = copyPtr(c.WebDAV.FollowRedirects)
	copyCfg.Mount.UID = copyPtr(c.Mount.UID)
	copyCfg.Mount.GID = copyPtr(c.Mount.GID)

	return &copyCfg
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.WebDAV.URL == "" {
		return fmt.Errorf("webdav url cannot be empty")
	}
	u, err := url.Parse(c.WebDAV.URL)
	if err != nil {
		return fmt.Errorf("webdav url is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webdav url must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("webdav url must include a host")
	}

	if c.WebDAV.Timeout < 0 {
		return fmt.Errorf("webdav timeout must be non-negative")
	}

	if c.Mount.MountPoint == "" {
		return fmt.Errorf("mount mount_point cannot be empty")
	}

	if c.Cache.NegativeTTL < 0 {
		return fmt.Errorf("cache negative_ttl must be non-negative")
	}
	if c.Cache.NegativeSize < 0 {
		return fmt.Errorf("cache negative_size must be non-negative")
	}

	if !slices.Contains(validLockModes, strings.ToLower(c.Locking.Mode)) {
		return fmt.Errorf("locking mode must be one of: %s", strings.Join(validLockModes, ", "))
	}

	if c.Log.Level != "" && !slices.Contains(validLogLevels, c.Log.Level) {
		return fmt.Errorf("log.level must be one of: %s", strings.Join(validLogLevels, ", "))
	}
	if c.Log.Format != "" && !slices.Contains(validLogFormats, c.Log.Format) {
		return fmt.Errorf("log.format must be one of: %s", strings.Join(validLogFormats, ", "))
	}
	if c.Log.MaxSize < 0 {
		return fmt.Errorf("log.max_size must be non-negative")
	}
	if c.Log.MaxAge < 0 {
		return fmt.Errorf("log.max_age must be non-negative")
	}
	if c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_backups must be non-negative")
	}

	return nil
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	useNetrc := true
	followRedirects := true

	return &Config{
		WebDAV: WebDAVConfig{
			UseNetrc:        &useNetrc,
			Timeout:         30 * time.Second,
			FollowRedirects: &followRedirects,
			UserAgent:       "davmount",
		},
		Cache: CacheConfig{
			NegativeTTL:  5 * time.Second,
			NegativeSize: 4096,
		},
		Locking: LockingConfig{
			Mode:    "none",
			Timeout: 300 * time.Second,
		},
		Log: LogConfig{
			File:       "",     // Empty = console only
			Level:      "info", // Default log level
			Format:     "text",
			MaxSize:    100, // 100MB max size
			MaxAge:     30,  // Keep for 30 days
			MaxBackups: 10,  // Keep 10 old files
			Compress:   true,
		},
	}
}

// SaveToFile saves a configuration to a YAML file
func SaveToFile(config *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("no config file path provided")
	}

	// Ensure the directory exists
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold a password
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// newViper builds a viper instance that reads configFile, or looks for
// config.yaml in the usual places. DAVMOUNT_* environment variables
// override file values.
func newViper(configFile string) *viper.Viper {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".davmount"))
		}
		v.AddConfigPath("/etc/davmount")
	}

	v.SetEnvPrefix("davmount")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// read loads the file into a copy of the defaults. A missing file is only
// an error when it was named explicitly.
func read(v *viper.Viper, configFile string) (*Config, error) {
	config := DefaultConfig()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file and merges with defaults. The
// result is not validated: command line arguments may still fill in the
// URL and mount point.
func LoadConfig(configFile string) (*Config, string, error) {
	v := newViper(configFile)
	config, err := read(v, configFile)
	if err != nil {
		return nil, "", err
	}
	return config, v.ConfigFileUsed(), nil
}
