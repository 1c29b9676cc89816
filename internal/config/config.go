// Package config loads taskcache settings from a TOML file, TASKCACHE_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins).
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TASKCACHE_SERVER_URL.
const EnvPrefix = "TASKCACHE"

// Config is the effective configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Data         DataConfig         `mapstructure:"data" yaml:"data"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard" yaml:"dashboard"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`

	// File is the config file that was read, if any
	File string `mapstructure:"-" yaml:"-"`
}

type ServerConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	PageSize    int           `mapstructure:"page_size" yaml:"page_size"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

type DashboardConfig struct {
	// Port 0 disables the dashboard
	Port int `mapstructure:"port" yaml:"port"`
}

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabasePath is the cache database inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.Dir, "cache.db")
}

// DefaultDir returns $HOME/.taskcache, falling back to ./.taskcache when
// the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskcache"
	}
	return filepath.Join(home, ".taskcache")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.toml")
}

// defaults lists every key with its default value. Durations are kept as
// strings so the same table can be written out as TOML.
func defaults() map[string]any {
	return map[string]any{
		"server.url":                  "",
		"server.token":                "",
		"server.timeout":              "10s",
		"data.dir":                    DefaultDir(),
		"sync.interval":               "15m",
		"sync.backoff_base":           "30s",
		"sync.backoff_max":            "1h",
		"sync.max_retries":            5,
		"sync.page_size":              50,
		"connectivity.probe_interval": "30s",
		"connectivity.probe_timeout":  "5s",
		"dashboard.port":              0,
		"log.file":                    "",
		"log.max_size_mb":             10,
		"log.max_backups":             3,
		"log.max_age_days":            28,
		"log.compress":                true,
	}
}

// Load reads path (DefaultPath when empty). A missing file is not an error;
// defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath()
	}
	file := ""
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		file = path
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = file

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges. An empty server URL is allowed; commands
// that need the server report it themselves.
func (c *Config) Validate() error {
	switch {
	case c.Data.Dir == "":
		return fmt.Errorf("data.dir cannot be empty")
	case c.Server.Timeout <= 0:
		return fmt.Errorf("server.timeout must be positive")
	case c.Sync.MaxRetries < 1:
		return fmt.Errorf("sync.max_retries must be at least 1")
	case c.Sync.PageSize < 1:
		return fmt.Errorf("sync.page_size must be at least 1")
	case c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase:
		return fmt.Errorf("sync.backoff_base must be positive and not above sync.backoff_max")
	case c.Dashboard.Port < 0 || c.Dashboard.Port > 65535:
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}

// WriteDefault writes a config file holding every default. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}

	tree := make(map[string]map[string]any)
	for key, value := range defaults() {
		section, name, _ := strings.Cut(key, ".")
		if tree[section] == nil {
			tree[section] = make(map[string]any)
		}
		tree[section][name] = value
	}

	var buf bytes.Buffer
	buf.WriteString("# taskcache configuration. Every key can be overridden with\n")
	buf.WriteString("# TASKCACHE_<SECTION>_<KEY>, e.g. TASKCACHE_SERVER_URL.\n\n")
	if err := toml.NewEncoder(&buf).Encode(tree); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// YAML renders the effective configuration with the token redacted.
func (c *Config) YAML() ([]byte, error) {
	shown := *c
	if shown.Server.Token != "" {
		shown.Server.Token = "********"
	}
	return yaml.Marshal(&shown)
}
