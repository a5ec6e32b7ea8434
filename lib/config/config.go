// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/roomserver/lib/ref"
)

// EnvVar names the environment variable Load reads the config path from.
const EnvVar = "BUREAU_ROOMSERVER_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// Duration is a time.Duration written in YAML as a Go duration string
// ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the configuration of the room server and its CLI.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// ServerName is this homeserver's name. Used only for logging.
	ServerName string `yaml:"server_name"`

	Paths      PathsConfig      `yaml:"paths"`
	Storage    StorageConfig    `yaml:"storage"`
	Rooms      RoomsConfig      `yaml:"rooms"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	Federation FederationConfig `yaml:"federation"`
	Log        LogConfig        `yaml:"log"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Storage *StorageConfig `yaml:"storage,omitempty"`
	Log     *LogConfig     `yaml:"log,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base directory for room server data.
	Root string `yaml:"root"`

	// Database is the SQLite database file.
	// Default: ${BUREAU_ROOT}/roomserver.db
	Database string `yaml:"database"`

	// Socket is the unix socket the room server listens on and the CLI
	// connects to.
	// Default: ${BUREAU_ROOT}/roomserver.sock
	Socket string `yaml:"socket"`
}

// StorageConfig sizes the database pool and in-memory caches.
type StorageConfig struct {
	PoolSize int `yaml:"pool_size"`

	// SnapshotInterval is the longest chain of state group diffs before
	// a full snapshot is written.
	SnapshotInterval int `yaml:"snapshot_interval"`

	EventCacheSize     int `yaml:"event_cache_size"`
	StateCacheSize     int `yaml:"state_cache_size"`
	AuthChainCacheSize int `yaml:"auth_chain_cache_size"`
	ShortIDCacheSize   int `yaml:"short_id_cache_size"`
}

// RoomsConfig configures per-room workers.
type RoomsConfig struct {
	QueueDepth  int      `yaml:"queue_depth"`
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// BackfillConfig configures fetching of missing ancestors.
type BackfillConfig struct {
	MaxDepth     int      `yaml:"max_depth"`
	RetryMin     Duration `yaml:"retry_min"`
	RetryMax     Duration `yaml:"retry_max"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
}

// FederationConfig lists the servers missing events can be fetched from.
type FederationConfig struct {
	// Peers maps a server name to the base URL of its federation API.
	// Servers not listed are never contacted.
	Peers map[string]string `yaml:"peers"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Format is "json" or "text".
	Format string `yaml:"format"`
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
}

// Default returns the default configuration. It is the base the config
// file is loaded over, not a fallback: the file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "bureau", "roomserver")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:     defaultRoot,
			Database: "${BUREAU_ROOT}/roomserver.db",
			Socket:   "${BUREAU_ROOT}/roomserver.sock",
		},
		Storage: StorageConfig{
			PoolSize:           8,
			SnapshotInterval:   100,
			EventCacheSize:     8192,
			StateCacheSize:     1024,
			AuthChainCacheSize: 4096,
			ShortIDCacheSize:   65536,
		},
		Rooms: RoomsConfig{
			QueueDepth:  256,
			IdleTimeout: Duration(5 * time.Minute),
		},
		Backfill: BackfillConfig{
			MaxDepth:     64,
			RetryMin:     Duration(time.Second),
			RetryMax:     Duration(5 * time.Minute),
			FetchTimeout: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load loads configuration from the file named by BUREAU_ROOMSERVER_CONFIG.
// There is no fallback: if the variable is not set, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your roomserver.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// Environment variables do not override config values. The only
// expansion performed is ${VAR} and ${VAR:-default} in paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production defaults: structured logs.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Database != "" {
			c.Paths.Database = overrides.Paths.Database
		}
		if overrides.Paths.Socket != "" {
			c.Paths.Socket = overrides.Paths.Socket
		}
	}

	if overrides.Storage != nil {
		if overrides.Storage.PoolSize != 0 {
			c.Storage.PoolSize = overrides.Storage.PoolSize
		}
		if overrides.Storage.SnapshotInterval != 0 {
			c.Storage.SnapshotInterval = overrides.Storage.SnapshotInterval
		}
		if overrides.Storage.EventCacheSize != 0 {
			c.Storage.EventCacheSize = overrides.Storage.EventCacheSize
		}
		if overrides.Storage.StateCacheSize != 0 {
			c.Storage.StateCacheSize = overrides.Storage.StateCacheSize
		}
		if overrides.Storage.AuthChainCacheSize != 0 {
			c.Storage.AuthChainCacheSize = overrides.Storage.AuthChainCacheSize
		}
		if overrides.Storage.ShortIDCacheSize != 0 {
			c.Storage.ShortIDCacheSize = overrides.Storage.ShortIDCacheSize
		}
	}

	if overrides.Log != nil {
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"BUREAU_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["BUREAU_ROOT"] = c.Paths.Root

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Socket = expandVars(c.Paths.Socket, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns. vars take
// precedence over the environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.ServerName != "" {
		if _, err := ref.ParseServerName(c.ServerName); err != nil {
			errs = append(errs, fmt.Errorf("server_name: %w", err))
		}
	}

	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, errors.New("paths.database is required"))
	}
	if c.Paths.Socket == "" {
		errs = append(errs, errors.New("paths.socket is required"))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"storage.pool_size", c.Storage.PoolSize},
		{"storage.snapshot_interval", c.Storage.SnapshotInterval},
		{"storage.event_cache_size", c.Storage.EventCacheSize},
		{"storage.state_cache_size", c.Storage.StateCacheSize},
		{"storage.auth_chain_cache_size", c.Storage.AuthChainCacheSize},
		{"storage.short_id_cache_size", c.Storage.ShortIDCacheSize},
		{"rooms.queue_depth", c.Rooms.QueueDepth},
		{"backfill.max_depth", c.Backfill.MaxDepth},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", field.name, field.value))
		}
	}

	durations := []struct {
		name  string
		value Duration
	}{
		{"rooms.idle_timeout", c.Rooms.IdleTimeout},
		{"backfill.retry_min", c.Backfill.RetryMin},
		{"backfill.retry_max", c.Backfill.RetryMax},
		{"backfill.fetch_timeout", c.Backfill.FetchTimeout},
	}
	for _, field := range durations {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", field.name, field.value.Std()))
		}
	}
	if c.Backfill.RetryMax < c.Backfill.RetryMin {
		errs = append(errs, fmt.Errorf("backfill.retry_max (%s) is less than backfill.retry_min (%s)",
			c.Backfill.RetryMax.Std(), c.Backfill.RetryMin.Std()))
	}

	for server, base := range c.Federation.Peers {
		if _, err := ref.ParseServerName(server); err != nil {
			errs = append(errs, fmt.Errorf("federation.peers: %w", err))
			continue
		}
		parsed, err := url.Parse(base)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("federation.peers[%s]: %q is not an http(s) URL", server, base))
		}
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Peers returns the federation peers keyed by parsed server name.
// Call after Validate; unparseable names are skipped.
func (c *Config) Peers() map[ref.ServerName]string {
	peers := make(map[ref.ServerName]string, len(c.Federation.Peers))
	for server, base := range c.Federation.Peers {
		name, err := ref.ParseServerName(server)
		if err != nil {
			continue
		}
		peers[name] = base
	}
	return peers
}

// EnsurePaths creates the directories the configured files live in.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		filepath.Dir(c.Paths.Database),
		filepath.Dir(c.Paths.Socket),
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
