// Package config loads lockstep settings from a workspace's
// .lockstep/config.toml, with LOCKSTEP_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/picostuff/lockstep/internal/workspace"
)

// FileName is the config file name inside the state directory.
const FileName = "config.toml"

// Config is the complete lockstep configuration.
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace" toml:"workspace"`
	State     StateConfig     `mapstructure:"state" toml:"state"`
	Remote    RemoteConfig    `mapstructure:"remote" toml:"remote"`
	Sync      SyncConfig      `mapstructure:"sync" toml:"sync"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard" toml:"dashboard"`
}

// WorkspaceConfig locates the synced directory.
type WorkspaceConfig struct {
	Root string `mapstructure:"root" toml:"root"`
	// Exclude holds glob patterns added to the built-in excludes.
	Exclude []string `mapstructure:"exclude" toml:"exclude"`
}

// StateConfig locates local state.
type StateConfig struct {
	BaselineDB string `mapstructure:"baseline_db" toml:"baseline_db"`
}

// RemoteConfig locates the remote tree.
type RemoteConfig struct {
	TreeDB string `mapstructure:"tree_db" toml:"tree_db"`
}

// SyncConfig tunes the worker and daemon.
type SyncConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" toml:"max_attempts"`
	Workers      int           `mapstructure:"workers" toml:"workers"`
	Debounce     time.Duration `mapstructure:"debounce" toml:"debounce"`
	PollInterval time.Duration `mapstructure:"poll_interval" toml:"poll_interval"`
}

// LogConfig controls log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file"`
	Verbose    bool   `mapstructure:"verbose" toml:"verbose"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
}

// DashboardConfig configures the dashboard server.
type DashboardConfig struct {
	Port int `mapstructure:"port" toml:"port"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{Root: ".", Exclude: []string{}},
		State:     StateConfig{BaselineDB: filepath.Join(workspace.StateDir, "baseline.db")},
		Remote:    RemoteConfig{TreeDB: filepath.Join(workspace.StateDir, "remote.db")},
		Sync: SyncConfig{
			MaxAttempts:  3,
			Workers:      4,
			Debounce:     100 * time.Millisecond,
			PollInterval: 5 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Dashboard: DashboardConfig{Port: 8080},
	}
}

// Path returns the config file location for a workspace root.
func Path(root string) string {
	return filepath.Join(root, workspace.StateDir, FileName)
}

func newViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("workspace.root", d.Workspace.Root)
	v.SetDefault("workspace.exclude", d.Workspace.Exclude)
	v.SetDefault("state.baseline_db", d.State.BaselineDB)
	v.SetDefault("remote.tree_db", d.Remote.TreeDB)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.workers", d.Sync.Workers)
	v.SetDefault("sync.debounce", d.Sync.Debounce)
	v.SetDefault("sync.poll_interval", d.Sync.PollInterval)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.verbose", d.Log.Verbose)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("dashboard.port", d.Dashboard.Port)

	v.SetConfigType("toml")
	v.SetEnvPrefix("LOCKSTEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path. A missing file yields the defaults,
// still subject to environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWorkspace loads the config of the workspace rooted at root. The
// workspace root always comes from root, whatever the file says.
func LoadWorkspace(root string) (*Config, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	cfg, err := Load(Path(abs))
	if err != nil {
		return nil, err
	}
	cfg.Workspace.Root = abs
	return cfg, nil
}

// Validate checks the configuration for values the rest of lockstep
// cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workspace.Root == "" {
		errs = append(errs, fmt.Errorf("workspace.root must not be empty"))
	}
	if c.State.BaselineDB == "" {
		errs = append(errs, fmt.Errorf("state.baseline_db must not be empty"))
	}
	if c.Remote.TreeDB == "" {
		errs = append(errs, fmt.Errorf("remote.tree_db must not be empty"))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.max_attempts must be positive, got %d", c.Sync.MaxAttempts))
	}
	if c.Sync.Workers < 1 {
		errs = append(errs, fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers))
	}
	if c.Sync.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("sync.debounce must be positive"))
	}
	if c.Sync.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync.poll_interval must be positive"))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port))
	}
	if _, err := workspace.NewMatcher(c.Workspace.Exclude); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Resolve makes p absolute relative to the workspace root.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Workspace.Root, p)
}

// BaselinePath returns the absolute baseline database path.
func (c *Config) BaselinePath() string {
	return c.Resolve(c.State.BaselineDB)
}

// TreePath returns the absolute remote tree database path.
func (c *Config) TreePath() string {
	return c.Resolve(c.Remote.TreeDB)
}

// Write encodes cfg as TOML to path, atomically.
func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
