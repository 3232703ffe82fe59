// Package config loads the chatsync configuration from the config file
// and environment.
//
// The file lives at ~/.chatsync/config.yaml by default and every field
// can be overridden with a CHATSYNC_ environment variable
// (CHATSYNC_REMOTE_DSN, CHATSYNC_INTERVAL, ...). `chatsync init` writes
// the initial file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrNotConfigured reports that no remote endpoint is configured. Fatal
// to starting a pass; the user runs `chatsync init` first.
var ErrNotConfigured = errors.New("config: no remote endpoint configured, run `chatsync init`")

// MinInterval is the floor for the auto-sync interval. Shorter
// configured values are clamped.
const MinInterval = 30 * time.Second

// DefaultInterval is used when no interval is configured.
const DefaultInterval = 60 * time.Second

// Config holds everything chatsync needs to run.
type Config struct {
	// RemoteDSN selects the remote backend by scheme: libsql://,
	// postgres://, or file: for a local database.
	RemoteDSN string `yaml:"remote_dsn" mapstructure:"remote_dsn"`

	// Workspace scopes this account's documents in the shared database.
	Workspace string `yaml:"workspace" mapstructure:"workspace"`

	// LocalDB is the path of the local record database.
	LocalDB string `yaml:"local_db" mapstructure:"local_db"`

	// Interval between automatic sync passes.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// Keys lists extra local-store keys to sync.
	Keys []string `yaml:"keys" mapstructure:"keys"`

	// EventsPort is the WebSocket event server port for the daemon.
	// 0 disables the server.
	EventsPort int `yaml:"events_port" mapstructure:"events_port"`

	// LogFile is the daemon's rotating log file. Empty means stderr.
	LogFile string `yaml:"log_file" mapstructure:"log_file"`

	// TriggerFile is watched by the daemon; touching it starts a pass.
	TriggerFile string `yaml:"trigger_file" mapstructure:"trigger_file"`
}

// Dir returns the chatsync configuration directory.
func Dir() string {
	if dir := os.Getenv("CHATSYNC_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatsync"
	}
	return filepath.Join(home, ".chatsync")
}

// Path returns the config file path.
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the configuration defaults.
func Default() *Config {
	dir := Dir()
	return &Config{
		Workspace:   "default",
		LocalDB:     filepath.Join(dir, "chats.db"),
		Interval:    DefaultInterval,
		TriggerFile: filepath.Join(dir, "sync-trigger"),
	}
}

// Load reads the configuration from the config file and environment.
// A missing file yields the defaults; set fields still come from the
// environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(Path())
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("remote_dsn", "")
	v.SetDefault("workspace", def.Workspace)
	v.SetDefault("local_db", def.LocalDB)
	v.SetDefault("interval", def.Interval)
	v.SetDefault("keys", []string{})
	v.SetDefault("events_port", 0)
	v.SetDefault("log_file", "")
	v.SetDefault("trigger_file", def.TriggerFile)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.clamp()
	return cfg, nil
}

// Validate checks the configuration is complete enough to sync.
func (c *Config) Validate() error {
	if c.RemoteDSN == "" {
		return ErrNotConfigured
	}
	if c.Workspace == "" {
		return errors.New("config: workspace must not be empty")
	}
	return nil
}

// Save writes the configuration to the config file, creating the
// directory as needed.
func (c *Config) Save() error {
	if err := os.MkdirAll(Dir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) clamp() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Interval < MinInterval {
		c.Interval = MinInterval
	}
	if c.LocalDB == "" {
		c.LocalDB = Default().LocalDB
	}
	if c.TriggerFile == "" {
		c.TriggerFile = Default().TriggerFile
	}
}
