// Package config loads haexbridge's configuration the way the teacher
// loads MaxIOFS's: defaults, overridden by a config file, overridden by
// HAEXBRIDGE_-prefixed environment variables, overridden in turn by
// flags set explicitly on the command line.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DefaultPort mirrors internal/bridge.DefaultPort; duplicated here
// rather than imported so this package stays free of a dependency on
// the component it configures.
const DefaultPort = 19455

// Config holds every setting haexbridge needs to start.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	HLC      HLCConfig      `mapstructure:"hlc"`
	Router   RouterConfig   `mapstructure:"router"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// ConfigFile is not itself persisted; it records which file (if
	// any) Load read.
	ConfigFile string `mapstructure:"-"`
}

// ServerConfig controls the bridge's WebSocket listener and the
// status/health HTTP surface alongside it.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	// BindAddr is loaded but not read by internal/bridge, whose
	// listener always binds 127.0.0.1.
	BindAddr string `mapstructure:"bind_addr"`
	// StatusAddr is the internal/httpapi listen address. Empty
	// disables the status surface entirely.
	StatusAddr string `mapstructure:"status_addr"`
}

// DatabaseConfig points at the embedded relational store backing every
// persisted table, the journal, and the HLC config key/value rows.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// HLCConfig tunes the hybrid-logical-clock service.
type HLCConfig struct {
	MaxDeltaMillis int64  `mapstructure:"max_delta_millis"`
	NodeKVPath     string `mapstructure:"node_kv_path"`
}

// RouterConfig tunes request/response correlation timeouts.
type RouterConfig struct {
	DefaultTimeoutMillis     int            `mapstructure:"default_timeout_millis"`
	PerExtensionTimeoutMillis map[string]int `mapstructure:"per_extension_timeout_millis"`
}

// JournalConfig tunes CRDT journal retention.
type JournalConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// LoggingConfig controls logrus's output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load builds a Config from defaults, an optional config file, the
// HAEXBRIDGE_ environment, and finally cmd's flags, in ascending
// priority.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".config", "haexbridge", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				configFile = candidate
			}
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("HAEXBRIDGE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ConfigFile = configFile

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.bind_addr", "127.0.0.1")
	v.SetDefault("server.status_addr", "127.0.0.1:19456")

	// No default for database.path — it must be explicitly configured.

	v.SetDefault("hlc.max_delta_millis", 5000)
	v.SetDefault("hlc.node_kv_path", "") // derived from database.path when empty

	v.SetDefault("router.default_timeout_millis", 30000)

	v.SetDefault("journal.retention_days", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"port":                     "server.port",
		"bind-addr":                "server.bind_addr",
		"status-addr":              "server.status_addr",
		"db-path":                  "database.path",
		"hlc-max-delta-millis":     "hlc.max_delta_millis",
		"hlc-node-kv-path":         "hlc.node_kv_path",
		"router-timeout-millis":    "router.default_timeout_millis",
		"journal-retention-days":   "journal.retention_days",
		"log-level":                "logging.level",
		"log-format":               "logging.format",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			return fmt.Errorf("flag %q is not registered on this command", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required: specify via --db-path flag, config file, or HAEXBRIDGE_DATABASE_PATH environment variable")
	}

	dbDir := filepath.Dir(cfg.Database.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	if cfg.HLC.NodeKVPath == "" {
		cfg.HLC.NodeKVPath = filepath.Join(dbDir, "deviceid")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", cfg.Server.Port)
	}

	if cfg.Router.DefaultTimeoutMillis < 0 {
		return fmt.Errorf("router.default_timeout_millis must not be negative")
	}
	for ext, ms := range cfg.Router.PerExtensionTimeoutMillis {
		if ms < 0 {
			return fmt.Errorf("router.per_extension_timeout_millis[%s] must not be negative", ext)
		}
	}

	if cfg.Journal.RetentionDays < 0 {
		return fmt.Errorf("journal.retention_days must not be negative")
	}

	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", cfg.Logging.Format)
	}

	return nil
}
