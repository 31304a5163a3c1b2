package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Queue     QueueConfig     `mapstructure:"queue"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	// Key encrypts the database at rest. Empty means the key is
	// resolved from the system keyring at startup.
	Key            string `mapstructure:"key"`
	KeyringService string `mapstructure:"keyring_service"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Encoding   string `mapstructure:"encoding"`
}

type ProvidersConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	RetryAttempts  int `mapstructure:"retry_attempts"`
}

type TransferConfig struct {
	MaxConcurrent           int `mapstructure:"max_concurrent"`
	ProgressIntervalSeconds int `mapstructure:"progress_interval_seconds"`
	ProgressEveryFiles      int `mapstructure:"progress_every_files"`
}

type SyncConfig struct {
	MaxConcurrent         int    `mapstructure:"max_concurrent"`
	DefaultMode           string `mapstructure:"default_mode"`
	DefaultConflictPolicy string `mapstructure:"default_conflict_policy"`
}

type QueueConfig struct {
	StallTimeoutSeconds int                   `mapstructure:"stall_timeout_seconds"`
	Lanes               map[string]LaneConfig `mapstructure:"lanes"`
}

type LaneConfig struct {
	Workers        int `mapstructure:"workers"`
	MaxAttempts    int `mapstructure:"max_attempts"`
	BaseBackoffMS  int `mapstructure:"base_backoff_ms"`
	MaxBackoffSecs int `mapstructure:"max_backoff_seconds"`
}

func (p ProvidersConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (t TransferConfig) ProgressInterval() time.Duration {
	return time.Duration(t.ProgressIntervalSeconds) * time.Second
}

func (q QueueConfig) StallTimeout() time.Duration {
	return time.Duration(q.StallTimeoutSeconds) * time.Second
}

func (l LaneConfig) BaseBackoff() time.Duration {
	return time.Duration(l.BaseBackoffMS) * time.Millisecond
}

func (l LaneConfig) MaxBackoff() time.Duration {
	return time.Duration(l.MaxBackoffSecs) * time.Second
}

// Load reads configuration from the given file, or from the standard
// search paths when the path is empty. Environment variables prefixed
// with CORALSYNC override file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath(defaultConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	setDefaults(v)

	v.SetEnvPrefix("CORALSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Logging.OutputPath = expandPath(cfg.Logging.OutputPath)

	return &cfg, nil
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "CoralSync")
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "CoralSync")
	default:
		return filepath.Join(os.Getenv("HOME"), ".config", "coralsync")
	}
}

// expandPath resolves ${HOME} style variables in configured paths.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return os.Expand(path, func(key string) string {
		if key == "HOME" {
			return home
		}
		return os.Getenv(key)
	})
}

func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "CoralSync")
	v.SetDefault("app.version", "0.1.0-dev")
	v.SetDefault("app.log_level", "info")

	// Database
	v.SetDefault("database.path", filepath.Join(defaultConfigDir(), "coralsync.db"))
	v.SetDefault("database.keyring_service", "CoralSync")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output_path", filepath.Join(defaultConfigDir(), "logs", "coralsync.log"))
	v.SetDefault("logging.encoding", "json")

	// Providers
	v.SetDefault("providers.timeout_seconds", 30)
	v.SetDefault("providers.retry_attempts", 3)

	// Transfer engine
	v.SetDefault("transfer.max_concurrent", 5)
	v.SetDefault("transfer.progress_interval_seconds", 2)
	v.SetDefault("transfer.progress_every_files", 10)

	// Sync engine
	v.SetDefault("sync.max_concurrent", 3)
	v.SetDefault("sync.default_mode", "one-way")
	v.SetDefault("sync.default_conflict_policy", "skip")

	// Queue lanes
	v.SetDefault("queue.stall_timeout_seconds", 120)
	for _, lane := range []string{"transfer", "sync", "cleanup", "notify"} {
		v.SetDefault("queue.lanes."+lane+".workers", 2)
		v.SetDefault("queue.lanes."+lane+".max_attempts", 3)
		v.SetDefault("queue.lanes."+lane+".base_backoff_ms", 1000)
		v.SetDefault("queue.lanes."+lane+".max_backoff_seconds", 120)
	}
}
