// Package config loads fcl settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/maloquacious/fcl/internal/logger"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDBFile       = "fcl.db"
	DefaultSnapshotsDir = "backups"
	DefaultMaxSnapshots = 10
	DefaultAdminPort    = 8383
)

// Config is the complete runtime configuration.
type Config struct {
	DataDir   string    `yaml:"data_dir"`
	DBFile    string    `yaml:"db_file"`
	Snapshots Snapshots `yaml:"snapshots"`
	Recovery  Recovery  `yaml:"recovery"`
	Log       Log       `yaml:"log"`
	Admin     Admin     `yaml:"admin"`
}

// Snapshots configures the backup area.
type Snapshots struct {
	// Dir is relative to DataDir unless absolute.
	Dir string `yaml:"dir"`
	// Max is the number of snapshots retained.
	Max int `yaml:"max"`
	// Interval between periodic backups. Zero disables them.
	Interval time.Duration `yaml:"interval"`
	Compress bool          `yaml:"compress"`
	// InMemory keeps snapshots in RAM only. Used by tests.
	InMemory bool `yaml:"-"`
}

// Recovery configures the corruption recovery policy.
type Recovery struct {
	// Cascade tries older snapshots when the newest fails to restore.
	Cascade bool `yaml:"cascade"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Admin configures the loopback admin server.
type Admin struct {
	Port int `yaml:"port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: ".",
		DBFile:  DefaultDBFile,
		Snapshots: Snapshots{
			Dir:      DefaultSnapshotsDir,
			Max:      DefaultMaxSnapshots,
			Compress: true,
		},
		Log:   Log{Level: "info", Format: string(logger.FormatText)},
		Admin: Admin{Port: DefaultAdminPort},
	}
}

// Load reads path (if it exists) on top of the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := afero.ReadFile(fs, path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// defaults only
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.DataDir = envOrDefault("FCL_DATA_DIR", c.DataDir)
	c.Log.Level = envOrDefault("FCL_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("FCL_LOG_FORMAT", c.Log.Format)

	if v := os.Getenv("FCL_MAX_BACKUPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FCL_MAX_BACKUPS: %w", err)
		}
		c.Snapshots.Max = n
	}
	if v := os.Getenv("FCL_BACKUP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FCL_BACKUP_INTERVAL: %w", err)
		}
		c.Snapshots.Interval = d
	}
	if v := os.Getenv("FCL_ADMIN_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FCL_ADMIN_PORT: %w", err)
		}
		c.Admin.Port = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.DBFile == "" {
		return errors.New("db_file must not be empty")
	}
	if c.Snapshots.Max < 1 {
		return fmt.Errorf("snapshots.max must be at least 1, got %d", c.Snapshots.Max)
	}
	if c.Snapshots.Interval < 0 {
		return fmt.Errorf("snapshots.interval must not be negative, got %s", c.Snapshots.Interval)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port out of range: %d", c.Admin.Port)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := logger.ParseFormat(c.Log.Format); err != nil {
		return err
	}
	return nil
}

// DBPath returns the full path to the live database file.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBFile)
}

// SnapshotsPath returns the directory of the snapshot area.
func (c Config) SnapshotsPath() string {
	if filepath.IsAbs(c.Snapshots.Dir) {
		return c.Snapshots.Dir
	}
	return filepath.Join(c.DataDir, c.Snapshots.Dir)
}

// LoggerOptions converts the log section. Call after Validate.
func (c Config) LoggerOptions() logger.Options {
	level, _ := logger.ParseLevel(c.Log.Level)
	format, _ := logger.ParseFormat(c.Log.Format)
	return logger.Options{Level: level, Format: format}
}

// LogValue groups the settings worth logging at startup.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("db", c.DBPath()),
		slog.String("snapshots", c.SnapshotsPath()),
		slog.Int("max_snapshots", c.Snapshots.Max),
		slog.Duration("backup_interval", c.Snapshots.Interval),
		slog.Bool("cascade", c.Recovery.Cascade),
	)
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
