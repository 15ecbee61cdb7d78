package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/maloquacious/fcl/internal/config"
	"github.com/maloquacious/fcl/internal/logger"
	"github.com/maloquacious/fcl/internal/storage"
	"github.com/maloquacious/semver"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	version   = semver.Version{Minor: 2, PreRelease: "alpha", Build: semver.Commit()}
	buildDate = ""
)

var (
	configFile string
	dataDir    string
	logLevel   string
	logFormat  string
	maxBackups int
	shutdownTO time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "fcl",
		Short:         "Finance ledger storage server and admin CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "fcl.yaml", "path to the YAML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding the database and backups")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
	rootCmd.PersistentFlags().IntVar(&maxBackups, "max-backups", 0, "number of backups to retain")
	rootCmd.PersistentFlags().DurationVar(&shutdownTO, "shutdown-timeout", 15*time.Second, "graceful shutdown timeout")

	rootCmd.AddCommand(newServeCmd(), newDBCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		kind := storage.KindOf(err)
		fmt.Fprintf(os.Stderr, "fcl: %s: %v\n", kind, err)
		if kind.Fatal() {
			os.Exit(1)
		}
		// degraded but usable
		os.Exit(2)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// loadConfig layers flags over the config file and environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(afero.NewOsFs(), configFile)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", storage.ErrInvalidConfig, err)
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("max-backups") {
		cfg.Snapshots.Max = maxBackups
	}
	if flags.Changed("admin-port") {
		cfg.Admin.Port = adminPort
	}
	if flags.Changed("backup-interval") {
		cfg.Snapshots.Interval = backupInterval
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %v", storage.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// openStorage loads the config, installs the default logger and prepares
// the storage. The caller closes it.
func openStorage(cmd *cobra.Command) (*storage.Storage, config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, nil, err
	}
	log := logger.NewStd(cfg.LoggerOptions())

	st, err := storage.New(cfg, storage.WithLogger(log))
	if err != nil {
		return nil, cfg, log, err
	}
	return st, cfg, log, nil
}

func closeStorage(st *storage.Storage, log *slog.Logger) {
	if err := st.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
		log.Warn("close storage", "error", err)
	}
}
