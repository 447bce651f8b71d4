package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/castletracker/internal/cmdlog"
	"github.com/BadgerOps/castletracker/internal/config"
	"github.com/BadgerOps/castletracker/internal/engine"
	"github.com/BadgerOps/castletracker/internal/rclone"
	"github.com/BadgerOps/castletracker/internal/store"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore      *store.Store
	globalCmdLog     *cmdlog.Log
	globalSupervisor *engine.Supervisor
)

// lockFileName lives in the data dir and is held for the length of a transfer.
const lockFileName = "transfer.lock"

func lockPath() string {
	return globalCfg.DataPath(lockFileName)
}

// initializeComponents opens the store and command log and builds the
// supervisor around an rclone client.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if err := os.MkdirAll(globalCfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	st, err := store.New(globalCfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st
	closeInterruptedRuns()

	if globalCfg.Server.LogFile != "" {
		cl, err := cmdlog.Open(globalCfg.DataPath(globalCfg.Server.LogFile))
		if err != nil {
			return fmt.Errorf("failed to open command log: %w", err)
		}
		globalCmdLog = cl
	}

	client := rclone.NewClient(globalCfg.Rclone, globalCfg.Remote, globalCmdLog, logger)
	globalSupervisor = engine.NewSupervisor(engine.SupervisorOptions{
		Tool:     client,
		Store:    globalStore,
		CmdLog:   globalCmdLog,
		LockPath: lockPath(),
		Exclude:  globalCfg.Local.Exclude,
		Defaults: engine.Target{
			RemotePath: globalCfg.Remote.Path,
			LocalPath:  globalCfg.Local.Path,
		},
		Logger: logger,
	})

	logger.Debug("components initialized", "db", globalCfg.DatabasePath(), "rclone", client.Binary())
	return nil
}

// closeInterruptedRuns marks runs left "running" by a crashed process. It
// only does so when no other process holds the transfer lock, since a
// running serve process owns its own in-flight run.
func closeInterruptedRuns() {
	lock := flock.New(lockPath())
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return
	}
	defer lock.Unlock()

	n, err := globalStore.MarkInterruptedRuns(time.Now())
	if err != nil {
		logger.Warn("failed to close interrupted runs", "error", err)
		return
	}
	if n > 0 {
		logger.Warn("closed transfer runs interrupted by a previous exit", "count", n)
	}
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
	}
	if cmd.HasParent() && cmd.Parent().Name() == "config" {
		return true
	}
	return skipInitCmds[cmd.Name()]
}

// closeComponents closes the store and command log
func closeComponents() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
	if globalCmdLog != nil {
		if err := globalCmdLog.Close(); err != nil {
			logger.Error("failed to close command log", "error", err)
		}
		globalCmdLog = nil
	}
	globalSupervisor = nil
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "castletracker",
		Short: "Supervise rclone transfers from an SFTP source to local storage",
		Long: `castletracker drives rclone to copy a directory tree from an SFTP server
to a local destination while tracking progress. It can run a transfer in the
foreground, or serve a dashboard and JSON API that start, stop and reset
transfers and stream their telemetry.`,
		Example: `  castletracker serve --listen 0.0.0.0:5000
  castletracker scan
  castletracker transfer --remote /export/data --local /srv/data
  castletracker status
  castletracker report
  castletracker reset --purge-remote --yes`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Warn("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
				if err := globalCfg.ApplyEnv(); err != nil {
					return err
				}
			}

			// Override with command-line flags if provided
			if dataDir != "" {
				globalCfg.Server.DataDir = dataDir
			}

			logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newTransferCmd(),
		newStatusCmd(),
		newResetCmd(),
		newReportCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	return cmd
}

// parseLevel maps a --log-level value to a slog level. --quiet wins.
func parseLevel(name string, quiet bool) slog.Level {
	if quiet {
		return slog.LevelError
	}
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	level := parseLevel(logLevel, quiet)

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

// requireSupervisor returns the supervisor after checking that the remote
// settings are complete.
func requireSupervisor() (*engine.Supervisor, error) {
	if globalCfg == nil || globalSupervisor == nil {
		return nil, fmt.Errorf("components not initialized")
	}
	if err := globalCfg.Validate(); err != nil {
		return nil, err
	}
	return globalSupervisor, nil
}
