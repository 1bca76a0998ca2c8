package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BadgerOps/fastdl/internal/config"
	"github.com/BadgerOps/fastdl/internal/engine"
	"github.com/BadgerOps/fastdl/internal/store"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath   string
	envFile   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore  *store.Store
	globalEngine *engine.Engine
	globalLayout *engine.Layout
)

// initializeComponents resolves the config and builds the store and engine
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	layout, settings, err := globalCfg.Resolve()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	globalLayout = layout

	dbPath, err := globalCfg.HistoryPath()
	if err != nil {
		return fmt.Errorf("resolving history path: %w", err)
	}
	if dbPath != "" {
		st, err := store.New(dbPath, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		globalStore = st
	}

	globalEngine, err = engine.New(afero.NewOsFs(), layout, settings, globalStore, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	logger.Debug("components initialized successfully",
		"targets", len(layout.Targets),
		"workers", settings.Workers,
		"history", dbPath != "",
	)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"show":    true,
		"games":   true,
		"status":  true,
	}
	return skipInitCmds[cmdName]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fastdl",
		Short: "Mirror game server content into FastDL download trees",
		Long: `fastdl mirrors the downloadable content of one or more game servers into a
FastDL distribution tree served over HTTP. Files are filtered by a per-game
folder rule table, checked for consistency across servers, bzip2-compressed
inside the configured size window, and orphaned destination files are pruned.`,
		Example: `  fastdl sync
  fastdl sync --target main --dry-run
  fastdl check
  fastdl prune --target main
  fastdl watch --debounce 5s
  fastdl status --limit 20`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cmd)

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

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
			}

			var envFiles []string
			if envFile != "" {
				envFiles = append(envFiles, envFile)
			}
			if err := globalCfg.ApplyEnv(envFiles...); err != nil {
				return err
			}

			// The config may carry log settings the flags did not override.
			setupLogging(cmd)

			if f := cmd.Flags().Lookup("workers"); f != nil && f.Changed {
				workers, err := cmd.Flags().GetInt("workers")
				if err != nil {
					return err
				}
				globalCfg.Sync.Workers = workers
			}

			logger.Debug("config loaded", "path", cfgPath, "targets", len(globalCfg.Targets))

			if shouldSkipComponentInit(cmd.Name()) {
				return nil
			}
			if err := initializeComponents(); err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with FASTDL_* overrides (default .env)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newSyncCmd(),
		newPruneCmd(),
		newCheckCmd(),
		newWatchCmd(),
		newStatusCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger from flags, falling back to the
// loaded config for values not set on the command line
func setupLogging(cmd *cobra.Command) {
	levelName, formatName := logLevel, logFormat
	if globalCfg != nil {
		if !flagChanged(cmd, "log-level") && globalCfg.Log.Level != "" {
			levelName = globalCfg.Log.Level
		}
		if !flagChanged(cmd, "log-format") && globalCfg.Log.Format != "" {
			formatName = globalCfg.Log.Format
		}
	}

	level := parseLevel(levelName)
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(formatName) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func flagChanged(cmd *cobra.Command, name string) bool {
	if cmd == nil {
		return false
	}
	f := cmd.Flags().Lookup(name)
	return f != nil && f.Changed
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

// splitTargets turns repeated or comma-separated --target values into names
func splitTargets(values []string) []string {
	var names []string
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}
