package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BadgerOps/fieldsync/internal/config"
	"github.com/BadgerOps/fieldsync/internal/project"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath     string
	storageRoot string
	projectID   string
	logLevel    string
	logFormat   string
	quiet       bool
	globalCfg   *config.Config
	logger      *slog.Logger

	// Global components
	globalRegistry *project.Registry
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline data collection client for OpenRosa servers",
		Long: `fieldsync keeps blank forms on this device in step with one or more
OpenRosa servers and submits finalized instances back to them. Each project
has its own server, storage directory and settings.`,
		Example: `  fieldsync forms sync
  fieldsync forms download birds trees --project survey
  fieldsync instances import ./visits/visit1/visit1.xml
  fieldsync send --all
  fieldsync run
  fieldsync status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

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

			if storageRoot != "" {
				globalCfg.Storage.Root = storageRoot
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "storage_root", globalCfg.Storage.Root,
					"projects", len(globalCfg.Projects))
			}

			if !shouldSkipComponentInit(cmd) {
				globalRegistry = project.NewRegistry(globalCfg, logger)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeRegistry()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&storageRoot, "storage-root", "", "override storage root directory")
	cmd.PersistentFlags().StringVarP(&projectID, "project", "p", "", "project id (defaults to the only configured project)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newFormsCmd(),
		newInstancesCmd(),
		newSendCmd(),
		newRunCmd(),
		newStatusCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}

// shouldSkipComponentInit checks if a command works on the config alone
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	return cmd.Parent() != nil && cmd.Parent().Name() == "config"
}

func closeRegistry() {
	if globalRegistry == nil {
		return
	}
	if err := globalRegistry.Close(); err != nil {
		logger.Error("failed to close projects", "error", err)
	}
	globalRegistry = nil
}

// selectProject opens the project named by --project, or the only
// configured project
func selectProject() (*project.Sandbox, error) {
	if globalCfg == nil || globalRegistry == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	id := projectID
	if id == "" {
		ids := globalRegistry.IDs()
		switch len(ids) {
		case 0:
			return nil, fmt.Errorf("no projects configured")
		case 1:
			id = ids[0]
		default:
			return nil, fmt.Errorf("several projects configured (%s); choose one with --project", strings.Join(ids, ", "))
		}
	}
	return globalRegistry.Sandbox(id)
}
