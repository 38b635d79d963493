// Package commands implements the orchestra CLI.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/orchestra/bus"
	"github.com/c360studio/orchestra/config"
	"github.com/c360studio/orchestra/definition"
	"github.com/c360studio/orchestra/dispatch"
	"github.com/c360studio/orchestra/engine"
	"github.com/c360studio/orchestra/store"
)

const appName = "orchestra"

// Version is stamped at build time.
var Version = "0.1.0"

// Root builds the root command with every subcommand attached.
func Root() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Workflow orchestration for multi-agent development",
		Long: `Orchestra drives software-engineering workflows as persistent,
gated state machines. Agent states hand work to external agents and
advance only when submitted evidence passes the state's gate; action
states run commands; subworkflow states compose other workflows.

Project layout: a .orchestra/ directory holding config.yaml,
workflows.d/ definitions, agents.d/ overrides, personas/, and the
runtime state/ root.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")

	cmd.AddCommand(
		newStartCmd(&logLevel),
		newStatusCmd(&logLevel),
		newPauseCmd(&logLevel),
		newResumeCmd(&logLevel),
		newOverrideCmd(&logLevel),
		newDispatchCmd(&logLevel),
		newServeCmd(&logLevel),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	}
}

// app bundles everything a command needs once config is loaded.
type app struct {
	cfg         *config.Config
	projectRoot string
	logger      *slog.Logger
	store       *store.Store
	registry    *definition.Registry
	engine      *engine.Engine
}

// newApp loads config, opens the store, and loads the definition
// registry. Commands that mutate workflow state build on it.
func newApp(logLevel string) (*app, error) {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, projectRoot, err := config.NewLoader(bootLogger).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st := store.New(cfg.Root, logger)
	if err := st.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare state root: %w", err)
	}

	registry := definition.NewRegistry(cfg.WorkflowDirs, logger)
	if err := registry.Load(); err != nil {
		return nil, fmt.Errorf("load workflow definitions: %w", err)
	}

	eng := engine.New(engine.Options{
		Store:       st,
		Definitions: registry,
		Config:      cfg,
		Logger:      logger,
		Launcher: dispatch.New(dispatch.Options{
			Store:       st,
			ProjectRoot: projectRoot,
			SocketPath:  socketPath(cfg),
			Logger:      logger,
		}),
		Runner: &engine.ExecRunner{Dir: projectRoot, Logger: logger},
	})

	return &app{
		cfg:         cfg,
		projectRoot: projectRoot,
		logger:      logger,
		store:       st,
		registry:    registry,
		engine:      eng,
	}, nil
}

func socketPath(cfg *config.Config) string {
	return cfg.Root + string(os.PathSeparator) + bus.SocketFile
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
