package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/c360studio/orchestra/bus"
	"github.com/c360studio/orchestra/config"
	"github.com/c360studio/orchestra/definition"
	"github.com/c360studio/orchestra/dispatch"
	"github.com/c360studio/orchestra/engine"
	"github.com/c360studio/orchestra/event"
	"github.com/c360studio/orchestra/store"
)

func newServeCmd(logLevel *string) *cobra.Command {
	var autopilotFlag bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		Long: `Starts the message bus on the project's Unix socket, watches the
workflow definition directories for changes, and (when autopilot is
enabled) keeps dispatching every non-terminal workflow until it
finishes. Stops cleanly on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *logLevel, autopilotFlag)
		},
	}
	cmd.Flags().BoolVar(&autopilotFlag, "autopilot", false, "Enable autopilot regardless of config")
	return cmd
}

func serve(parent context.Context, logLevel string, autopilotFlag bool) error {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	loader := config.NewLoader(bootLogger)
	if err := loader.EnsureUserConfig(); err != nil {
		bootLogger.Warn("user config setup failed", slog.String("error", err.Error()))
	}
	cfg, projectRoot, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st := store.New(cfg.Root, logger)
	if err := st.Ensure(); err != nil {
		return fmt.Errorf("prepare state root: %w", err)
	}

	registry := definition.NewRegistry(cfg.WorkflowDirs, logger)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("load workflow definitions: %w", err)
	}
	logger.Info("definitions loaded", slog.Int("count", registry.Count()))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var events event.Publisher = event.Nop{}
	if cfg.Events.NATSURL != "" {
		pub, err := event.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			logger.Warn("transition event feed disabled",
				slog.String("url", cfg.Events.NATSURL),
				slog.String("error", err.Error()))
		} else {
			events = pub
			defer pub.Close()
		}
	}

	eng := engine.New(engine.Options{
		Store:       st,
		Definitions: registry,
		Config:      cfg,
		Logger:      logger,
		Events:      events,
		Metrics:     engine.NewMetrics(promReg),
		Runner:      &engine.ExecRunner{Dir: projectRoot, Logger: logger},
		Launcher: dispatch.New(dispatch.Options{
			Store:       st,
			ProjectRoot: projectRoot,
			SocketPath:  socketPath(cfg),
			Logger:      logger,
		}),
	})

	server, err := bus.New(bus.Options{
		Root:         cfg.Root,
		Engine:       eng,
		Logger:       logger,
		Metrics:      bus.NewMetrics(promReg),
		Gatherer:     promReg,
		InboxTimeout: time.Duration(cfg.Bus.InboxTimeoutSeconds) * time.Second,
		InboxBatch:   cfg.Bus.InboxBatch,
	})
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	if err := server.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := registry.Watch(ctx); err != nil {
			logger.Warn("definition watch unavailable", slog.String("error", err.Error()))
		}
	}()

	if autopilotFlag || cfg.Autopilot.Enabled {
		interval := time.Duration(cfg.Autopilot.PollIntervalSeconds) * time.Second
		pilot := engine.NewAutopilot(eng, interval, logger)
		go pilot.Run(ctx)
		logger.Info("autopilot enabled", slog.Duration("interval", interval))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bus shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}
