package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/toolgate/internal/audit"
	"github.com/clawinfra/toolgate/internal/config"
	"github.com/clawinfra/toolgate/internal/dispatch"
	"github.com/clawinfra/toolgate/internal/executor"
	"github.com/clawinfra/toolgate/internal/restrict"
	"github.com/clawinfra/toolgate/internal/security"
	"github.com/clawinfra/toolgate/internal/server"
	"github.com/clawinfra/toolgate/internal/tools"
)

// configPollInterval is how often the config file is checked for edits.
const configPollInterval = 2 * time.Second

// App holds all the runtime components of a serving process.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Level      *slog.LevelVar
	Registry   *tools.Registry
	Setup      *tools.SetupRunner
	Dispatcher *dispatch.Dispatcher
	Server     *server.Server
	Audit      *audit.Store
	Retention  *audit.Retention
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tool dispatch server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, level := newLogger(cmd.ErrOrStderr(), cfg.Server.LogLevel)
			app, err := setup(cfg, path, logger, level)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}

// setup wires every component from cfg. Nothing is started yet.
func setup(cfg *config.Config, path string, logger *slog.Logger, level *slog.LevelVar) (*App, error) {
	app := &App{
		Config:     cfg,
		ConfigPath: path,
		Logger:     logger,
		Level:      level,
	}

	socket, err := cfg.SocketPath()
	if err != nil {
		return nil, err
	}
	mode, err := cfg.SocketMode()
	if err != nil {
		return nil, err
	}

	exec := executor.NewExecutor(cfg.Exec.MaxOutputBytes, logger)
	app.Registry = tools.NewRegistry(tools.NewLoader(cfg.Tools.Dir, cfg.Tools.SearchDirs, logger), logger)
	app.Setup = tools.NewSetupRunner(exec, tools.SetupConfig{
		Shell:   cfg.Tools.Shell,
		Timeout: cfg.Tools.SetupTimeout,
		Workers: cfg.Tools.SetupWorkers,
	}, logger)
	app.Registry.OnDiscover(func(ctx context.Context, def *tools.Definition) {
		_ = app.Setup.Ensure(ctx, def)
	})

	resolver := restrict.NewResolver(cfg.Tools.Dir, cfg.Tools.RestrictedDir, cfg.Tools.Python, cfg.Tools.Shell)
	dispatchOpts := []dispatch.Option{
		dispatch.WithPolicy(security.NewPolicy(cfg.Security, cfg.Tools.Workspace)),
	}

	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.Audit.DBPath)
		if err != nil {
			return nil, err
		}
		retention, err := audit.NewRetention(store, cfg.Audit.Schedule, cfg.Audit.Retention, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		app.Audit, app.Retention = store, retention
		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(store))
	}

	app.Dispatcher = dispatch.New(dispatch.Config{
		Workspace:     cfg.Tools.Workspace,
		MaxConcurrent: cfg.Exec.MaxConcurrent,
	}, app.Registry, resolver, exec, logger, dispatchOpts...)

	app.Server = server.New(server.Config{
		SocketPath:    socket,
		SocketMode:    mode,
		SocketGroup:   cfg.Server.SocketGroup,
		AllowedUIDs:   cfg.Security.AllowedUIDs,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		ShutdownGrace: cfg.Server.ShutdownGrace,
	}, app.Dispatcher, logger)
	return app, nil
}

// Run loads tools, runs their setup scripts, and serves until ctx is
// canceled or a shutdown signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Logger.Info("starting toolgate",
		"version", version,
		"config", a.ConfigPath,
		"tools_dir", a.Config.Tools.Dir,
		"workspace", a.Config.Tools.Workspace,
	)
	if a.Audit != nil {
		defer a.Audit.Close()
	}

	if _, err := a.Registry.Load(); err != nil {
		return fmt.Errorf("load tools: %w", err)
	}
	if failed := a.Setup.RunAll(ctx, a.Registry.List()); failed > 0 {
		a.Logger.Warn("some setup scripts failed", "failed", failed)
	}

	if err := a.Server.Listen(); err != nil {
		return err
	}

	watcher := tools.NewWatcher(a.Registry, a.Config.Tools.PollInterval, a.Logger)
	watcher.Start(ctx)
	defer watcher.Stop()

	if a.ConfigPath != "" {
		cw := config.NewWatcher(a.ConfigPath, configPollInterval, a.Logger, func() { a.reloadConfig() })
		cw.Start(ctx)
		defer cw.Stop()
	}

	if a.Retention != nil {
		a.Retention.Start()
		defer a.Retention.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Serve(gctx)
	})
	g.Go(func() error {
		a.waitForShutdown(gctx, cancel)
		return nil
	})
	return g.Wait()
}

// waitForShutdown blocks until a shutdown signal or ctx ends. Platform
// signals such as SIGHUP are handled without stopping.
func (a *App) waitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if handlePlatformSignal(ctx, sig, a) {
				continue
			}
			a.Logger.Info("shutdown signal received", "signal", sig)
			cancel()
			return
		}
	}
}

// refresh rescans the tools directory and reloads the config file.
func (a *App) refresh(ctx context.Context) {
	if _, err := a.Registry.Refresh(ctx); err != nil {
		a.Logger.Warn("tools refresh failed", "error", err)
	} else {
		a.Logger.Info("tools rescanned",
			"tools", a.Registry.Count(),
			"generation", a.Registry.Generation(),
		)
	}
	a.reloadConfig()
}

func (a *App) reloadConfig() {
	if a.ConfigPath == "" {
		return
	}
	result, err := a.Config.Reload(a.ConfigPath, os.LookupEnv)
	if err != nil {
		a.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(a.Logger)

	config.RLock()
	level, sec := a.Config.Server.LogLevel, a.Config.Security
	config.RUnlock()

	if lvl, err := config.ParseLogLevel(level); err == nil {
		a.Level.Set(lvl)
	}
	a.Dispatcher.SetPolicy(security.NewPolicy(sec, a.Config.Tools.Workspace))
}
