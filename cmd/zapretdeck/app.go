package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/zapretdeck/internal/daemon"
	"github.com/eliteGoblin/zapretdeck/internal/domain"
	"github.com/eliteGoblin/zapretdeck/internal/infra"
	"github.com/eliteGoblin/zapretdeck/internal/usecase"
)

// app holds everything one CLI invocation needs.
type app struct {
	mode     *infra.ExecModeConfig
	settings infra.Settings
	logger   *zap.Logger
	journal  *infra.EncryptedJournal // nil when the journal could not be opened
	monitor  *daemon.Monitor
	orch     *usecase.Orchestrator
}

// newApp detects the exec mode, loads settings and wires the components.
func newApp() (*app, error) {
	mode := infra.DetectExecMode()
	if baseDir != "" {
		mode.BaseDir = baseDir
	}

	settings, err := infra.LoadSettings(settingsPath, mode)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	logger := createLogger(debug)

	a := &app{mode: mode, settings: settings, logger: logger}

	owner, err := infra.RealUserOwner()
	if err != nil {
		logger.Warn("cannot tell the invoking user, journal stays root-owned", zap.Error(err))
	}

	var journal domain.OperationJournal
	if j, err := infra.OpenJournal(settings.DataDir, owner); err != nil {
		// History is a convenience; operations still run without it.
		logger.Warn("operation journal unavailable", zap.String("dir", settings.DataDir), zap.Error(err))
	} else {
		a.journal = j
		journal = j
	}

	service := infra.NewSystemdQuerier(settings.ServiceName)
	a.monitor = daemon.NewMonitor(
		daemon.MonitorConfig{
			PollInterval:    settings.PollInterval,
			QueryTimeout:    settings.QueryTimeout,
			ProcessPattern:  settings.ProcessPattern,
			SubscriberQueue: settings.SubscriberQueue,
		},
		infra.NewProcessManager(),
		service,
		infra.NewResolverInspector(settings.ResolvConf, settings.DNSProviders),
		logger,
	)

	runner := usecase.NewRunnerWithLock(
		usecase.RunnerConfig{
			StartScript:      settings.StartScript(),
			StopScript:       settings.StopScript(),
			DNSScript:        settings.DNSScript(),
			ServiceScript:    settings.ServiceScript(),
			ServiceUnit:      settings.ServiceName,
			Root:             mode.IsRoot,
			StopTimeout:      settings.Timeouts.Stop,
			StartTimeout:     settings.Timeouts.Start,
			DNSTimeout:       settings.Timeouts.DNS,
			ServiceTimeout:   settings.Timeouts.Service,
			DiscoveryTimeout: settings.Timeouts.Discovery,
			RestartTimeout:   settings.Timeouts.Restart,
			ProbeTimeout:     settings.Timeouts.Probe,
		},
		infra.NewShellExecutor(logger),
		newPrompter(passwordStdin),
		journal,
		infra.NewFileOperationLock(settings.LockFile),
		logger,
	)

	a.orch = usecase.NewOrchestrator(
		usecase.OrchestratorConfig{
			ConfirmAttempts: settings.ServiceConfirm.Attempts,
			ConfirmInterval: settings.ServiceConfirm.Interval,
		},
		runner,
		infra.NewFileIntentStore(settings.ConfigFile()),
		infra.NewDirStrategyCatalog(settings.CustomDir(), settings.BundledDir(), logger),
		a.monitor,
		service,
		infra.NewInterfaceLister(),
		logger,
	)

	logger.Debug("wired",
		zap.String("mode", mode.Mode.String()),
		zap.String("base_dir", settings.BaseDir),
		zap.String("data_dir", settings.DataDir),
		zap.String("lock_file", settings.LockFile))
	return a, nil
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("failed to close journal", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func createLogger(debug bool) *zap.Logger {
	if debug {
		logger, err := zap.NewDevelopment()
		if err == nil {
			return logger
		}
	}

	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"/var/tmp/zapretdeck.log"}
	config.ErrorOutputPaths = []string{"/var/tmp/zapretdeck.error.log"}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
