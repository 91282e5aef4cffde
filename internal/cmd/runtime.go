package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rymfhm/qubic/internal/audit"
	"github.com/rymfhm/qubic/internal/config"
	"github.com/rymfhm/qubic/internal/engine"
	"github.com/rymfhm/qubic/internal/filelock"
	"github.com/rymfhm/qubic/internal/ledger"
	"github.com/rymfhm/qubic/internal/logger"
	"github.com/rymfhm/qubic/internal/planner"
	"github.com/rymfhm/qubic/internal/registry"
	"github.com/rymfhm/qubic/internal/storage"
	"github.com/rymfhm/qubic/internal/telemetry"
	"github.com/rymfhm/qubic/internal/worker"
)

// runtime is the fully wired engine shared by the commands that touch tasks.
type runtime struct {
	cfg      *config.Config
	log      logger.Logger
	store    *storage.Store
	registry *registry.Registry
	recorder *audit.Recorder
	engine   *engine.Engine
	planner  *planner.Planner

	closers []func(context.Context) error
}

// loadConfig resolves configuration and applies flags that were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var logLevel, dbPath, ledgerURL, workerURL *string
	if cmd.Flags().Changed("log-level") {
		v, _ := cmd.Flags().GetString("log-level")
		logLevel = &v
	}
	if cmd.Flags().Changed("db") {
		v, _ := cmd.Flags().GetString("db")
		dbPath = &v
	}
	if cmd.Flags().Changed("ledger-url") {
		v, _ := cmd.Flags().GetString("ledger-url")
		ledgerURL = &v
	}
	if cmd.Flags().Changed("worker-url") {
		v, _ := cmd.Flags().GetString("worker-url")
		workerURL = &v
	}
	var handlerTimeout *time.Duration
	if cmd.Flags().Changed("handler-timeout") {
		v, _ := cmd.Flags().GetDuration("handler-timeout")
		handlerTimeout = &v
	}
	cfg.MergeWithFlags(logLevel, dbPath, ledgerURL, workerURL, handlerTimeout)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger writes to the console and, when a log directory is configured, to a run log.
func newLogger(cfg *config.Config, console io.Writer) (logger.Logger, func(context.Context) error, error) {
	consoleLog := logger.NewConsoleLogger(console, cfg.LogLevel)
	if cfg.LogDir == "" {
		return consoleLog, func(context.Context) error { return nil }, nil
	}

	fileLog, err := logger.NewFileLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file logger: %w", err)
	}
	return logger.NewMultiLogger(consoleLog, fileLog), func(context.Context) error { return fileLog.Close() }, nil
}

// newRegistry dispatches to a remote worker when one is configured and to
// the in-process handlers otherwise.
func newRegistry(cfg *config.Config, log logger.Logger) *registry.Registry {
	b := registry.NewBuilder()
	if cfg.Worker.URL != "" {
		log.LogDebug(fmt.Sprintf("dispatching steps to worker %s", cfg.Worker.URL))
		return worker.RegisterRemote(b, worker.NewClient(cfg.Worker.URL, cfg.Worker.Timeout)).Build()
	}
	return worker.Register(b, worker.NewHandlers(log)).Build()
}

// newLedger returns the ledger service client, or the embedded ledger over store.
func newLedger(cfg *config.Config, store *storage.Store) ledger.Client {
	if cfg.Ledger.URL != "" {
		return ledger.NewHTTPClient(cfg.Ledger.URL, cfg.Ledger.Timeout)
	}
	return ledger.NewLocal(store)
}

func retryPolicy(cfg *config.Config) audit.RetryPolicy {
	return audit.RetryPolicy{
		MaxAttempts: cfg.Ledger.MaxAttempts,
		BaseDelay:   cfg.Ledger.BaseDelay,
		Jitter:      cfg.Ledger.Jitter,
		CallTimeout: cfg.Ledger.Timeout,
	}
}

func newRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	log, closeLog, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	rt.log = log
	rt.closers = append(rt.closers, closeLog)

	shutdown, err := telemetry.Setup(cmd.Context(), cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	rt.closers = append(rt.closers, shutdown)

	rt.store, err = storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.store.Close() })

	locker, err := filelock.NewTaskLocker(cfg.LockDir)
	if err != nil {
		return nil, err
	}

	rt.registry = newRegistry(cfg, log)
	rt.recorder = audit.NewRecorder(rt.store, newLedger(cfg, rt.store), retryPolicy(cfg), log)
	rt.engine = engine.New(engine.Options{
		Store:          rt.store,
		Registry:       rt.registry,
		Recorder:       rt.recorder,
		Locker:         locker,
		Logger:         log,
		HandlerTimeout: cfg.HandlerTimeout,
	})
	rt.planner = planner.New(nil, log)

	ok = true
	return rt, nil
}

// Close releases everything the runtime opened, most recent first.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
