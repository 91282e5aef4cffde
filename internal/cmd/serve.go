package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rymfhm/qubic/internal/api"
	"github.com/rymfhm/qubic/internal/ledger"
	"github.com/rymfhm/qubic/internal/logger"
	"github.com/rymfhm/qubic/internal/policy"
	"github.com/rymfhm/qubic/internal/registry"
	"github.com/rymfhm/qubic/internal/storage"
	"github.com/rymfhm/qubic/internal/worker"
)

// NewServeCommand creates the serve command running the orchestration API
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration HTTP API",
		Long: `Serve the orchestration API: plan execution and creation, task status,
approvals, resume and the audit trail. Stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			addr := rt.cfg.Server.Addr
			if cmd.Flags().Changed("addr") {
				addr, _ = cmd.Flags().GetString("addr")
			}
			srv := api.NewServer(rt.engine, rt.planner, rt.recorder, rt.log)
			return serve(cmd, addr, "api", srv.Handler(), rt.log)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (default: server.addr)")
	return cmd
}

// NewLedgerCommand creates the ledger command group
func NewLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Run the embedded ledger as a service",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ledger and policy endpoints",
		Long: `Serve the ledger over HTTP (write, verify, transaction lookup) backed by the
local database, together with the policy endpoints. Point other qubic
processes at it with --ledger-url.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, closeLog, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog(context.Background())

			store, err := storage.NewStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			mux := http.NewServeMux()
			mux.Handle("/", ledger.NewHandler(ledger.NewLocal(store), log))
			policy.Register(mux, policy.DefaultTable())

			addr := cfg.Server.LedgerAddr
			if cmd.Flags().Changed("addr") {
				addr, _ = cmd.Flags().GetString("addr")
			}
			return serve(cmd, addr, "ledger", mux, log)
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address (default: server.ledger_addr)")

	cmd.AddCommand(serveCmd)
	return cmd
}

// NewWorkerCommand creates the worker command group
func NewWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run step handlers as a service",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the step handlers over HTTP",
		Long: `Serve the built-in step handlers over HTTP. Point the engine at it with
--worker-url to run steps out of process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, closeLog, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog(context.Background())

			reg := worker.Register(registry.NewBuilder(), worker.NewHandlers(log)).Build()
			srv := worker.NewServer(reg, log)

			addr := cfg.Server.WorkerAddr
			if cmd.Flags().Changed("addr") {
				addr, _ = cmd.Flags().GetString("addr")
			}
			return serve(cmd, addr, "worker", srv.Handler(), log)
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address (default: server.worker_addr)")

	cmd.AddCommand(serveCmd)
	return cmd
}

// serve runs handler on addr until the command context ends or a signal arrives.
func serve(cmd *cobra.Command, addr, name string, handler http.Handler, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.LogInfo(fmt.Sprintf("%s listening on %s", name, addr))
	if err := api.ListenAndServe(ctx, addr, handler); err != nil {
		return err
	}
	log.LogInfo(fmt.Sprintf("%s stopped", name))
	return nil
}
