package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for qubic
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qubic",
		Short: "Plan orchestration engine with approval gates and a ledger-anchored audit trail",
		Long: `Qubic executes plans: ordered sequences of typed steps such as balance
checks, policy checks, monitoring and on-chain actions.

Each executed step is hashed into an audit record that is anchored on a
ledger. Steps marked as requiring approval suspend the run until a human
approves or rejects them; an approved task resumes at the gated step.

Configuration is loaded from $QUBIC_HOME/config.yaml (default .qubic/config.yaml),
then QUBIC_* environment variables, then command-line flags.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to config file (default: $QUBIC_HOME/config.yaml)")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error")
	flags.String("db", "", "Path to the SQLite database")
	flags.String("ledger-url", "", "Ledger service URL (empty uses the embedded ledger)")
	flags.String("worker-url", "", "Worker service URL (empty runs handlers in-process)")
	flags.Duration("handler-timeout", 0, "Maximum time one step handler may run")

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewPlanCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewApproveCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewAuditCommand())
	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewLedgerCommand())
	cmd.AddCommand(NewWorkerCommand())

	return cmd
}
