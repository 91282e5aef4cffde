package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rymfhm/qubic/internal/audit"
	"github.com/rymfhm/qubic/internal/display"
	"github.com/rymfhm/qubic/internal/filelock"
)

// auditExport is the file written by "qubic audit --export".
type auditExport struct {
	TaskID    string  `json:"task_id"`
	Logs      any     `json:"logs"`
	QubicTxID *string `json:"qubic_txid"`
}

// NewAuditCommand creates the audit command and its verify subcommand
func NewAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <task-id>",
		Short: "Show the audit trail of a task",
		Long: `Show the audit records of a task, one per executed step, with the
ledger transaction each record was anchored under.

Examples:
  qubic audit task-42
  qubic audit task-42 --export audit-task-42.json
  qubic audit verify <hash>`,
		Args: cobra.ExactArgs(1),
		RunE: auditCommand,
	}
	cmd.Flags().String("export", "", "Write the audit trail as JSON to this file")

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <hash>",
		Short: "Check whether a hash is anchored on the ledger",
		Args:  cobra.ExactArgs(1),
		RunE:  verifyCommand,
	})

	return cmd
}

func auditCommand(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	taskID := args[0]
	records, err := rt.recorder.History(cmd.Context(), taskID)
	if err != nil {
		return err
	}
	latest := audit.LatestTxID(records)

	out := cmd.OutOrStdout()
	display.AuditTrail(out, taskID, records, latest)

	if path, _ := cmd.Flags().GetString("export"); path != "" {
		data, err := json.MarshalIndent(auditExport{TaskID: taskID, Logs: records, QubicTxID: latest}, "", "  ")
		if err != nil {
			return fmt.Errorf("encode audit trail: %w", err)
		}
		if err := filelock.LockAndWrite(path, append(data, '\n')); err != nil {
			return fmt.Errorf("export audit trail: %w", err)
		}
		fmt.Fprintf(out, "Audit trail exported to %s\n", path)
	}
	return nil
}

func verifyCommand(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	v, err := rt.recorder.Verify(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !v.Verified {
		fmt.Fprintf(out, "%s %s is not anchored\n", color.New(color.FgRed).Sprint("✗"), v.Hash)
		return fmt.Errorf("hash %s not found on the ledger", v.Hash)
	}
	fmt.Fprintf(out, "%s %s anchored in %s", color.New(color.FgGreen).Sprint("✓"), v.Hash, v.TxID)
	if v.Timestamp != nil {
		fmt.Fprintf(out, " at %s", v.Timestamp.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(out)
	return nil
}
