package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rymfhm/qubic/internal/gate"
)

// NewApproveCommand creates the approve command
func NewApproveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve or reject the step a task is waiting on",
		Long: `Record a decision for the gated step of a suspended task.

Approving resumes the task at the gated step. Rejecting stops it for good.
A step can be decided only once.

Examples:
  qubic approve task-42 --user alice --reason "verified recipient"
  qubic approve task-42 --user alice --reject --reason "unknown recipient"`,
		Args: cobra.ExactArgs(1),
		RunE: approveCommand,
	}

	cmd.Flags().String("user", "", "Identifier of the person deciding (required)")
	cmd.Flags().String("reason", "", "Reason for the decision")
	cmd.Flags().String("step", "", "Step id being decided (default: the step the task waits on)")
	cmd.Flags().Bool("reject", false, "Reject instead of approve")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func approveCommand(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	reason, _ := cmd.Flags().GetString("reason")
	stepID, _ := cmd.Flags().GetString("step")
	reject, _ := cmd.Flags().GetBool("reject")

	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	approval, state, err := rt.engine.Approve(cmd.Context(), args[0], stepID, gate.Decision{
		Approved: !reject,
		Reason:   reason,
		Actor:    user,
	})
	if err != nil {
		return err
	}

	verdict := "approved"
	if !approval.Approved {
		verdict = "rejected"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Step %s %s by %s\n", approval.StepID, verdict, approval.Actor)
	return printOutcome(cmd.OutOrStdout(), state.Snapshot(), false)
}
