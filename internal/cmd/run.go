package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rymfhm/qubic/internal/display"
	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/parser"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Execute a plan file",
		Long: `Execute a plan file (Markdown, YAML or JSON) as a new task.

The run stops when the plan completes, a step fails, or a step that requires
approval is reached. A suspended task continues with "qubic approve".

Running an existing task id continues that task with its stored plan.

Examples:
  qubic run transfer.yaml
  qubic run transfer.md --task-id task-42
  qubic run --dry-run transfer.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("task-id", "", "Task identifier (default: generated)")
	cmd.Flags().Bool("dry-run", false, "Parse and validate the plan without executing it")
	cmd.Flags().Bool("json", false, "Print the resulting task as JSON")

	return cmd
}

func runCommand(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Loading plan from %s...\n", args[0])
	plan, err := parser.ParseFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to load plan file: %w", err)
	}

	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.registry.Require(plan.Kinds()...); err != nil {
		return err
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		display.Plan(out, plan)
		fmt.Fprintf(out, "\nDry-run mode: plan is valid and ready for execution.\n")
		return nil
	}

	taskID, _ := cmd.Flags().GetString("task-id")
	state, err := rt.engine.Run(cmd.Context(), taskID, plan)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	return printOutcome(out, state.Snapshot(), asJSON)
}

// printOutcome reports where a run stopped. A failed or rejected task is an error.
func printOutcome(out io.Writer, snap models.Snapshot, asJSON bool) error {
	if asJSON {
		if err := writeJSON(out, snap); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out)
		display.Task(out, snap)
		if snap.Status == models.StatusWaitingApproval {
			fmt.Fprintln(out)
			display.WaitingForApproval(snap.TaskID, snap.CurrentStep).Display(out)
		}
	}

	switch snap.Status {
	case models.StatusFailed:
		return fmt.Errorf("task %s failed: %s", snap.TaskID, snap.Error)
	case models.StatusRejected:
		return fmt.Errorf("task %s was rejected", snap.TaskID)
	}
	return nil
}
