package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rymfhm/qubic/internal/display"
	"github.com/rymfhm/qubic/internal/models"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show a task, or list tasks",
		Long: `Show the state of one task, or list every task when no id is given.

Examples:
  qubic status task-42
  qubic status --status waiting_approval`,
		Args: cobra.MaximumNArgs(1),
		RunE: statusCommand,
	}

	cmd.Flags().String("status", "", "List only tasks with this status")
	cmd.Flags().Bool("json", false, "Print as JSON")

	return cmd
}

func statusCommand(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	asJSON, _ := cmd.Flags().GetBool("json")

	if len(args) == 1 {
		snap, err := rt.engine.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(out, snap)
		}
		display.Task(out, snap)
		return nil
	}

	filter, _ := cmd.Flags().GetString("status")
	status := models.TaskStatus(filter)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", filter)
	}
	tasks, err := rt.engine.Tasks(cmd.Context(), status)
	if err != nil {
		return err
	}
	if asJSON {
		if tasks == nil {
			tasks = []models.Snapshot{}
		}
		return writeJSON(out, tasks)
	}
	display.Tasks(out, tasks)
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
