package cmd

import (
	"github.com/spf13/cobra"
)

// NewResumeCommand creates the resume command
func NewResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Continue an interrupted or approved task",
		Long: `Continue a task at its current step. A task still waiting for a decision
and a finished task are shown unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			state, err := rt.engine.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), state.Snapshot(), false)
		},
	}
}
