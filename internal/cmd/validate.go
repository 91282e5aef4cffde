package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rymfhm/qubic/internal/models"
	"github.com/rymfhm/qubic/internal/parser"
	"github.com/rymfhm/qubic/internal/registry"
	"github.com/rymfhm/qubic/internal/worker"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan-file>...",
		Short: "Validate one or more plan files",
		Long: `Parse and validate plan files, checking for:
  - Known step types
  - Unique step identifiers
  - Required parameters of every step
  - A registered handler for every step type

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := worker.Register(registry.NewBuilder(), worker.NewHandlers(nil)).Build()
			return validatePlanFiles(args, reg, cmd.OutOrStdout())
		},
	}

	return cmd
}

// validatePlanFiles reports every file and returns an error when any is invalid.
func validatePlanFiles(paths []string, reg *registry.Registry, output io.Writer) error {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	failed := 0
	for _, path := range paths {
		plan, err := parser.ParseFile(path)
		if err == nil {
			err = reg.Require(plan.Kinds()...)
		}
		if err != nil {
			failed++
			fmt.Fprintf(output, "%s %s: %v\n", red.Sprint("✗"), path, err)
			continue
		}
		fmt.Fprintf(output, "%s %s: plan %s with %d steps (%d gated)\n",
			green.Sprint("✓"), path, plan.ID, len(plan.Steps), gatedSteps(plan))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d plan files invalid", failed, len(paths))
	}
	return nil
}

func gatedSteps(plan *models.Plan) int {
	n := 0
	for _, s := range plan.Steps {
		if s.RequiresApproval {
			n++
		}
	}
	return n
}
