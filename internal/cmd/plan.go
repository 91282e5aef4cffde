package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rymfhm/qubic/internal/display"
	"github.com/rymfhm/qubic/internal/filelock"
	"github.com/rymfhm/qubic/internal/planner"
)

// NewPlanCommand creates the plan command
func NewPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <task-type>",
		Short: "Generate a plan for a task type",
		Long: `Generate the three-step plan for a task type: a balance check, a policy
check and the main action. Known task types are monitor_wallet and
transfer_funds; any other type becomes a generic action.

Parameter values are parsed as YAML scalars, so numbers and booleans keep their type.

Examples:
  qubic plan monitor_wallet --param wallet_address=0x1234567890abcdef
  qubic plan transfer_funds --param wallet_address=0x1234567890abcdef \
      --param to_address=0xfeed --param amount=25 --out transfer.json
  qubic plan monitor_wallet --param wallet_address=0x1234567890abcdef --execute`,
		Args: cobra.ExactArgs(1),
		RunE: planCommand,
	}

	cmd.Flags().StringArray("param", nil, "Task parameter as key=value (repeatable)")
	cmd.Flags().String("description", "", "Free-text task description")
	cmd.Flags().String("task-id", "", "Task identifier (default: generated)")
	cmd.Flags().String("out", "", "Write the plan as JSON to this file")
	cmd.Flags().Bool("execute", false, "Run the plan immediately")

	return cmd
}

func planCommand(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetStringArray("param")
	params, err := parseParams(raw)
	if err != nil {
		return err
	}
	description, _ := cmd.Flags().GetString("description")
	taskID, _ := cmd.Flags().GetString("task-id")

	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.planner.Build(cmd.Context(), planner.Request{
		TaskID:      taskID,
		TaskType:    args[0],
		Description: description,
		Parameters:  params,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Action %s (%s risk), policy %s\n",
		result.Analysis.ActionType, result.Analysis.RiskLevel, result.Policy.PolicyID)
	display.Plan(out, result.Plan)

	if path, _ := cmd.Flags().GetString("out"); path != "" {
		data, err := json.MarshalIndent(result.Plan, "", "  ")
		if err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		if err := filelock.AtomicWrite(path, append(data, '\n')); err != nil {
			return fmt.Errorf("write plan: %w", err)
		}
		fmt.Fprintf(out, "Plan written to %s\n", path)
	}

	if execute, _ := cmd.Flags().GetBool("execute"); !execute {
		return nil
	}
	state, err := rt.engine.Run(cmd.Context(), result.TaskID, result.Plan)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}
	return printOutcome(out, state.Snapshot(), false)
}

// parseParams turns key=value pairs into a parameter map.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", pair)
		}
		params[key] = scalar(value)
	}
	return params, nil
}

// scalar decodes value as a YAML scalar. Addresses keep their 0x text form
// instead of decoding as hex integers.
func scalar(value string) any {
	if strings.HasPrefix(strings.TrimSpace(value), "0x") {
		return value
	}
	var v any
	if err := yaml.Unmarshal([]byte(value), &v); err != nil || v == nil {
		return value
	}
	switch v.(type) {
	case map[string]any, []any:
		return value
	}
	return v
}
