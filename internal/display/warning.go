package display

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Warning is a user-facing notice printed in yellow.
type Warning struct {
	Title      string
	Message    string
	Suggestion string
}

// Display writes the warning to out.
func (w Warning) Display(out io.Writer) {
	yellow := color.New(color.FgYellow)

	var b strings.Builder
	b.WriteString(yellow.Sprint("Warning: " + w.Title))
	b.WriteString("\n")
	if w.Message != "" {
		b.WriteString("    " + w.Message + "\n")
	}
	if w.Suggestion != "" {
		b.WriteString("    Suggestion: " + w.Suggestion + "\n")
	}
	fmt.Fprint(out, b.String())
}

// WaitingForApproval builds the notice shown when a run suspends at a gated step.
func WaitingForApproval(taskID string, step int) Warning {
	return Warning{
		Title:      fmt.Sprintf("task %s is waiting for approval of step %d", taskID, step),
		Message:    "No further steps run until the step is approved or rejected.",
		Suggestion: fmt.Sprintf("qubic approve %s --user <id> [--reject]", taskID),
	}
}
