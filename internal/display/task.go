package display

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/rymfhm/qubic/internal/models"
)

// StatusColor returns the color used for a task status.
func StatusColor(s models.TaskStatus) *color.Color {
	switch s {
	case models.StatusCompleted, models.StatusApproved:
		return color.New(color.FgGreen)
	case models.StatusFailed, models.StatusRejected:
		return color.New(color.FgRed)
	case models.StatusWaitingApproval:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

// Task writes a snapshot: the header lines followed by one line per executed step.
func Task(w io.Writer, snap models.Snapshot) {
	fmt.Fprintf(w, "Task:    %s\n", snap.TaskID)
	fmt.Fprintf(w, "Plan:    %s\n", snap.PlanID)
	fmt.Fprintf(w, "Status:  %s\n", StatusColor(snap.Status).Sprint(snap.Status))
	fmt.Fprintf(w, "Step:    %d/%d\n", snap.CurrentStep, snap.TotalSteps)
	if snap.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", snap.Error)
	}
	if len(snap.Steps) == 0 {
		return
	}

	fmt.Fprintln(w, "\nExecuted steps:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, rec := range snap.Steps {
		detail := rec.Error
		if detail == "" {
			detail = rec.ExecutedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "  %d.\t%s\t%s\t%s\n", i+1, rec.StepID, rec.Status, detail)
	}
	tw.Flush()
}

// Tasks writes one line per task.
func Tasks(w io.Writer, snaps []models.Snapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tPLAN\tSTATUS\tSTEP\tUPDATED")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
			s.TaskID, s.PlanID, s.Status, s.CurrentStep, s.TotalSteps, s.UpdatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

// Plan writes the steps of a plan.
func Plan(w io.Writer, plan *models.Plan) {
	fmt.Fprintf(w, "Plan %s (%d steps)\n", plan.ID, len(plan.Steps))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, step := range plan.Steps {
		gate := ""
		if step.RequiresApproval {
			gate = "requires approval"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", step.ID, step.Kind, gate)
	}
	tw.Flush()
}

// AuditTrail writes a task's audit records and its latest ledger transaction.
func AuditTrail(w io.Writer, taskID string, records []models.AuditRecord, latestTxID *string) {
	fmt.Fprintf(w, "Audit trail for %s (%d records)\n", taskID, len(records))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  STEP\tTYPE\tOUTPUT HASH\tLEDGER TX")
	for _, r := range records {
		tx := color.New(color.FgYellow).Sprint("not anchored")
		if r.Anchored() {
			tx = *r.LedgerTxID
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", r.StepIndex, r.StepType, r.OutputHash, tx)
	}
	tw.Flush()
	if latestTxID != nil {
		fmt.Fprintf(w, "Latest ledger transaction: %s\n", *latestTxID)
	}
}
