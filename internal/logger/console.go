// Package logger provides logging implementations for qubic plan runs.
//
// Loggers report step and task progress with leveled messages. Implementations
// are safe for concurrent use and write to a console or to per-run log files.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/rymfhm/qubic/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs run progress to a writer with timestamps.
// All output is prefixed with [HH:MM:SS] timestamps.
// Color output is enabled for terminal output (os.Stdout/os.Stderr).
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive); anything else means "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	if f != os.Stdout && f != os.Stderr {
		return false
	}
	// color.NoColor honours NO_COLOR
	return !color.NoColor && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
// Format: "[HH:MM:SS] [INFO] <message>"
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	label := level
	if cl.colorOutput {
		label = colorizeLevel(level)
	}
	fmt.Fprintf(cl.writer, "[%s] [%s] %s\n", timestamp(), label, message)
}

func colorizeLevel(level string) string {
	switch level {
	case "TRACE":
		return color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	default:
		return level
	}
}

// LogStepStart logs that a step is about to be attempted at INFO level.
// Format: "[HH:MM:SS] [INFO] task <id>: step <n>/<total> <step_id> (<type>)"
func (cl *ConsoleLogger) LogStepStart(taskID string, index, total int, step models.Step) {
	msg := fmt.Sprintf("task %s: step %d/%d %s (%s)", taskID, index, total, step.ID, step.Kind)
	if step.RequiresApproval {
		msg += " [gated]"
	}
	cl.logWithLevel("INFO", msg)
}

// LogStepResult logs the outcome of one step. Failures are logged at ERROR level.
func (cl *ConsoleLogger) LogStepResult(taskID string, step models.Step, result models.StepResult, duration time.Duration) {
	if result.Status == models.StepFailed {
		cl.logWithLevel("ERROR", fmt.Sprintf("task %s: step %s failed after %s: %s", taskID, step.ID, formatDuration(duration), result.Error))
		return
	}

	status := string(result.Status)
	if cl.colorOutput {
		status = color.New(color.FgGreen).Sprint(status)
	}
	cl.logWithLevel("INFO", fmt.Sprintf("task %s: step %s %s in %s", taskID, step.ID, status, formatDuration(duration)))
}

// LogTaskStatus logs where a run stopped: a terminal status or an approval suspension.
func (cl *ConsoleLogger) LogTaskStatus(snapshot models.Snapshot) {
	msg := fmt.Sprintf("task %s: %s at step %d/%d (%d executed)",
		snapshot.TaskID, snapshot.Status, snapshot.CurrentStep, snapshot.TotalSteps, len(snapshot.Steps))

	switch snapshot.Status {
	case models.StatusFailed, models.StatusRejected:
		cl.logWithLevel("WARN", msg)
	default:
		cl.logWithLevel("INFO", msg)
	}
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a short human-readable string.
// Examples: "120ms", "5s", "1m30s"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		minutes := d / time.Minute
		seconds := (d % time.Minute) / time.Second
		if seconds == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	case d >= time.Second:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// NoOpLogger discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// LogTrace is a no-op implementation.
func (n *NoOpLogger) LogTrace(string) {}

// LogDebug is a no-op implementation.
func (n *NoOpLogger) LogDebug(string) {}

// LogInfo is a no-op implementation.
func (n *NoOpLogger) LogInfo(string) {}

// LogWarn is a no-op implementation.
func (n *NoOpLogger) LogWarn(string) {}

// LogError is a no-op implementation.
func (n *NoOpLogger) LogError(string) {}

// LogStepStart is a no-op implementation.
func (n *NoOpLogger) LogStepStart(string, int, int, models.Step) {}

// LogStepResult is a no-op implementation.
func (n *NoOpLogger) LogStepResult(string, models.Step, models.StepResult, time.Duration) {}

// LogTaskStatus is a no-op implementation.
func (n *NoOpLogger) LogTaskStatus(models.Snapshot) {}
