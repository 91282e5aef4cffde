package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rymfhm/qubic/internal/models"
)

// FileLogger writes run events to a timestamped file under a log directory
// and keeps a latest.log symlink pointing to the most recent run.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger in logDir at the given level.
func NewFileLogger(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		logLevel: normalizeLogLevel(logLevel),
	}

	fl.writeRunLog("=== Qubic Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return fl, nil
}

// RunFile returns the path of the current run log.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

func (fl *FileLogger) LogTrace(message string) { fl.logWithLevel("TRACE", message) }

func (fl *FileLogger) LogDebug(message string) { fl.logWithLevel("DEBUG", message) }

func (fl *FileLogger) LogInfo(message string) { fl.logWithLevel("INFO", message) }

func (fl *FileLogger) LogWarn(message string) { fl.logWithLevel("WARN", message) }

func (fl *FileLogger) LogError(message string) { fl.logWithLevel("ERROR", message) }

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// LogStepStart records the step being attempted.
func (fl *FileLogger) LogStepStart(taskID string, index, total int, step models.Step) {
	fl.logWithLevel("INFO", fmt.Sprintf("task %s: step %d/%d %s (%s) requires_approval=%t",
		taskID, index, total, step.ID, step.Kind, step.RequiresApproval))
}

// LogStepResult records a step outcome including its error text.
func (fl *FileLogger) LogStepResult(taskID string, step models.Step, result models.StepResult, duration time.Duration) {
	level := "INFO"
	if result.Status == models.StepFailed {
		level = "ERROR"
	}
	msg := fmt.Sprintf("task %s: step %s %s in %s", taskID, step.ID, result.Status, formatDuration(duration))
	if result.Error != "" {
		msg += ": " + result.Error
	}
	fl.logWithLevel(level, msg)
}

// LogTaskStatus records where the run stopped.
func (fl *FileLogger) LogTaskStatus(snapshot models.Snapshot) {
	fl.logWithLevel("INFO", fmt.Sprintf("task %s: status=%s current_step=%d total_steps=%d executed=%d",
		snapshot.TaskID, snapshot.Status, snapshot.CurrentStep, snapshot.TotalSteps, len(snapshot.Steps)))
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}

	return nil
}

func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		fl.runLog.Sync()
	}
}
