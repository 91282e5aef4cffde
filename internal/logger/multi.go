package logger

import (
	"time"

	"github.com/rymfhm/qubic/internal/models"
)

// Logger is the full logging surface implemented by every logger in this package.
type Logger interface {
	LogTrace(message string)
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogStepStart(taskID string, index, total int, step models.Step)
	LogStepResult(taskID string, step models.Step, result models.StepResult, duration time.Duration)
	LogTaskStatus(snapshot models.Snapshot)
}

// MultiLogger fans every message out to several loggers.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger combines loggers; nil entries are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

func (m *MultiLogger) LogTrace(message string) {
	for _, l := range m.loggers {
		l.LogTrace(message)
	}
}

func (m *MultiLogger) LogDebug(message string) {
	for _, l := range m.loggers {
		l.LogDebug(message)
	}
}

func (m *MultiLogger) LogInfo(message string) {
	for _, l := range m.loggers {
		l.LogInfo(message)
	}
}

func (m *MultiLogger) LogWarn(message string) {
	for _, l := range m.loggers {
		l.LogWarn(message)
	}
}

func (m *MultiLogger) LogError(message string) {
	for _, l := range m.loggers {
		l.LogError(message)
	}
}

func (m *MultiLogger) LogStepStart(taskID string, index, total int, step models.Step) {
	for _, l := range m.loggers {
		l.LogStepStart(taskID, index, total, step)
	}
}

func (m *MultiLogger) LogStepResult(taskID string, step models.Step, result models.StepResult, duration time.Duration) {
	for _, l := range m.loggers {
		l.LogStepResult(taskID, step, result, duration)
	}
}

func (m *MultiLogger) LogTaskStatus(snapshot models.Snapshot) {
	for _, l := range m.loggers {
		l.LogTaskStatus(snapshot)
	}
}
