// Package mock provides log capture for tests.
package mock

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Logger is a zap logger whose entries can be inspected.
type Logger struct {
	*zap.Logger
	logs *observer.ObservedLogs
}

// NewLogger creates a logger recording every entry at debug level and above.
func NewLogger() *Logger {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{Logger: zap.New(core), logs: logs}
}

// Entries returns all logged entries.
func (l *Logger) Entries() []observer.LoggedEntry {
	return l.logs.AllUntimed()
}

// Clear discards the recorded entries.
func (l *Logger) Clear() {
	l.logs.TakeAll()
}

// HasEntry checks if a message was logged at a specific level
func (l *Logger) HasEntry(level zapcore.Level, message string) bool {
	for _, e := range l.logs.FilterMessage(message).All() {
		if e.Level == level {
			return true
		}
	}
	return false
}

// Count returns how many entries carry message.
func (l *Logger) Count(message string) int {
	return l.logs.FilterMessage(message).Len()
}
