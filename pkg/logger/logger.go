// Package logger provides structured logging for the pollenisator server
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Fields represents structured log fields
type Fields map[string]interface{}

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// Options configures a logger built by New.
type Options struct {
	Level  string
	Format string
}

// NewLogger creates a new structured logger
func NewLogger(level logrus.Level) *Logger {
	return newLogger(level, "")
}

// New builds a logger from textual options, falling back to info level.
func New(opts Options) *Logger {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	return newLogger(level, opts.Format)
}

func newLogger(level logrus.Level, format string) *Logger {
	logger := logrus.New()
	logger.SetLevel(level)

	if os.Getenv("ENV") == "production" || strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	return &Logger{Logger: logger}
}

// WithEngagement scopes the entry to one engagement
func (l *Logger) WithEngagement(engagement string) *logrus.Entry {
	return l.Logger.WithField("engagement", engagement)
}

// WithTool adds tool-specific fields to the logger
func (l *Logger) WithTool(engagement, toolID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"engagement": engagement,
		"tool_id":    toolID,
	})
}

// WithError adds error context to the logger
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields(fields))
}

// LogDuration logs how long fn took and whether it failed
func (l *Logger) LogDuration(action string, fields Fields, fn func() error) error {
	start := time.Now()
	err := fn()

	entry := Fields{
		"action":   action,
		"duration": time.Since(start).String(),
	}
	for k, v := range fields {
		entry[k] = v
	}

	if err != nil {
		l.WithFields(entry).WithError(err).Warn("Action failed")
	} else {
		l.WithFields(entry).Debug("Action completed")
	}
	return err
}

// Default logger instance
var defaultLogger = NewLogger(logrus.InfoLevel)

// Default returns the process-wide logger used when no logger is injected
func Default() *Logger {
	return defaultLogger
}
