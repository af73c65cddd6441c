package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AutoscanLogger mirrors an engagement's autoscan activity into
// autoscan.log and error.log inside the engagement directory.
type AutoscanLogger struct {
	*Logger
	engagement string
	logFile    *os.File
	errorFile  *os.File
	mu         sync.Mutex
}

func NewAutoscanLogger(engagement, dir string, level logrus.Level) (*AutoscanLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create engagement directory: %w", err)
	}

	baseLogger := NewLogger(level)

	logFile, err := os.OpenFile(filepath.Join(dir, "autoscan.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create autoscan log file: %w", err)
	}

	errorFile, err := os.OpenFile(filepath.Join(dir, "error.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to create error log file: %w", err)
	}

	fmt.Fprintf(logFile, "\n=== Autoscan Started: %s ===\nEngagement: %s\n\n", time.Now().Format(time.RFC3339), engagement)

	baseLogger.Logger.SetOutput(io.MultiWriter(os.Stdout, logFile))

	return &AutoscanLogger{
		Logger:     baseLogger,
		engagement: engagement,
		logFile:    logFile,
		errorFile:  errorFile,
	}, nil
}

func (al *AutoscanLogger) LogDispatch(toolID, detail, worker string) {
	al.WithFields(Fields{
		"engagement": al.engagement,
		"tool_id":    toolID,
		"tool":       detail,
		"worker":     worker,
	}).Info("Tool dispatched")
}

func (al *AutoscanLogger) LogError(component string, err error, fields Fields) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if fields == nil {
		fields = Fields{}
	}
	fields["component"] = component
	fields["engagement"] = al.engagement

	al.WithFields(fields).WithError(err).Error("Autoscan error")

	msg := fmt.Sprintf("[%s] [%s] Error in %s: %v\n", time.Now().Format(time.RFC3339), al.engagement, component, err)
	if len(fields) > 2 {
		msg += fmt.Sprintf("  Fields: %+v\n", fields)
	}
	al.errorFile.WriteString(msg)
}

func (al *AutoscanLogger) LogStopped(reason string) {
	al.mu.Lock()
	defer al.mu.Unlock()

	fmt.Fprintf(al.logFile, "\n=== Autoscan Stopped: %s ===\nReason: %s\n\n", time.Now().Format(time.RFC3339), reason)
	al.WithFields(Fields{"engagement": al.engagement, "reason": reason}).Info("Autoscan stopped")
}

func (al *AutoscanLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	var errs []error
	if al.logFile != nil {
		if err := al.logFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log file: %w", err))
		}
	}
	if al.errorFile != nil {
		if err := al.errorFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close error file: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing autoscan logger: %v", errs)
	}
	return nil
}
