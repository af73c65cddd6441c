// Package testutil provides testing utilities for the pollenisator server
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pollenisator/internal/bus"
)

// RecordingSession implements bus.Session and keeps every message sent to it
type RecordingSession struct {
	mu       sync.RWMutex
	id       string
	messages []bus.Message
	closed   bool
	failSend bool
	onSend   func(bus.Message)
}

func NewRecordingSession(id string) *RecordingSession {
	return &RecordingSession{id: id}
}

func (s *RecordingSession) ID() string { return s.id }

func (s *RecordingSession) Send(msg bus.Message) error {
	s.mu.Lock()
	if s.closed || s.failSend {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.messages = append(s.messages, msg)
	onSend := s.onSend
	s.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (s *RecordingSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// OnSend installs a callback run after each recorded message, used to
// simulate a worker answering requests.
func (s *RecordingSession) OnSend(fn func(bus.Message)) {
	s.mu.Lock()
	s.onSend = fn
	s.mu.Unlock()
}

// FailSends makes every later Send fail.
func (s *RecordingSession) FailSends() {
	s.mu.Lock()
	s.failSend = true
	s.mu.Unlock()
}

func (s *RecordingSession) Messages() []bus.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]bus.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Events returns the messages with the given event name
func (s *RecordingSession) Events(event string) []bus.Message {
	var out []bus.Message
	for _, m := range s.Messages() {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func (s *RecordingSession) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

// DecodeData unmarshals the payload of msg into out
func DecodeData(t *testing.T, msg bus.Message, out any) {
	t.Helper()
	if err := json.Unmarshal(msg.Data, out); err != nil {
		t.Fatalf("Failed to decode %s payload: %v", msg.Event, err)
	}
}

// TempDir creates a temporary directory for testing and returns a cleanup function
func TempDir(t *testing.T, prefix string) (string, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			t.Errorf("Failed to clean up temp dir %s: %v", dir, err)
		}
	}

	return dir, cleanup
}

// CreateTestFile creates a test file with the given content
func CreateTestFile(t *testing.T, dir, filename, content string) string {
	t.Helper()

	filePath := filepath.Join(dir, filename)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		t.Fatalf("Failed to create directory for %s: %v", filePath, err)
	}
	if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test file %s: %v", filePath, err)
	}

	return filePath
}

// WithTimeout creates a context with timeout for tests
func WithTimeout(t *testing.T, timeout time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), timeout)
}

// Eventually polls cond until it holds or timeout elapses
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
