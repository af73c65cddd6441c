package logger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogDuration(t *testing.T) {
	log := NewLogger(logrus.DebugLevel)
	hook := test.NewLocal(log.Logger)

	require.NoError(t, log.LogDuration("sweep", Fields{"engagement": "e1"}, func() error { return nil }))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, "sweep", entry.Data["action"])
	assert.Equal(t, "e1", entry.Data["engagement"])
	assert.Contains(t, entry.Data, "duration")

	boom := errors.New("boom")
	assert.ErrorIs(t, log.LogDuration("sweep", nil, func() error { return boom }), boom)
	entry = hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, boom, entry.Data[logrus.ErrorKey])
}

func TestWithToolAndEngagement(t *testing.T) {
	log := NewLogger(logrus.InfoLevel)
	hook := test.NewLocal(log.Logger)

	log.WithTool("e1", "t1").Info("dispatched")
	log.WithEngagement("e2").Info("started")

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, logrus.Fields{"engagement": "e1", "tool_id": "t1"}, entries[0].Data)
	assert.Equal(t, logrus.Fields{"engagement": "e2"}, entries[1].Data)
}

func TestAutoscanLoggerWritesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "eng1")
	al, err := NewAutoscanLogger("eng1", dir, logrus.InfoLevel)
	require.NoError(t, err)

	al.LogDispatch("t1", "nmap on 10.0.0.5", "w1")
	al.LogError("dispatch", errors.New("no worker"), Fields{"tool_id": "t1"})
	al.LogStopped("stop requested")
	require.NoError(t, al.Close())

	autoscan, err := os.ReadFile(filepath.Join(dir, "autoscan.log"))
	require.NoError(t, err)
	assert.Contains(t, string(autoscan), "Autoscan Started")
	assert.Contains(t, string(autoscan), "Tool dispatched")
	assert.Contains(t, string(autoscan), "Reason: stop requested")

	errs, err := os.ReadFile(filepath.Join(dir, "error.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errs), "Error in dispatch: no worker")
}
