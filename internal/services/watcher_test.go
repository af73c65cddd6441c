package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/models"
	"pollenisator/internal/store"
	"pollenisator/pkg/testutil"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestImportFile(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)
	root, cleanup := testutil.TempDir(t, "imports")
	defer cleanup()
	w := NewImportWatcher(f.svc, root, 0)

	t.Run("known engagement", func(t *testing.T) {
		path := testutil.CreateTestFile(t, filepath.Join(root, f.eng), "whois.txt", "Registrar: Example")
		w.ImportFile(f.ctx, path)

		assert.False(t, fileExists(path))
		assert.True(t, fileExists(filepath.Join(root, f.eng, doneDir, "whois.txt")))
		tools := f.tools(store.Filter{"wave": ImportWave})
		require.Len(t, tools, 1)
		assert.Equal(t, "whois", tools[0].Name)
		assert.Equal(t, models.StatusDone, tools[0].Lifecycle())
	})

	t.Run("unknown engagement", func(t *testing.T) {
		path := testutil.CreateTestFile(t, filepath.Join(root, "missing"), "whois.txt", "Registrar: Example")
		w.ImportFile(f.ctx, path)

		assert.False(t, fileExists(path))
		assert.True(t, fileExists(filepath.Join(root, "missing", failedDir, "whois.txt")))
	})
}

func TestImportWatcherRun(t *testing.T) {
	f := newFixture(t)
	f.createEngagement("acme", false)
	root, cleanup := testutil.TempDir(t, "imports")
	defer cleanup()
	early := testutil.CreateTestFile(t, filepath.Join(root, f.eng), "early.txt", "first")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewImportWatcher(f.svc, root, 50*time.Millisecond).Run(ctx)
	}()

	assert.True(t, testutil.Eventually(t, 3*time.Second, func() bool {
		return fileExists(filepath.Join(root, f.eng, doneDir, filepath.Base(early)))
	}))

	late := testutil.CreateTestFile(t, filepath.Join(root, f.eng), "late.txt", "second")
	assert.True(t, testutil.Eventually(t, 3*time.Second, func() bool {
		return fileExists(filepath.Join(root, f.eng, doneDir, filepath.Base(late)))
	}))

	cancel()
	require.NoError(t, <-done)
	assert.Len(t, f.tools(store.Filter{"wave": ImportWave}), 2)
}
