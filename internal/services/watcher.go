package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pollenisator/internal/utils"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

const (
	doneDir   = "done"
	failedDir = "failed"
)

// DefaultSettle is how long a dropped file must stay unchanged before it
// is ingested.
const DefaultSettle = 2 * time.Second

// ImportWatcher ingests the result files dropped under
// <root>/<engagement uuid>/ as imported tools. Ingested files move to
// done/, files that could not be read or belong to no engagement move to
// failed/.
type ImportWatcher struct {
	ingest      *IngestionService
	engagements *EngagementService
	logger      *logger.Logger
	root        string
	settle      time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
}

func NewImportWatcher(s *Services, root string, settle time.Duration) *ImportWatcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &ImportWatcher{
		ingest:      s.Ingest,
		engagements: s.Engagements,
		logger:      s.Ingest.logger,
		root:        root,
		settle:      settle,
		pending:     make(map[string]time.Time),
	}
}

// Run watches the root until ctx ends. Files already present are picked
// up on start.
func (w *ImportWatcher) Run(ctx context.Context) error {
	if err := utils.EnsureDirectoryExists(w.root); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.watchEngagement(watcher, filepath.Join(w.root, e.Name()))
		}
	}
	w.logger.WithFields(logger.Fields{"dir": w.root}).Info("Watching import directory")

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(watcher, event)

		case <-ticker.C:
			w.flush(ctx, time.Now())

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithFields(logger.Fields{"error": err, "dir": w.root}).Error("Import watcher error")

		case <-ctx.Done():
			w.logger.WithFields(logger.Fields{"dir": w.root}).Info("Stopping import watcher")
			return nil
		}
	}
}

func (w *ImportWatcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	fi, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if filepath.Dir(event.Name) == filepath.Clean(w.root) {
		if fi.IsDir() {
			w.watchEngagement(watcher, event.Name)
		}
		return
	}
	if fi.IsDir() || strings.HasPrefix(fi.Name(), ".") {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// watchEngagement adds an engagement directory and queues the files it
// already holds.
func (w *ImportWatcher) watchEngagement(watcher *fsnotify.Watcher, dir string) {
	if err := watcher.Add(dir); err != nil {
		w.logger.WithFields(logger.Fields{"error": err, "dir": dir}).Error("Error adding directory to watcher")
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		w.pending[filepath.Join(dir, e.Name())] = time.Time{}
	}
}

// flush ingests the pending files untouched for the settle delay.
func (w *ImportWatcher) flush(ctx context.Context, now time.Time) {
	w.mu.Lock()
	var ready []string
	for path, seen := range w.pending {
		if now.Sub(seen) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.ImportFile(ctx, path)
	}
}

// ImportFile ingests one file of an engagement directory and moves it.
func (w *ImportWatcher) ImportFile(ctx context.Context, path string) {
	engagement := filepath.Base(filepath.Dir(path))

	err := w.importFile(ctx, engagement, path)
	target := doneDir
	if err != nil {
		target = failedDir
		w.logger.WithEngagement(engagement).WithField("file", filepath.Base(path)).WithError(err).Warn("Import failed")
	}
	if err := moveInto(path, target); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.WithFields(logger.Fields{"file": path, "error": err}).Error("Failed to move imported file")
	}
}

func (w *ImportWatcher) importFile(ctx context.Context, engagement, path string) error {
	if _, err := w.engagements.Get(ctx, engagement); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := w.ingest.Ingest(ctx, Upload{
		Engagement: engagement,
		Filename:   filepath.Base(path),
		Content:    f,
	})
	if err != nil {
		return err
	}
	if res.Error != "" {
		return apperrors.NewValidationError("file", filepath.Base(path), res.Error)
	}
	w.logger.WithFields(logger.Fields{
		"engagement": engagement,
		"file":       filepath.Base(path),
		"plugin":     res.Plugin,
		"tool":       res.ToolID,
	}).Info("Imported result file")
	return nil
}

func moveInto(path, sub string) error {
	dir := filepath.Join(filepath.Dir(path), sub)
	if err := utils.EnsureDirectoryExists(dir); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}
