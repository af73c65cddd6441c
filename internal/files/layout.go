package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pollenisator/internal/utils"
	apperrors "pollenisator/pkg/errors"
)

// File kinds.
const (
	KindResult = "result"
	KindProof  = "proof"
	KindFile   = "file"
)

// Unassigned is the target directory of free files.
const Unassigned = "unassigned"

// Layout maps engagement artifacts to <root>/files/<engagement>/<kind>/<target>/<name>.
type Layout struct {
	Root string
}

func NewLayout(root string) *Layout {
	return &Layout{Root: root}
}

func validKind(kind string) bool {
	return kind == KindResult || kind == KindProof || kind == KindFile
}

// EngagementDir is the directory holding every artifact of engagement.
func (l *Layout) EngagementDir(engagement string) string {
	return filepath.Join(l.Root, "files", utils.SanitizeForFilesystem(engagement))
}

// Path returns the location of an artifact. Every component is sanitized so
// the result stays under the engagement directory.
func (l *Layout) Path(engagement, kind, target, name string) (string, error) {
	if !validKind(kind) {
		return "", apperrors.NewValidationError("kind", kind, "must be result, proof or file")
	}
	if target == "" {
		target = Unassigned
	}
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	return filepath.Join(
		l.EngagementDir(engagement),
		kind,
		utils.SanitizeForFilesystem(target),
		utils.SanitizeForFilesystem(name),
	), nil
}

// Save writes r to the artifact location and returns the path written.
func (l *Layout) Save(engagement, kind, target, name string, r io.Reader) (string, error) {
	path, err := l.Path(engagement, kind, target, name)
	if err != nil {
		return "", err
	}
	if err := utils.EnsureDirectoryExists(filepath.Dir(path)); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// Open opens a stored artifact.
func (l *Layout) Open(engagement, kind, target, name string) (*os.File, error) {
	path, err := l.Path(engagement, kind, target, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, apperrors.NotFound(kind, name)
	}
	return f, err
}

// List returns the artifact names stored for a target.
func (l *Layout) List(engagement, kind, target string) ([]string, error) {
	path, err := l.Path(engagement, kind, target, "x")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// RemoveEngagement deletes every artifact of engagement.
func (l *Layout) RemoveEngagement(engagement string) error {
	return os.RemoveAll(l.EngagementDir(engagement))
}
