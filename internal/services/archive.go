package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

const archiveVersion = 1

// importBatch bounds the documents held in memory per collection during an
// import.
const importBatch = 500

type ArchiveMethods interface {
	Export(ctx context.Context, engagement string, w io.Writer) error
	Import(ctx context.Context, r io.Reader, name string) (*models.Engagement, error)
}

// archiveHeader is the first line of an archive.
type archiveHeader struct {
	Version    int               `json:"version"`
	Engagement models.Engagement `json:"engagement"`
}

// archiveLine carries one document.
type archiveLine struct {
	Collection string         `json:"collection"`
	Doc        store.Document `json:"doc"`
}

// ArchiveService dumps an engagement namespace to a zstd compressed JSON
// lines stream and restores such a stream as a new engagement.
type ArchiveService struct {
	deps
	engagements *EngagementService
}

// archivedCollections lists the engagement collections written to an
// archive. Check items live in the global namespace and the autoscan
// record only means something to a live loop.
func archivedCollections() []string {
	var out []string
	for _, k := range models.Kinds() {
		if k.Collection == models.CollCheckItems {
			continue
		}
		out = append(out, k.Collection)
	}
	return append(out, models.CollSettings)
}

func (s *ArchiveService) Export(ctx context.Context, engagement string, w io.Writer) error {
	eng, err := s.engagements.Get(ctx, engagement)
	if err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	defer zw.Close()

	enc := json.NewEncoder(zw)
	if err := enc.Encode(archiveHeader{Version: archiveVersion, Engagement: *eng}); err != nil {
		return fmt.Errorf("failed to write archive header: %w", err)
	}

	total := 0
	for _, coll := range archivedCollections() {
		docs, err := s.store.Find(ctx, engagement, coll, store.Filter{})
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := enc.Encode(archiveLine{Collection: coll, Doc: doc}); err != nil {
				return fmt.Errorf("failed to write %s document: %w", coll, err)
			}
		}
		total += len(docs)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to flush archive: %w", err)
	}

	s.logger.WithFields(logger.Fields{
		"engagement": engagement,
		"documents":  total,
	}).Info("Engagement exported")
	return nil
}

// Import restores an archive under a new UUID. An empty name reuses the
// archived one, which then has to be free. Document ids are kept since
// they only need to be unique inside the namespace.
func (s *ArchiveService) Import(ctx context.Context, r io.Reader, name string) (*models.Engagement, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	var header archiveHeader
	if err := dec.Decode(&header); err != nil {
		return nil, apperrors.NewValidationError("archive", nil, "unreadable header: "+err.Error())
	}
	if header.Version != archiveVersion {
		return nil, apperrors.NewValidationError("archive", header.Version, "unsupported version")
	}

	eng := header.Engagement
	eng.UUID = uuid.NewString()
	if name = strings.TrimSpace(name); name != "" {
		eng.Name = name
	}
	if eng.CreatedAt.IsZero() {
		eng.CreatedAt = s.now().UTC()
	}
	if err := s.engagements.register(ctx, &eng); err != nil {
		return nil, err
	}

	allowed := archivedCollections()
	pending := make(map[string][]any)
	flush := func(coll string) error {
		if len(pending[coll]) == 0 {
			return nil
		}
		_, err := s.store.InsertMany(ctx, eng.UUID, coll, pending[coll])
		pending[coll] = pending[coll][:0]
		return err
	}

	total := 0
	for {
		var line archiveLine
		err := dec.Decode(&line)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.abortImport(ctx, &eng, apperrors.NewValidationError("archive", total, "unreadable document: "+err.Error()))
		}
		if !slices.Contains(allowed, line.Collection) || line.Doc.ID() == "" {
			return s.abortImport(ctx, &eng, apperrors.NewValidationError("collection", line.Collection, "not importable"))
		}
		if line.Collection == models.CollTools {
			resetRunning(line.Doc)
		}
		pending[line.Collection] = append(pending[line.Collection], line.Doc)
		total++
		if len(pending[line.Collection]) >= importBatch {
			if err := flush(line.Collection); err != nil {
				return s.abortImport(ctx, &eng, err)
			}
		}
	}
	for _, coll := range allowed {
		if err := flush(coll); err != nil {
			return s.abortImport(ctx, &eng, err)
		}
	}
	if _, err := s.store.FindOne(ctx, eng.UUID, models.CollWaves, store.Filter{"wave": models.DefaultWave}); errors.Is(err, apperrors.ErrNotFound) {
		if _, err := s.store.Insert(ctx, eng.UUID, models.CollWaves, &models.Wave{Wave: models.DefaultWave}); err != nil {
			return s.abortImport(ctx, &eng, err)
		}
	}

	s.logger.WithFields(logger.Fields{
		"engagement": eng.UUID,
		"name":       eng.Name,
		"from":       header.Engagement.UUID,
		"documents":  total,
	}).Info("Engagement imported")
	return &eng, nil
}

// abortImport removes a partially restored engagement.
func (s *ArchiveService) abortImport(ctx context.Context, eng *models.Engagement, cause error) (*models.Engagement, error) {
	if err := s.engagements.Delete(ctx, eng.UUID); err != nil {
		s.logger.WithFields(logger.Fields{"engagement": eng.UUID, "error": err}).Warn("Failed to clean up partial import")
	}
	return nil, cause
}

// resetRunning puts a tool archived mid-run back to ready: no worker of
// the new engagement is running it.
func resetRunning(doc store.Document) {
	raw, _ := doc["status"].([]any)
	running := false
	status := make([]any, 0, len(raw))
	for _, v := range raw {
		if v == models.StatusRunning {
			running = true
			continue
		}
		status = append(status, v)
	}
	if !running {
		return
	}
	doc["status"] = append([]any{models.StatusReady}, status...)
	delete(doc, "dated")
	delete(doc, "scanner")
}
