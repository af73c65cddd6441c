package store

import (
	"context"
	"sync"

	apperrors "pollenisator/pkg/errors"
)

// MemoryBackend keeps every namespace in process memory. It backs the
// tests and single-node demos.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string][]Document
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string][]Document)}
}

func (m *MemoryBackend) Find(_ context.Context, db, coll string, filter Filter) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document
	for _, doc := range m.data[db][coll] {
		if Match(doc, filter) {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

func (m *MemoryBackend) Insert(_ context.Context, db, coll string, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data[db] == nil {
		m.data[db] = make(map[string][]Document)
	}
	existing := make(map[string]bool, len(m.data[db][coll]))
	for _, doc := range m.data[db][coll] {
		existing[doc.ID()] = true
	}
	for _, doc := range docs {
		if existing[doc.ID()] {
			return apperrors.NewConflictError(coll, doc.ID())
		}
	}
	for _, doc := range docs {
		m.data[db][coll] = append(m.data[db][coll], doc.Clone())
	}
	return nil
}

func (m *MemoryBackend) Update(_ context.Context, db, coll string, filter Filter, upd Update, many bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	docs := m.data[db][coll]
	for i, doc := range docs {
		if !Match(doc, filter) {
			continue
		}
		docs[i] = ApplyUpdate(doc, upd)
		ids = append(ids, doc.ID())
		if !many {
			break
		}
	}
	return ids, nil
}

func (m *MemoryBackend) Delete(_ context.Context, db, coll string, filter Filter, many bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	docs := m.data[db][coll]
	kept := docs[:0]
	for _, doc := range docs {
		if Match(doc, filter) && (many || len(ids) == 0) {
			ids = append(ids, doc.ID())
			continue
		}
		kept = append(kept, doc)
	}
	if m.data[db] != nil {
		m.data[db][coll] = kept
	}
	return ids, nil
}

func (m *MemoryBackend) Count(_ context.Context, db, coll string, filter Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, doc := range m.data[db][coll] {
		if Match(doc, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Drop(_ context.Context, db string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, db)
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
