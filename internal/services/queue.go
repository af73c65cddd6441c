package services

import (
	"context"
	"errors"
	"sync"

	"pollenisator/internal/models"
	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

const settingsQueueType = "queue"

// QueueEntry is one queued tool.
type QueueEntry struct {
	IID      string `json:"iid"`
	Priority int    `json:"priority"`
}

type queueDoc struct {
	ID    string       `json:"_id,omitempty"`
	Type  string       `json:"type"`
	Tools []QueueEntry `json:"tools"`
}

// InsertByPriority places e before the first entry with a strictly higher
// priority, after every entry of equal or lower priority.
func InsertByPriority(queue []QueueEntry, e QueueEntry) []QueueEntry {
	pos := len(queue)
	for i, q := range queue {
		if q.Priority > e.Priority {
			pos = i
			break
		}
	}
	out := make([]QueueEntry, 0, len(queue)+1)
	out = append(out, queue[:pos]...)
	out = append(out, e)
	return append(out, queue[pos:]...)
}

type QueueMethods interface {
	Get(ctx context.Context, engagement string) ([]QueueEntry, error)
	Add(ctx context.Context, engagement string, toolIDs []string) ([]string, error)
	Remove(ctx context.Context, engagement string, toolIDs []string) (int, error)
	Clear(ctx context.Context, engagement string) error
}

// QueueService keeps the per-engagement priority queue in the settings
// collection. Read-modify-write cycles are serialized per engagement.
type QueueService struct {
	deps
	locks sync.Map
}

func (q *QueueService) lock(engagement string) func() {
	mu, _ := q.locks.LoadOrStore(engagement, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (q *QueueService) load(ctx context.Context, engagement string) (*queueDoc, error) {
	doc, err := store.Get[queueDoc](ctx, q.store, engagement, models.CollSettings, store.Filter{"type": settingsQueueType})
	if errors.Is(err, apperrors.ErrNotFound) {
		return &queueDoc{Type: settingsQueueType}, nil
	}
	return doc, err
}

func (q *QueueService) save(ctx context.Context, engagement string, doc *queueDoc) error {
	if doc.Tools == nil {
		doc.Tools = []QueueEntry{}
	}
	if doc.ID == "" {
		id, err := q.store.Insert(ctx, engagement, models.CollSettings, doc, store.Notify())
		if err != nil {
			return err
		}
		doc.ID = id
	} else {
		_, err := q.store.UpdateOne(ctx, engagement, models.CollSettings, store.ByID(doc.ID),
			store.SetFields(map[string]any{"tools": doc.Tools}), store.Notify())
		if err != nil {
			return err
		}
	}
	q.metrics.SetQueueLength(engagement, len(doc.Tools))
	return nil
}

// Get returns the queue in dispatch order.
func (q *QueueService) Get(ctx context.Context, engagement string) ([]QueueEntry, error) {
	doc, err := q.load(ctx, engagement)
	if err != nil {
		return nil, err
	}
	return doc.Tools, nil
}

// Add queues the given tools by priority. Tools already queued or not in
// the ready state are skipped. It returns the ids actually queued.
func (q *QueueService) Add(ctx context.Context, engagement string, toolIDs []string) ([]string, error) {
	if len(toolIDs) == 0 {
		return nil, nil
	}
	tools, err := store.FindAll[models.Tool](ctx, q.store, engagement, models.CollTools, store.Filter{"_id": store.InStrings(toolIDs)})
	if err != nil {
		return nil, err
	}

	unlock := q.lock(engagement)
	defer unlock()

	doc, err := q.load(ctx, engagement)
	if err != nil {
		return nil, err
	}
	queued := make(map[string]bool, len(doc.Tools))
	for _, e := range doc.Tools {
		queued[e.IID] = true
	}

	// keep the caller's order for equal priorities
	byID := make(map[string]*models.Tool, len(tools))
	for i := range tools {
		byID[tools[i].ID] = &tools[i]
	}
	var added []string
	for _, id := range toolIDs {
		t, ok := byID[id]
		if !ok || queued[id] || t.Lifecycle() != models.StatusReady {
			continue
		}
		doc.Tools = InsertByPriority(doc.Tools, QueueEntry{IID: id, Priority: t.Priority})
		queued[id] = true
		added = append(added, id)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := q.save(ctx, engagement, doc); err != nil {
		return nil, err
	}
	q.logger.WithFields(logger.Fields{"engagement": engagement, "count": len(added)}).Debug("Tools queued")
	return added, nil
}

// Remove unqueues the given tools and returns how many were queued.
func (q *QueueService) Remove(ctx context.Context, engagement string, toolIDs []string) (int, error) {
	drop := make(map[string]bool, len(toolIDs))
	for _, id := range toolIDs {
		drop[id] = true
	}

	unlock := q.lock(engagement)
	defer unlock()

	doc, err := q.load(ctx, engagement)
	if err != nil {
		return 0, err
	}
	kept := doc.Tools[:0]
	removed := 0
	for _, e := range doc.Tools {
		if drop[e.IID] {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}
	doc.Tools = kept
	return removed, q.save(ctx, engagement, doc)
}

func (q *QueueService) Clear(ctx context.Context, engagement string) error {
	unlock := q.lock(engagement)
	defer unlock()

	doc, err := q.load(ctx, engagement)
	if err != nil {
		return err
	}
	doc.Tools = []QueueEntry{}
	return q.save(ctx, engagement, doc)
}
