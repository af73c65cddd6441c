package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pollenisator/internal/metrics"
	"pollenisator/internal/models"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

// Backend is a document database holding one namespace per engagement plus
// the global namespace.
type Backend interface {
	Find(ctx context.Context, db, coll string, filter Filter) ([]Document, error)
	Insert(ctx context.Context, db, coll string, docs []Document) error
	// Update applies upd to the first (or every, when many) matching
	// document and returns the ids it modified.
	Update(ctx context.Context, db, coll string, filter Filter, upd Update, many bool) ([]string, error)
	Delete(ctx context.Context, db, coll string, filter Filter, many bool) ([]string, error)
	Count(ctx context.Context, db, coll string, filter Filter) (int64, error)
	Drop(ctx context.Context, db string) error
	Close() error
}

// Notifier receives a change event after every notifying write.
type Notifier interface {
	Notify(ev models.ChangeEvent)
}

// Store is the only component touching persistence.
type Store struct {
	backend  Backend
	cache    *Cache
	notifier Notifier
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time

	// keyLocks serializes unique inserts per namespace and collection
	keyLocks sync.Map
}

type Option func(*Store)

func WithCache(size int, ttl time.Duration) Option {
	return func(s *Store) {
		s.cache = NewCache(size, ttl)
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Store) {
		s.notifier = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithClock replaces time.Now, used for creation times and event stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		log:     logger.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// writeOptions collects per-call flags of a mutating operation.
type writeOptions struct {
	notify bool
	parent string
}

type WriteOption func(*writeOptions)

// Notify publishes a change event per affected id once the write succeeds.
func Notify() WriteOption {
	return func(o *writeOptions) {
		o.notify = true
	}
}

// WithParent attaches a parent id to the published change events.
func WithParent(id string) WriteOption {
	return func(o *writeOptions) {
		o.parent = id
	}
}

func buildWriteOptions(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Find returns every matching document, in insertion order. An empty result
// is not an error.
func (s *Store) Find(ctx context.Context, db, coll string, filter Filter) ([]Document, error) {
	f, err := normalizeFilter(filter)
	if err != nil {
		return nil, apperrors.NewValidationError("filter", filter, err.Error())
	}
	docs, err := s.backend.Find(ctx, db, coll, f)
	if err != nil {
		return nil, fmt.Errorf("find %s.%s: %w", db, coll, err)
	}
	return docs, nil
}

// FindOne returns the first matching document or an ErrNotFound error.
// Reads on hot collections are served from the cache when possible.
func (s *Store) FindOne(ctx context.Context, db, coll string, filter Filter) (Document, error) {
	f, err := normalizeFilter(filter)
	if err != nil {
		return nil, apperrors.NewValidationError("filter", filter, err.Error())
	}

	useCache := s.cache != nil && Cacheable(coll)
	if useCache {
		if doc, ok := s.cache.Get(db, coll, f); ok {
			s.metrics.CacheLookup(coll, true)
			return doc, nil
		}
		s.metrics.CacheLookup(coll, false)
	}

	docs, err := s.backend.Find(ctx, db, coll, f)
	if err != nil {
		return nil, fmt.Errorf("find %s.%s: %w", db, coll, err)
	}
	if len(docs) == 0 {
		return nil, apperrors.NotFound(coll, describeFilter(f))
	}
	if useCache {
		s.cache.Put(db, coll, f, docs[0])
	}
	return docs[0], nil
}

func describeFilter(f Filter) string {
	if id, ok := f["_id"].(string); ok && len(f) == 1 {
		return id
	}
	return fmt.Sprintf("%v", map[string]any(f))
}

// prepare normalizes v and fills the identifier and creation time when
// missing.
func (s *Store) prepare(v any) (Document, error) {
	doc, err := Normalize(v)
	if err != nil {
		return nil, apperrors.NewValidationError("document", nil, err.Error())
	}
	if doc.ID() == "" {
		doc["_id"] = uuid.NewString()
	}
	if ct, ok := doc["creation_time"].(string); !ok || ct == "" || ct == zeroTime {
		doc["creation_time"] = s.now().UTC().Format(time.RFC3339Nano)
	}
	return doc, nil
}

var zeroTime = time.Time{}.Format(time.RFC3339Nano)

// Insert stores one document and returns its id.
func (s *Store) Insert(ctx context.Context, db, coll string, v any, opts ...WriteOption) (string, error) {
	ids, err := s.InsertMany(ctx, db, coll, []any{v}, opts...)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// InsertMany stores documents in one backend write.
func (s *Store) InsertMany(ctx context.Context, db, coll string, values []any, opts ...WriteOption) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	docs := make([]Document, 0, len(values))
	ids := make([]string, 0, len(values))
	for _, v := range values {
		doc, err := s.prepare(v)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		ids = append(ids, doc.ID())
	}
	if err := s.backend.Insert(ctx, db, coll, docs); err != nil {
		return nil, fmt.Errorf("insert %s.%s: %w", db, coll, err)
	}
	s.afterWrite(db, coll, ids, models.ActionInsert, buildWriteOptions(opts))
	return ids, nil
}

// InsertAll is InsertMany for a typed slice.
func InsertAll[T any](ctx context.Context, s *Store, db, coll string, items []T, opts ...WriteOption) ([]string, error) {
	values := make([]any, len(items))
	for i := range items {
		values[i] = items[i]
	}
	return s.InsertMany(ctx, db, coll, values, opts...)
}

func (s *Store) keyLock(db, coll string) *sync.Mutex {
	mu, _ := s.keyLocks.LoadOrStore(db+"|"+coll, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// InsertUnique inserts v unless a document matching key exists, in which
// case the result carries Res false and the existing id.
func (s *Store) InsertUnique(ctx context.Context, db, coll string, key Filter, v any, opts ...WriteOption) (models.InsertResult, error) {
	mu := s.keyLock(db, coll)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.Find(ctx, db, coll, key)
	if err != nil {
		return models.InsertResult{}, err
	}
	if len(existing) > 0 {
		return models.InsertResult{Res: false, IID: existing[0].ID()}, nil
	}
	id, err := s.Insert(ctx, db, coll, v, opts...)
	if err != nil {
		return models.InsertResult{}, err
	}
	return models.InsertResult{Res: true, IID: id}, nil
}

// LockCollection serializes a read-compute-insert sequence against
// InsertUnique on the same collection. The caller must call the returned
// unlock function.
func (s *Store) LockCollection(db, coll string) func() {
	mu := s.keyLock(db, coll)
	mu.Lock()
	return mu.Unlock
}

// UpdateOne modifies the first matching document and reports whether one
// matched.
func (s *Store) UpdateOne(ctx context.Context, db, coll string, filter Filter, upd Update, opts ...WriteOption) (bool, error) {
	ids, err := s.update(ctx, db, coll, filter, upd, false, opts)
	return len(ids) > 0, err
}

// UpdateMany modifies every matching document and returns how many.
func (s *Store) UpdateMany(ctx context.Context, db, coll string, filter Filter, upd Update, opts ...WriteOption) (int, error) {
	ids, err := s.update(ctx, db, coll, filter, upd, true, opts)
	return len(ids), err
}

func (s *Store) update(ctx context.Context, db, coll string, filter Filter, upd Update, many bool, opts []WriteOption) ([]string, error) {
	if upd.IsZero() {
		return nil, nil
	}
	f, err := normalizeFilter(filter)
	if err != nil {
		return nil, apperrors.NewValidationError("filter", filter, err.Error())
	}
	u, err := normalizeUpdate(upd)
	if err != nil {
		return nil, apperrors.NewValidationError("update", nil, err.Error())
	}
	ids, err := s.backend.Update(ctx, db, coll, f, u, many)
	if err != nil {
		return nil, fmt.Errorf("update %s.%s: %w", db, coll, err)
	}
	s.afterWrite(db, coll, ids, models.ActionUpdate, buildWriteOptions(opts))
	return ids, nil
}

// DeleteOne removes the first matching document.
func (s *Store) DeleteOne(ctx context.Context, db, coll string, filter Filter, opts ...WriteOption) (bool, error) {
	ids, err := s.delete(ctx, db, coll, filter, false, opts)
	return len(ids) > 0, err
}

// DeleteMany removes every matching document and returns how many.
func (s *Store) DeleteMany(ctx context.Context, db, coll string, filter Filter, opts ...WriteOption) (int, error) {
	ids, err := s.delete(ctx, db, coll, filter, true, opts)
	return len(ids), err
}

func (s *Store) delete(ctx context.Context, db, coll string, filter Filter, many bool, opts []WriteOption) ([]string, error) {
	f, err := normalizeFilter(filter)
	if err != nil {
		return nil, apperrors.NewValidationError("filter", filter, err.Error())
	}
	ids, err := s.backend.Delete(ctx, db, coll, f, many)
	if err != nil {
		return nil, fmt.Errorf("delete %s.%s: %w", db, coll, err)
	}
	s.afterWrite(db, coll, ids, models.ActionDelete, buildWriteOptions(opts))
	return ids, nil
}

func (s *Store) Count(ctx context.Context, db, coll string, filter Filter) (int64, error) {
	f, err := normalizeFilter(filter)
	if err != nil {
		return 0, apperrors.NewValidationError("filter", filter, err.Error())
	}
	n, err := s.backend.Count(ctx, db, coll, f)
	if err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", db, coll, err)
	}
	return n, nil
}

// Aggregate counts matching documents per value of field. Array values
// count once per element; documents without the field are skipped.
func (s *Store) Aggregate(ctx context.Context, db, coll string, filter Filter, field string) (map[string]int, error) {
	docs, err := s.Find(ctx, db, coll, filter)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, doc := range docs {
		v, ok := Lookup(doc, field)
		if !ok || v == nil {
			continue
		}
		if arr, isArr := v.([]any); isArr {
			for _, e := range arr {
				counts[fmt.Sprint(e)]++
			}
			continue
		}
		counts[fmt.Sprint(v)]++
	}
	return counts, nil
}

// WriteOp is one step of a BulkWrite. Exactly one of Insert, Update or
// Delete is set.
type WriteOp struct {
	Insert any
	Filter Filter
	Update *Update
	Delete bool
	Many   bool
}

func InsertOp(v any) WriteOp {
	return WriteOp{Insert: v}
}

func UpdateOp(filter Filter, upd Update, many bool) WriteOp {
	return WriteOp{Filter: filter, Update: &upd, Many: many}
}

func DeleteOp(filter Filter, many bool) WriteOp {
	return WriteOp{Filter: filter, Delete: true, Many: many}
}

type BulkResult struct {
	Inserted []string
	Updated  int
	Deleted  int
}

// BulkWrite runs ops in order and stops at the first failure. The result
// reflects the operations applied before it.
func (s *Store) BulkWrite(ctx context.Context, db, coll string, ops []WriteOp, opts ...WriteOption) (BulkResult, error) {
	var res BulkResult
	for i, op := range ops {
		switch {
		case op.Insert != nil:
			id, err := s.Insert(ctx, db, coll, op.Insert, opts...)
			if err != nil {
				return res, fmt.Errorf("bulk op %d: %w", i, err)
			}
			res.Inserted = append(res.Inserted, id)
		case op.Update != nil:
			ids, err := s.update(ctx, db, coll, op.Filter, *op.Update, op.Many, opts)
			if err != nil {
				return res, fmt.Errorf("bulk op %d: %w", i, err)
			}
			res.Updated += len(ids)
		case op.Delete:
			ids, err := s.delete(ctx, db, coll, op.Filter, op.Many, opts)
			if err != nil {
				return res, fmt.Errorf("bulk op %d: %w", i, err)
			}
			res.Deleted += len(ids)
		default:
			return res, apperrors.NewValidationError("bulk op", i, "empty operation")
		}
	}
	return res, nil
}

// DropNamespace deletes every collection of db.
func (s *Store) DropNamespace(ctx context.Context, db string) error {
	if err := s.backend.Drop(ctx, db); err != nil {
		return fmt.Errorf("drop %s: %w", db, err)
	}
	if s.cache != nil {
		s.cache.DropNamespace(db)
	}
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) afterWrite(db, coll string, ids []string, action string, o writeOptions) {
	if s.cache != nil && Cacheable(coll) {
		s.cache.Invalidate(db, coll, ids)
	}
	if !o.notify || s.notifier == nil {
		return
	}
	for _, id := range ids {
		s.notifier.Notify(models.ChangeEvent{
			Engagement: db,
			Collection: coll,
			ID:         id,
			Action:     action,
			ParentID:   o.parent,
			Time:       s.now(),
		})
	}
}
