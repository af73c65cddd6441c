package dao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
)

// DocumentRow stores one document of one collection of one namespace.
type DocumentRow struct {
	Seq        uint64         `gorm:"primaryKey;autoIncrement"`
	Namespace  string         `gorm:"size:128;not null;uniqueIndex:idx_document_key,priority:1"`
	Collection string         `gorm:"size:64;not null;uniqueIndex:idx_document_key,priority:2"`
	DocID      string         `gorm:"size:64;not null;uniqueIndex:idx_document_key,priority:3"`
	Data       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (DocumentRow) TableName() string {
	return "documents"
}

// DocumentDAO is the postgres backend of the store: every collection lives
// in a single JSONB table and filters translate to containment queries.
type DocumentDAO struct {
	db *gorm.DB
}

func NewDocumentDAO(db *gorm.DB) *DocumentDAO {
	return &DocumentDAO{db: db}
}

// condition is one SQL predicate with its arguments.
type condition struct {
	SQL  string
	Args []interface{}
}

func pathLiteral(path string) string {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func jsonArg(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// buildConditions translates a normalized filter to JSONB predicates on the
// data column. Keys are sorted so the SQL is stable.
func buildConditions(f store.Filter) ([]condition, error) {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]condition, 0, len(keys))
	for _, path := range keys {
		c, err := buildCondition(pathLiteral(path), f[path])
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", path, err)
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func buildCondition(path string, want interface{}) (condition, error) {
	switch w := want.(type) {
	case nil:
		return condition{
			SQL:  "(data #> ?::text[] IS NULL OR data #> ?::text[] = 'null'::jsonb)",
			Args: []interface{}{path, path},
		}, nil
	case store.In:
		if len(w) == 0 {
			return condition{SQL: "FALSE"}, nil
		}
		if strs, ok := allStrings(w); ok {
			return condition{
				SQL: "(data #>> ?::text[] IN ? OR (jsonb_typeof(data #> ?::text[]) = 'array' AND " +
					"EXISTS (SELECT 1 FROM jsonb_array_elements_text(data #> ?::text[]) AS e(v) WHERE e.v IN ?)))",
				Args: []interface{}{path, strs, path, path, strs},
			}, nil
		}
		var parts []string
		var args []interface{}
		for _, e := range w {
			c, err := buildCondition(path, e)
			if err != nil {
				return condition{}, err
			}
			parts = append(parts, c.SQL)
			args = append(args, c.Args...)
		}
		return condition{SQL: "(" + strings.Join(parts, " OR ") + ")", Args: args}, nil
	case []interface{}:
		arr, err := jsonArg(w)
		if err != nil {
			return condition{}, err
		}
		return condition{SQL: "data #> ?::text[] @> ?::jsonb", Args: []interface{}{path, arr}}, nil
	default:
		val, err := jsonArg(w)
		if err != nil {
			return condition{}, err
		}
		wrapped, err := jsonArg([]interface{}{w})
		if err != nil {
			return condition{}, err
		}
		return condition{
			SQL:  "(data #> ?::text[] = ?::jsonb OR (jsonb_typeof(data #> ?::text[]) = 'array' AND data #> ?::text[] @> ?::jsonb))",
			Args: []interface{}{path, val, path, path, wrapped},
		}, nil
	}
}

func allStrings(in store.In) ([]string, bool) {
	out := make([]string, 0, len(in))
	for _, e := range in {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func (dao *DocumentDAO) scoped(ctx context.Context, tx *gorm.DB, ns, coll string, f store.Filter) (*gorm.DB, error) {
	conds, err := buildConditions(f)
	if err != nil {
		return nil, apperrors.NewValidationError("filter", f, err.Error())
	}
	q := tx.WithContext(ctx).Model(&DocumentRow{}).Where("namespace = ? AND collection = ?", ns, coll)
	for _, c := range conds {
		q = q.Where(c.SQL, c.Args...)
	}
	return q, nil
}

func decodeRow(row DocumentRow) (store.Document, error) {
	var doc store.Document
	if err := json.Unmarshal(row.Data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", row.Collection, row.DocID, err)
	}
	return doc, nil
}

func (dao *DocumentDAO) Find(ctx context.Context, ns, coll string, f store.Filter) ([]store.Document, error) {
	q, err := dao.scoped(ctx, dao.db, ns, coll, f)
	if err != nil {
		return nil, err
	}
	var rows []DocumentRow
	if err := q.Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	docs := make([]store.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (dao *DocumentDAO) Insert(ctx context.Context, ns, coll string, docs []store.Document) error {
	rows := make([]DocumentRow, 0, len(docs))
	for _, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		rows = append(rows, DocumentRow{
			Namespace:  ns,
			Collection: coll,
			DocID:      doc.ID(),
			Data:       datatypes.JSON(raw),
		})
	}
	if err := dao.db.WithContext(ctx).Create(&rows).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.NewConflictError(coll, "")
		}
		return err
	}
	return nil
}

func (dao *DocumentDAO) Update(ctx context.Context, ns, coll string, f store.Filter, upd store.Update, many bool) ([]string, error) {
	var ids []string
	err := dao.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q, err := dao.scoped(ctx, tx, ns, coll, f)
		if err != nil {
			return err
		}
		q = q.Clauses(clause.Locking{Strength: "UPDATE"}).Order("seq")
		if !many {
			q = q.Limit(1)
		}
		var rows []DocumentRow
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			doc, err := decodeRow(row)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(store.ApplyUpdate(doc, upd))
			if err != nil {
				return err
			}
			if err := tx.Model(&DocumentRow{}).Where("seq = ?", row.Seq).Update("data", datatypes.JSON(raw)).Error; err != nil {
				return err
			}
			ids = append(ids, row.DocID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (dao *DocumentDAO) Delete(ctx context.Context, ns, coll string, f store.Filter, many bool) ([]string, error) {
	var ids []string
	err := dao.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q, err := dao.scoped(ctx, tx, ns, coll, f)
		if err != nil {
			return err
		}
		q = q.Clauses(clause.Locking{Strength: "UPDATE"}).Order("seq")
		if !many {
			q = q.Limit(1)
		}
		var rows []DocumentRow
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		seqs := make([]uint64, 0, len(rows))
		for _, row := range rows {
			seqs = append(seqs, row.Seq)
			ids = append(ids, row.DocID)
		}
		return tx.Where("seq IN ?", seqs).Delete(&DocumentRow{}).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (dao *DocumentDAO) Count(ctx context.Context, ns, coll string, f store.Filter) (int64, error) {
	q, err := dao.scoped(ctx, dao.db, ns, coll, f)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (dao *DocumentDAO) Drop(ctx context.Context, ns string) error {
	return dao.db.WithContext(ctx).Where("namespace = ?", ns).Delete(&DocumentRow{}).Error
}

func (dao *DocumentDAO) Close() error {
	sqlDB, err := dao.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
