package dao

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pollenisator/internal/store"
	apperrors "pollenisator/pkg/errors"
)

// MongoDAO is the native document backend: one database per namespace,
// one mongo collection per store collection.
type MongoDAO struct {
	client *mongo.Client
}

func NewMongoDAO(client *mongo.Client) *MongoDAO {
	return &MongoDAO{client: client}
}

func (dao *MongoDAO) collection(ns, coll string) *mongo.Collection {
	return dao.client.Database(ns).Collection(coll)
}

// toBSONFilter maps store filter semantics onto mongo query operators.
func toBSONFilter(f store.Filter) bson.M {
	out := bson.M{}
	for path, want := range f {
		switch w := want.(type) {
		case store.In:
			out[path] = bson.M{"$in": bson.A(w)}
		case []interface{}:
			out[path] = bson.M{"$all": bson.A(w)}
		default:
			out[path] = w
		}
	}
	return out
}

func toBSONUpdate(u store.Update) bson.M {
	out := bson.M{}
	if len(u.Set) > 0 {
		out["$set"] = bson.M(u.Set)
	}
	if len(u.Unset) > 0 {
		unset := bson.M{}
		for _, path := range u.Unset {
			unset[path] = ""
		}
		out["$unset"] = unset
	}
	if len(u.Push) > 0 {
		out["$push"] = bson.M(u.Push)
	}
	if len(u.AddToSet) > 0 {
		out["$addToSet"] = bson.M(u.AddToSet)
	}
	if len(u.Pull) > 0 {
		pull := bson.M{}
		for path, cond := range u.Pull {
			if in, ok := cond.(store.In); ok {
				pull[path] = bson.M{"$in": bson.A(in)}
				continue
			}
			pull[path] = cond
		}
		out["$pull"] = pull
	}
	return out
}

// plainValue converts decoded BSON into the JSON shapes the store uses.
func plainValue(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = plainValue(e)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = plainValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	case primitive.ObjectID:
		return t.Hex()
	default:
		return v
	}
}

func toDocument(m bson.M) store.Document {
	doc := make(store.Document, len(m))
	for k, v := range m {
		doc[k] = plainValue(v)
	}
	return doc
}

func (dao *MongoDAO) Find(ctx context.Context, ns, coll string, f store.Filter) ([]store.Document, error) {
	cur, err := dao.collection(ns, coll).Find(ctx, toBSONFilter(f))
	if err != nil {
		return nil, err
	}
	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, err
	}
	docs := make([]store.Document, 0, len(raw))
	for _, m := range raw {
		docs = append(docs, toDocument(m))
	}
	return docs, nil
}

func (dao *MongoDAO) Insert(ctx context.Context, ns, coll string, docs []store.Document) error {
	values := make([]interface{}, 0, len(docs))
	for _, doc := range docs {
		values = append(values, bson.M(doc))
	}
	if _, err := dao.collection(ns, coll).InsertMany(ctx, values); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperrors.NewConflictError(coll, "")
		}
		return err
	}
	return nil
}

// matchingIDs returns the ids of the first or every matching document.
func (dao *MongoDAO) matchingIDs(ctx context.Context, ns, coll string, f store.Filter, many bool) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	if !many {
		opts.SetLimit(1)
	}
	cur, err := dao.collection(ns, coll).Find(ctx, toBSONFilter(f), opts)
	if err != nil {
		return nil, err
	}
	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(raw))
	for _, m := range raw {
		if id, ok := plainValue(m["_id"]).(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func idsFilter(ids []string) bson.M {
	a := make(bson.A, len(ids))
	for i, id := range ids {
		a[i] = id
	}
	return bson.M{"_id": bson.M{"$in": a}}
}

func (dao *MongoDAO) Update(ctx context.Context, ns, coll string, f store.Filter, upd store.Update, many bool) ([]string, error) {
	ids, err := dao.matchingIDs(ctx, ns, coll, f, many)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if _, err := dao.collection(ns, coll).UpdateMany(ctx, idsFilter(ids), toBSONUpdate(upd)); err != nil {
		return nil, err
	}
	return ids, nil
}

func (dao *MongoDAO) Delete(ctx context.Context, ns, coll string, f store.Filter, many bool) ([]string, error) {
	ids, err := dao.matchingIDs(ctx, ns, coll, f, many)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if _, err := dao.collection(ns, coll).DeleteMany(ctx, idsFilter(ids)); err != nil {
		return nil, err
	}
	return ids, nil
}

func (dao *MongoDAO) Count(ctx context.Context, ns, coll string, f store.Filter) (int64, error) {
	return dao.collection(ns, coll).CountDocuments(ctx, toBSONFilter(f))
}

func (dao *MongoDAO) Drop(ctx context.Context, ns string) error {
	return dao.client.Database(ns).Drop(ctx)
}

func (dao *MongoDAO) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return dao.client.Disconnect(ctx)
}
