package store

import "context"

// Get decodes the first document matching filter.
func Get[T any](ctx context.Context, s *Store, db, coll string, filter Filter) (*T, error) {
	doc, err := s.FindOne(ctx, db, coll, filter)
	if err != nil {
		return nil, err
	}
	var v T
	if err := Decode(doc, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// FindAll decodes every document matching filter.
func FindAll[T any](ctx context.Context, s *Store, db, coll string, filter Filter) ([]T, error) {
	docs, err := s.Find(ctx, db, coll, filter)
	if err != nil {
		return nil, err
	}
	return DecodeAll[T](docs)
}
