package store

import (
	"encoding/json"
	"fmt"
)

// Document is a stored record. Values are JSON shaped: numbers are float64,
// times are RFC 3339 strings, nested objects are map[string]any.
type Document map[string]any

// ID returns the document identifier or "".
func (d Document) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// Filter selects documents by dotted field path. A scalar value matches an
// equal field or an array field containing it, a slice value matches an
// array field containing every element, In matches any of its values and
// nil matches a missing or null field.
type Filter map[string]any

// In is a filter value matching any of its elements.
type In []any

// InStrings builds an In from string values.
func InStrings(values []string) In {
	in := make(In, len(values))
	for i, v := range values {
		in[i] = v
	}
	return in
}

// ByID selects a single document by identifier.
func ByID(id string) Filter {
	return Filter{"_id": id}
}

// Update describes field modifications applied to every matched document.
type Update struct {
	Set      map[string]any
	Unset    []string
	Push     map[string]any
	Pull     map[string]any
	AddToSet map[string]any
}

// SetFields is shorthand for an update that only sets fields.
func SetFields(fields map[string]any) Update {
	return Update{Set: fields}
}

func (u Update) IsZero() bool {
	return len(u.Set) == 0 && len(u.Unset) == 0 && len(u.Push) == 0 && len(u.Pull) == 0 && len(u.AddToSet) == 0
}

// Normalize converts v (a struct, a map or a Document) into a Document by a
// JSON round trip so every backend stores the same value shapes.
func Normalize(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

func normalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeFilter(f Filter) (Filter, error) {
	out := make(Filter, len(f))
	for path, v := range f {
		if in, ok := v.(In); ok {
			norm := make(In, 0, len(in))
			for _, e := range in {
				n, err := normalizeValue(e)
				if err != nil {
					return nil, fmt.Errorf("filter %s: %w", path, err)
				}
				norm = append(norm, n)
			}
			out[path] = norm
			continue
		}
		n, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", path, err)
		}
		out[path] = n
	}
	return out, nil
}

func normalizeFields(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for path, v := range m {
		if in, ok := v.(In); ok {
			norm := make(In, 0, len(in))
			for _, e := range in {
				n, err := normalizeValue(e)
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", path, err)
				}
				norm = append(norm, n)
			}
			out[path] = norm
			continue
		}
		n, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", path, err)
		}
		out[path] = n
	}
	return out, nil
}

func normalizeUpdate(u Update) (Update, error) {
	var (
		out Update
		err error
	)
	if out.Set, err = normalizeFields(u.Set); err != nil {
		return Update{}, err
	}
	if out.Push, err = normalizeFields(u.Push); err != nil {
		return Update{}, err
	}
	if out.Pull, err = normalizeFields(u.Pull); err != nil {
		return Update{}, err
	}
	if out.AddToSet, err = normalizeFields(u.AddToSet); err != nil {
		return Update{}, err
	}
	out.Unset = append(out.Unset, u.Unset...)
	return out, nil
}

// Decode fills out from doc.
func Decode(doc Document, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document %s: %w", doc.ID(), err)
	}
	return nil
}

// DecodeAll decodes every document into a T.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := Decode(doc, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return map[string]any(t.Clone())
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Clone deep-copies the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}
