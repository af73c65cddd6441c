package store

import (
	"reflect"
	"strings"
)

// Match reports whether doc satisfies every condition of f. Both are
// expected in normalized form.
func Match(doc Document, f Filter) bool {
	for path, want := range f {
		got, present := Lookup(doc, path)
		if !matchValue(got, present, want) {
			return false
		}
	}
	return true
}

func matchValue(got any, present bool, want any) bool {
	switch w := want.(type) {
	case nil:
		return !present || got == nil
	case In:
		for _, cand := range w {
			if matchValue(got, present, cand) {
				return true
			}
		}
		return false
	case []any:
		arr, ok := got.([]any)
		if !present || !ok {
			return false
		}
		for _, e := range w {
			if !containsEqual(arr, e) {
				return false
			}
		}
		return true
	default:
		if !present {
			return false
		}
		if reflect.DeepEqual(got, w) {
			return true
		}
		if arr, ok := got.([]any); ok {
			return containsEqual(arr, w)
		}
		return false
	}
}

func containsEqual(arr []any, v any) bool {
	for _, e := range arr {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	}
	return nil, false
}

// Lookup resolves a dotted path inside doc.
func Lookup(doc Document, path string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// parentOf walks to the map holding the last segment of path, creating
// intermediate maps when create is set.
func parentOf(doc Document, path string, create bool) (map[string]any, string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			if !create {
				return nil, ""
			}
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	return cur, parts[len(parts)-1]
}

// ApplyUpdate returns a copy of doc with u applied. The identifier is never
// modified.
func ApplyUpdate(doc Document, u Update) Document {
	out := doc.Clone()
	id, hasID := out["_id"]

	for path, v := range u.Set {
		parent, key := parentOf(out, path, true)
		parent[key] = cloneValue(v)
	}
	for _, path := range u.Unset {
		if parent, key := parentOf(out, path, false); parent != nil {
			delete(parent, key)
		}
	}
	for path, v := range u.Push {
		parent, key := parentOf(out, path, true)
		arr, _ := parent[key].([]any)
		parent[key] = append(arr, cloneValue(v))
	}
	for path, v := range u.AddToSet {
		parent, key := parentOf(out, path, true)
		arr, _ := parent[key].([]any)
		if !containsEqual(arr, v) {
			arr = append(arr, cloneValue(v))
		}
		parent[key] = arr
	}
	for path, v := range u.Pull {
		parent, key := parentOf(out, path, false)
		if parent == nil {
			continue
		}
		arr, ok := parent[key].([]any)
		if !ok {
			continue
		}
		kept := make([]any, 0, len(arr))
		for _, e := range arr {
			if !pullMatches(e, v) {
				kept = append(kept, e)
			}
		}
		parent[key] = kept
	}

	if hasID {
		out["_id"] = id
	}
	return out
}

// pullMatches treats a map condition as a sub-filter on map elements.
func pullMatches(elem, cond any) bool {
	if in, ok := cond.(In); ok {
		for _, c := range in {
			if pullMatches(elem, c) {
				return true
			}
		}
		return false
	}
	if cm, ok := asMap(cond); ok {
		if em, ok := asMap(elem); ok {
			return Match(Document(em), Filter(cm))
		}
		return false
	}
	return reflect.DeepEqual(elem, cond)
}
