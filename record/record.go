package record

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// IdentityFields is the fallback chain used to derive a record's identity.
var IdentityFields = []string{"id", "sku", "code", "externalId", "external_id", "key", "slug", "uuid"}

// Record is a JSON object that remembers key insertion order.
// A Record is not safe for concurrent mutation; steps that fan out work
// clone records before handing them to adapters.
type Record struct {
	keys   []string
	values map[string]any
}

// New returns an empty record.
func New() *Record {
	return &Record{values: make(map[string]any)}
}

// Of builds a record from alternating key-value pairs.
//
//	record.Of("id", "p-1", "price", 50)
func Of(kvs ...any) *Record {
	r := New()
	for i := 0; i < len(kvs)-1; i += 2 {
		if key, ok := kvs[i].(string); ok {
			r.Set(key, kvs[i+1])
		}
	}
	return r
}

// FromMap builds a record from a map. Map iteration order is undefined, so
// keys are inserted in sorted order.
func FromMap(m map[string]any) *Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r := New()
	for _, k := range keys {
		r.Set(k, m[k])
	}
	return r
}

// Len returns the number of keys.
func (r *Record) Len() int { return len(r.keys) }

// Keys returns the keys in insertion order.
func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Set stores value under key. Existing keys keep their position.
func (r *Record) Set(key string, value any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Delete removes key.
func (r *Record) Delete(key string) {
	if _, exists := r.values[key]; !exists {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Lookup resolves a dotted path such as "pricing.net" or "variants.0.sku"
// through nested records, maps and arrays.
func (r *Record) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = r
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case *Record:
			v, ok := node.Get(part)
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Identity returns the first non-empty identity field, or "" when the
// record carries none.
func (r *Record) Identity() string {
	for _, f := range IdentityFields {
		v, ok := r.values[f]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s != "" {
			return s
		}
	}
	return ""
}

// ToMap returns a plain map copy. Nested records become maps too.
func (r *Record) ToMap() map[string]any {
	m := make(map[string]any, len(r.keys))
	for _, k := range r.keys {
		m[k] = plain(r.values[k])
	}
	return m
}

func plain(v any) any {
	switch t := v.(type) {
	case *Record:
		return t.ToMap()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	default:
		return v
	}
}

// Clone returns a deep copy. Nested records, maps and slices are copied;
// scalar values are shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		keys:   make([]string, len(r.keys)),
		values: make(map[string]any, len(r.values)),
	}
	copy(out.keys, r.keys)
	for k, v := range r.values {
		out.values[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case *Record:
		return t.Clone()
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = deepCopy(e)
		}
		return s
	default:
		return v
	}
}

// CloneAll deep-copies a batch.
func CloneAll(in []*Record) []*Record {
	out := make([]*Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
