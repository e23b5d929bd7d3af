// Package lookup resolves dotted key chains such as "a.b.0.c" against nested
// maps and slices, as produced by decoding JSON into an `any`.
package lookup

import (
	"reflect"
	"strconv"
	"strings"
)

// Get returns the value at path inside root, or def when any segment fails to
// resolve. A present zero value (0, "", false) is returned as-is; only an
// absent key, an out-of-range index, a type mismatch or an explicit nil
// yields def. Get never panics.
func Get(root any, path string, def any) any {
	v, ok := Lookup(root, path)
	if !ok {
		return def
	}
	return v
}

// Lookup is like Get but reports whether the path resolved to a non-nil value.
// An empty path resolves to root itself.
func Lookup(root any, path string) (any, bool) {
	cur := root
	if path != "" {
		for _, seg := range strings.Split(path, ".") {
			next, ok := step(cur, seg)
			if !ok {
				return nil, false
			}
			cur = next
		}
	}
	if isNil(cur) {
		return nil, false
	}
	return cur, true
}

// String resolves path and returns it as a string, or def when absent or of
// another type.
func String(root any, path, def string) string {
	if s, ok := Get(root, path, nil).(string); ok {
		return s
	}
	return def
}

// Float resolves path and returns a numeric value as float64, or def.
func Float(root any, path string, def float64) float64 {
	switch n := Get(root, path, nil).(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return def
}

// step descends one segment into node.
func step(node any, seg string) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[seg]
		return v, ok
	case []any:
		i, ok := index(seg, len(n))
		if !ok {
			return nil, false
		}
		return n[i], true
	case []map[string]any:
		i, ok := index(seg, len(n))
		if !ok {
			return nil, false
		}
		return n[i], true
	case nil:
		return nil, false
	}

	// Typed containers (map[string]T, []T) built outside encoding/json.
	rv := reflect.ValueOf(node)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		i, ok := index(seg, rv.Len())
		if !ok {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

// index parses seg as a non-negative decimal index below n.
func index(seg string, n int) (int, bool) {
	if seg == "" {
		return 0, false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	i, err := strconv.Atoi(seg)
	if err != nil || i >= n {
		return 0, false
	}
	return i, true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
