// Copyright 2024-2026 Aiku AI

package readiness

import (
	"reflect"
	"strings"
)

// Snapshotter is implemented by roots that build a fresh view of their state
// on demand. The waiter calls Snapshot on every poll tick.
type Snapshotter interface {
	Snapshot() map[string]any
}

// resolveRoot returns the current value of root. Function and Snapshotter
// roots are re-evaluated so a root that was rebuilt since the last tick is
// observed fresh.
func resolveRoot(root any) any {
	switch r := root.(type) {
	case func() any:
		if r == nil {
			return nil
		}
		return r()
	case Snapshotter:
		return r.Snapshot()
	default:
		return root
	}
}

// Lookup walks the dot-separated path off root and returns the value found
// there. The second return value is false when any segment is absent.
//
// Maps are indexed by string key. Structs are indexed by json tag name, then
// by field name, both case-insensitively. Pointers and interfaces are
// followed. Missing keys, nil references and zero-valued struct fields count
// as absent.
func Lookup(root any, path string) (any, bool) {
	cur := reflect.ValueOf(resolveRoot(root))
	if !present(cur) {
		return nil, false
	}
	if path == "" {
		return cur.Interface(), true
	}
	for _, key := range strings.Split(path, ".") {
		next, ok := child(cur, key)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur.Interface(), true
}

func present(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return !v.IsNil()
	}
	return true
}

func deref(v reflect.Value) (reflect.Value, bool) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	return v, v.IsValid()
}

func child(v reflect.Value, key string) (reflect.Value, bool) {
	v, ok := deref(v)
	if !ok || key == "" {
		return reflect.Value{}, false
	}
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, false
		}
		val := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
		if !present(val) {
			return reflect.Value{}, false
		}
		// Unwrap interface values so map[string]any entries holding a nil
		// pointer count as absent too.
		if val.Kind() == reflect.Interface && !present(val.Elem()) {
			return reflect.Value{}, false
		}
		return val, true
	case reflect.Struct:
		field, ok := structField(v, key)
		if !ok || !field.CanInterface() || field.IsZero() {
			return reflect.Value{}, false
		}
		return field, true
	default:
		return reflect.Value{}, false
	}
}

func structField(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	byName := -1
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag != "" && tag != "-" && strings.EqualFold(tag, key) {
			return v.Field(i), true
		}
		if byName < 0 && strings.EqualFold(f.Name, key) {
			byName = i
		}
	}
	if byName < 0 {
		return reflect.Value{}, false
	}
	return v.Field(byName), true
}
