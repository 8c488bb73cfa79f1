// Package introspect exposes Go values to scripts as plain property bags.
//
// For each type it computes, once, the set of getter-shaped methods (exported, no
// arguments, named GetXxx, returning a value and optionally an error) plus exported
// struct fields, and caches the accessors by type identity.
package introspect

import (
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Accessor reads one property from a value of the inspected type.
type Accessor struct {
	Name   string
	method int   // method index, or -1
	field  []int // field index path when method < 0
}

var (
	errorType   = reflect.TypeFor[error]()
	reflectType = reflect.TypeFor[reflect.Type]()
)

// Get reads the property. A getter returning a non-nil error yields that error.
// A nil pointer has no properties; every accessor reads nil from it.
func (a Accessor) Get(v reflect.Value) (any, error) {
	if a.method >= 0 {
		if !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
			return nil, nil
		}
		out := v.Method(a.method).Call(nil)
		if len(out) == 2 && !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		return out[0].Interface(), nil
	}
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	f, err := v.FieldByIndexErr(a.field)
	if err != nil {
		return nil, nil
	}
	return f.Interface(), nil
}

// Cache maps types to their accessor tables. It only grows.
type Cache struct {
	types sync.Map // reflect.Type -> map[string]Accessor
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{}
}

// Inspect returns the property accessors for t. The returned map must not be modified.
func (c *Cache) Inspect(t reflect.Type) map[string]Accessor {
	if existing, ok := c.types.Load(t); ok {
		return existing.(map[string]Accessor)
	}
	// Concurrent first lookups compute equal tables; whichever lands first is kept.
	actual, _ := c.types.LoadOrStore(t, inspect(t))
	return actual.(map[string]Accessor)
}

// Len reports how many types have been inspected.
func (c *Cache) Len() int {
	n := 0
	c.types.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Properties evaluates every accessor of v's type. Getter errors are reported as the
// first error; remaining properties are still filled in.
func (c *Cache) Properties(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	props := make(map[string]any)
	var firstErr error
	for name, acc := range c.Inspect(rv.Type()) {
		val, err := acc.Get(rv)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		props[name] = val
	}
	return props, firstErr
}

func inspect(t reflect.Type) map[string]Accessor {
	props := make(map[string]Accessor)

	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base.Kind() == reflect.Struct {
		for _, f := range reflect.VisibleFields(base) {
			if !f.IsExported() || f.Anonymous {
				continue
			}
			name := fieldName(f)
			if name == "" {
				continue
			}
			props[name] = Accessor{Name: name, method: -1, field: f.Index}
		}
	}

	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		name, ok := getterName(m)
		if !ok {
			continue
		}
		props[name] = Accessor{Name: name, method: i}
	}
	return props
}

// getterName reports the property name for a getter-shaped method.
func getterName(m reflect.Method) (string, bool) {
	if !m.IsExported() || !strings.HasPrefix(m.Name, "Get") || len(m.Name) <= 3 {
		return "", false
	}
	mt := m.Type
	// Method types from reflect.Type include the receiver; interface methods do not.
	in := mt.NumIn()
	if m.Func.IsValid() {
		in--
	}
	if in != 0 || mt.IsVariadic() {
		return "", false
	}
	switch mt.NumOut() {
	case 1:
	case 2:
		if mt.Out(1) != errorType {
			return "", false
		}
	default:
		return "", false
	}
	if mt.Out(0) == reflectType {
		return "", false
	}
	return lowerFirst(m.Name[3:]), true
}

func fieldName(f reflect.StructField) string {
	if tag, ok := f.Tag.Lookup("json"); ok {
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	return lowerFirst(f.Name)
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
