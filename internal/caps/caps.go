// Package caps provides typed access to the nested capability maps
// exchanged in hello packets. Lookups accept both the nested form and
// the legacy dotted-flat form; emission always uses the nested form.
package caps

import (
	"fmt"
	"strconv"
	"strings"
)

type Dict map[string]any

// New converts a decoded packet element into a Dict.
func New(v any) Dict {
	if m, ok := v.(map[string]any); ok {
		return Dict(m)
	}
	return Dict{}
}

// lookup resolves key in the dict, trying the exact (flat dotted) key,
// then a nested "a.b.c" path.
func (d Dict) lookup(key string) (any, bool) {
	if v, ok := d[key]; ok {
		return v, true
	}
	if i := strings.IndexByte(key, '.'); i > 0 {
		if sub, ok := d[key[:i]].(map[string]any); ok {
			return Dict(sub).lookup(key[i+1:])
		}
	}
	return nil, false
}

func (d Dict) Has(key string) bool {
	_, ok := d.lookup(key)
	return ok
}

// StrGet returns the string value for key, converting byte strings.
func (d Dict) StrGet(key, def string) string {
	v, ok := d.lookup(key)
	if !ok {
		return def
	}
	return toString(v, def)
}

func (d Dict) BytesGet(key string) []byte {
	v, ok := d.lookup(key)
	if !ok {
		return nil
	}
	switch x := v.(type) {
	case []byte:
		return x
	case string:
		return []byte(x)
	}
	return nil
}

func (d Dict) IntGet(key string, def int64) int64 {
	v, ok := d.lookup(key)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case uint64:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func (d Dict) BoolGet(key string, def bool) bool {
	v, ok := d.lookup(key)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case int:
		return x != 0
	case uint64:
		return x != 0
	case string:
		if b, err := strconv.ParseBool(x); err == nil {
			return b
		}
	}
	return def
}

// StrTupleGet returns a list-of-strings capability.
func (d Dict) StrTupleGet(key string) []string {
	v, ok := d.lookup(key)
	if !ok {
		return nil
	}
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, toString(e, ""))
		}
		return out
	case []string:
		return x
	case string:
		return []string{x}
	case []byte:
		return []string{string(x)}
	}
	return nil
}

// IntTupleGet returns a list-of-integers capability (version tuples).
func (d Dict) IntTupleGet(key string) []int64 {
	v, ok := d.lookup(key)
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(list))
	for _, e := range list {
		switch n := e.(type) {
		case int64:
			out = append(out, n)
		case int:
			out = append(out, int64(n))
		case uint64:
			out = append(out, int64(n))
		}
	}
	return out
}

// DictGet returns a nested capability namespace. The legacy flat form
// is reconstructed by collecting "prefix.x" keys.
func (d Dict) DictGet(key string) Dict {
	if v, ok := d.lookup(key); ok {
		if m, ok := v.(map[string]any); ok {
			return Dict(m)
		}
	}
	prefix := key + "."
	out := Dict{}
	for k, v := range d {
		if strings.HasPrefix(k, prefix) {
			out[k[len(prefix):]] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AliasesGet decodes an "aliases" capability: name -> small integer.
func (d Dict) AliasesGet(key string) map[string]int {
	v, ok := d.lookup(key)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int, len(m))
	for name, raw := range m {
		var n int64
		switch x := raw.(type) {
		case int64:
			n = x
		case int:
			n = int64(x)
		case uint64:
			n = int64(x)
		default:
			continue
		}
		if n > 0 {
			out[name] = int(n)
		}
	}
	return out
}

func toString(v any, def string) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return def
}

// Flatten converts a nested dict into the dotted-flat legacy form.
func Flatten(prefix string, d map[string]any) map[string]any {
	out := make(map[string]any, len(d))
	flattenInto(out, prefix, d)
	return out
}

func flattenInto(out map[string]any, prefix string, d map[string]any) {
	for k, v := range d {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flattenInto(out, key, sub)
			continue
		}
		out[key] = v
	}
}

// VersionString formats a version tuple.
func VersionString(v []int64) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.FormatInt(n, 10)
	}
	return strings.Join(parts, ".")
}

// ParseVersion parses "a.b.c.d" into a tuple of 1 to 4 integers.
func ParseVersion(s string) ([]int64, error) {
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return nil, fmt.Errorf("invalid version %q", s)
	}
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid version %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// VersionTuple boxes a version for packet encoding.
func VersionTuple(v []int64) []any {
	out := make([]any, len(v))
	for i, n := range v {
		out[i] = n
	}
	return out
}
