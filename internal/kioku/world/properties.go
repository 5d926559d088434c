package world

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Properties is the open, string-keyed attribute bag of a location or object.
// Values are JSON-compatible scalars, lists or maps.
type Properties map[string]any

// Clone returns a shallow copy of p. A nil bag clones to an empty one.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a new bag holding p overlaid with updates. Keys present in
// updates win; keys absent from updates are kept. Nothing is ever deleted.
func (p Properties) Merge(updates Properties) Properties {
	out := p.Clone()
	for k, v := range updates {
		out[k] = v
	}
	return out
}

// Keys returns the property names in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Number returns the numeric value stored under key. Integers, floats,
// json.Number and numeric strings are accepted.
func (p Properties) Number(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Text renders the value under key for display. Missing keys render empty.
func (p Properties) Text(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return fmt.Sprint(t)
	}
}
