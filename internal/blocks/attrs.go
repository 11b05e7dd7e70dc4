package blocks

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return def
		}
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// toList normalizes a list attribute into a slice of string maps, keeping
// only the listed keys.
func toList(v any, keys ...string) []any {
	var raw []any
	switch t := v.(type) {
	case []any:
		raw = t
	case []map[string]any:
		for _, item := range t {
			raw = append(raw, item)
		}
	case []map[string]string:
		for _, item := range t {
			m := make(map[string]any, len(item))
			for k, val := range item {
				m[k] = val
			}
			raw = append(raw, m)
		}
	}

	out := make([]any, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := make(map[string]any, len(keys))
		for _, k := range keys {
			entry[k] = toString(m[k])
		}
		out = append(out, entry)
	}
	return out
}

func listItems(v any) []map[string]any {
	items := make([]map[string]any, 0)
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				items = append(items, m)
			}
		}
	}
	return items
}

// safeURL drops URLs with schemes a browser would execute.
func safeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "#"
	}
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https", "mailto", "tel":
		return raw
	default:
		return "#"
	}
}
