// Package payload holds lenient accessors for loosely typed JSON published by
// upstream surveillance APIs, where counts arrive as numbers, numeric strings
// or null depending on the source and year.
package payload

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Int converts a decoded JSON value to a non-negative integer count. The
// second result is false for null, empty, negative or non-numeric values.
func Int(v any) (int, bool) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	return int(f), true
}

// Positive returns the count for key when it is greater than zero.
func Positive(entry map[string]any, key string) (int, bool) {
	n, ok := Int(entry[key])
	return n, ok && n > 0
}

// String returns a trimmed string for string or numeric values.
func String(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

// First returns the first non-empty value among keys.
func First(entry map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := entry[k]; ok && v != nil && String(v) != "0" && String(v) != "" {
			return v
		}
	}
	return nil
}
