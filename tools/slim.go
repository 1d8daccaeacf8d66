package tools

import (
	"fmt"
)

// Output slimming bounds. Long free-text fields are clipped tighter than
// generic strings; lists keep a bounded prefix with a truncation marker.
const (
	slimMaxDepth   = 3
	slimMaxItems   = 20
	slimMaxString  = 1800
	slimLongField  = 1800
	slimShortField = 1200
)

// Fields clipped to the short bound; markup-ish payloads earn the tighter
// limit.
var shortFields = map[string]struct{}{
	"html": {},
	"body": {},
}

var longFields = map[string]struct{}{
	"rawText": {},
	"content": {},
	"text":    {},
}

// Slim bounds a tool output for the model: maps deeper than three levels
// collapse, lists keep the first twenty entries with a `<truncated:n>`
// marker, and long strings are clipped.
func Slim(v any) any {
	return slimValue(v, 0, "")
}

func slimValue(v any, depth int, field string) any {
	switch t := v.(type) {
	case map[string]any:
		if depth >= slimMaxDepth {
			return fmt.Sprintf("<truncated:%d keys>", len(t))
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = slimValue(val, depth+1, k)
		}
		return out
	case []any:
		if depth >= slimMaxDepth {
			return fmt.Sprintf("<truncated:%d items>", len(t))
		}
		n := len(t)
		keep := n
		if keep > slimMaxItems {
			keep = slimMaxItems
		}
		out := make([]any, 0, keep+1)
		for i := 0; i < keep; i++ {
			out = append(out, slimValue(t[i], depth+1, field))
		}
		if n > keep {
			out = append(out, fmt.Sprintf("<truncated:%d>", n-keep))
		}
		return out
	case string:
		return clipField(t, field)
	default:
		return v
	}
}

func clipField(s, field string) string {
	limit := slimMaxString
	if _, ok := shortFields[field]; ok {
		limit = slimShortField
	} else if _, ok := longFields[field]; ok {
		limit = slimLongField
	}
	if len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("<truncated:%d>", len(s)-limit)
}
