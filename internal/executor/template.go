// Package executor implements the Executor (C9): sequential plan
// execution with parameter template resolution, iteration fan-out,
// smart retry, progress emission, and short-circuit on failure.
package executor

import (
	"strconv"
	"strings"
)

// resolveValue substitutes a single template reference of the form
// "{{results[j].p.q[k].r}}" or "{{_currentItem.field}}" against prior step
// results and (when inside an iteration) the current item. Non-template
// strings and non-string values pass through unchanged.
func resolveValue(v any, results []any, currentItem any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return v
	}

	path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	return resolvePath(path, results, currentItem)
}

// resolvePath navigates a dot+bracket path against either results[j] or
// _currentItem, returning nil on any missing intermediate key.
func resolvePath(path string, results []any, currentItem any) any {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil
	}

	var cursor any
	rest := segments

	switch {
	case segments[0] == "_currentItem":
		cursor = currentItem
		rest = segments[1:]
	case strings.HasPrefix(segments[0], "results"):
		idx, ok := resultsIndex(segments[0])
		if !ok || idx < 0 || idx >= len(results) {
			return nil
		}
		cursor = results[idx]
		rest = segments[1:]
	default:
		return nil
	}

	for _, seg := range rest {
		cursor = navigate(cursor, seg)
		if cursor == nil {
			return nil
		}
	}
	return cursor
}

// splitPath tokenizes "results[0].attendees[2].email" into
// ["results[0]", "attendees[2]", "email"].
func splitPath(path string) []string {
	var segments []string
	for _, part := range strings.Split(path, ".") {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

func resultsIndex(segment string) (int, bool) {
	open := strings.IndexByte(segment, '[')
	shut := strings.IndexByte(segment, ']')
	if open == -1 || shut == -1 || shut < open {
		return 0, false
	}
	idx, err := strconv.Atoi(segment[open+1 : shut])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// navigate applies one path segment (a bare field name, or "field[idx]")
// against cursor, which may be a map[string]any or a []any.
func navigate(cursor any, segment string) any {
	field := segment
	var index *int

	if open := strings.IndexByte(segment, '['); open != -1 {
		closeIdx := strings.IndexByte(segment, ']')
		if closeIdx > open {
			field = segment[:open]
			if i, err := strconv.Atoi(segment[open+1 : closeIdx]); err == nil {
				index = &i
			}
		}
	}

	if field != "" {
		m, ok := cursor.(map[string]any)
		if !ok {
			return nil
		}
		cursor = m[field]
	}

	if index != nil {
		arr, ok := cursor.([]any)
		if !ok || *index < 0 || *index >= len(arr) {
			return nil
		}
		cursor = arr[*index]
	}

	return cursor
}

// resolveParams walks params and resolves every string value, leaving
// non-string values and nested structures untouched (the spec only
// describes template substitution for scalar string params).
func resolveParams(params map[string]any, results []any, currentItem any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, results, currentItem)
	}
	return out
}

// mergeIterationParams builds effective per-item params: base_params take
// priority over item fields, then the list-then-mutate id->eventId alias
// is applied when the item carries "id" and the effective params have no
// "eventId".
func mergeIterationParams(base map[string]any, item any) map[string]any {
	merged := make(map[string]any, len(base))

	if obj, ok := item.(map[string]any); ok {
		for k, v := range obj {
			merged[k] = v
		}
	}
	for k, v := range base {
		merged[k] = v
	}

	if _, hasEventID := merged["eventId"]; !hasEventID {
		if obj, ok := item.(map[string]any); ok {
			if id, ok := obj["id"]; ok {
				merged["eventId"] = id
			}
		}
	}

	return merged
}
