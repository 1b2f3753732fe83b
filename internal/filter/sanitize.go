package filter

import "strings"

// Redact returns a copy of props with every configured field replaced,
// at any depth inside nested maps and slices. Field names compare
// case-insensitively. props itself is never modified.
func (r *Rules) Redact(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	if r == nil || len(r.fields) == 0 {
		return cloneMap(props)
	}
	return sanitizeMap(props, r.fields, r.replacement)
}

func toLowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, v := range items {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func sanitizeMap(in map[string]any, set map[string]struct{}, replacement string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, ok := set[strings.ToLower(k)]; ok {
			out[k] = replacement
			continue
		}
		out[k] = sanitizeValue(v, set, replacement)
	}
	return out
}

func sanitizeValue(v any, set map[string]struct{}, replacement string) any {
	switch val := v.(type) {
	case map[string]any:
		return sanitizeMap(val, set, replacement)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = sanitizeValue(val[i], set, replacement)
		}
		return out
	default:
		return val
	}
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
