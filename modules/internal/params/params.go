// Package params provides loose-typed access to module call arguments,
// which arrive as map[string]any from JSON bodies or YAML org configs.
package params

// String returns the string under key, or "" when absent or mistyped.
func String(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// Bool returns the bool under key, or false when absent or mistyped.
func Bool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// Uint64 returns the numeric value under key. JSON decoding yields float64
// and YAML yields int, so both are accepted; negatives collapse to zero.
func Uint64(args map[string]any, key string) uint64 {
	switch n := args[key].(type) {
	case uint64:
		return n
	case int:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case float64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	default:
		return 0
	}
}

// Strings returns the string slice under key, accepting both []string and
// the []any form produced by JSON decoding.
func Strings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
