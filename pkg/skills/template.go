package skills

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var exprPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Interpolate resolves {{path.to.value}} expressions in value against scope.
// A string that is exactly one expression is replaced by the resolved value
// with its type preserved; expressions spliced into larger strings are
// stringified. Maps and slices are walked recursively. Unresolved paths
// become nil for whole-string expressions and "" inline.
func Interpolate(value any, scope map[string]any) any {
	switch v := value.(type) {
	case string:
		return interpolateString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = Interpolate(inner, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = Interpolate(inner, scope)
		}
		return out
	default:
		return v
	}
}

func interpolateString(s string, scope map[string]any) any {
	matches := exprPattern.FindStringSubmatch(s)
	if matches != nil && exprPattern.FindString(s) == s {
		resolved, _ := ResolvePath(scope, matches[1])
		return resolved
	}
	return exprPattern.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		resolved, ok := ResolvePath(scope, path)
		if !ok || resolved == nil {
			return ""
		}
		return Stringify(resolved)
	})
}

// ResolvePath walks a dot-separated path through nested maps and slices.
func ResolvePath(scope map[string]any, path string) (any, bool) {
	var current any = scope
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a resolved value for inline splicing.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// isFalsy implements step condition semantics: false, "false", "0", nil,
// and unresolved values skip the step.
func isFalsy(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case bool:
		return !val
	case string:
		return val == "false" || val == "0" || val == ""
	default:
		return false
	}
}
