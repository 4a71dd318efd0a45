package config

import (
	"fmt"
	"os"
	"regexp"
)

// envRefRe matches ${NAME} references inside config string values.
var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandString resolves ${NAME} references against the environment.
// An unset variable is an error naming the variable.
func ExpandString(s string) (string, error) {
	var missing string
	out := envRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRefRe.FindStringSubmatch(ref)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return ref
		}
		return val
	})
	if missing != "" {
		return "", fmt.Errorf("environment variable %s is not set", missing)
	}
	return out, nil
}

// ExpandMap resolves ${NAME} references in every string value of a config
// map, descending into nested maps and slices. The input is not mutated.
func ExpandMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		expanded, err := expandValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = expanded
	}
	return out, nil
}

func expandValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return ExpandString(t)
	case map[string]any:
		return ExpandMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			expanded, err := expandValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}
