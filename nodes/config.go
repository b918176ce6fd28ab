package nodes

import (
	"encoding/json"
	"strings"
	"time"
)

// Keys accepted for the output variable name, in lookup order.
var variableNameKeys = []string{"variableName", "variablesName", "variables"}

func configString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

// configVariableName returns the first non-empty output variable name in m,
// or fallback.
func configVariableName(m map[string]any, fallback string) string {
	for _, key := range variableNameKeys {
		if v := configString(m, key); v != "" {
			return v
		}
	}
	return fallback
}

func configStringMap(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func configDuration(m map[string]any, key string) time.Duration {
	switch v := m[key].(type) {
	case string:
		d, _ := time.ParseDuration(v)
		return d
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}

func configFloat(m map[string]any, key string) *float64 {
	f, ok := toFloat64(m[key])
	if !ok {
		return nil
	}
	return &f
}

func configInt(m map[string]any, key string) *int {
	f, ok := toFloat64(m[key])
	if !ok || f <= 0 {
		return nil
	}
	n := int(f)
	return &n
}

// toFloat64 attempts to convert a value to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toMap converts a value to map[string]any if possible.
func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok && m != nil
}

// contextValue returns the value stored under key, or an empty object when
// the key is absent or nil.
func contextValue(get func(string) (any, bool), key string) any {
	v, ok := get(key)
	if !ok || v == nil {
		return map[string]any{}
	}
	return v
}
