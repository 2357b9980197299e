package apitools

import "strings"

// defaultSensitiveKeys are always redacted, in addition to any
// user-configured list.
var defaultSensitiveKeys = []string{
	"password",
	"token",
	"apikey",
	"api_key",
	"authorization",
	"secret",
	"credential",
}

const redactMask = "***"

// Redact deep-copies v, masking every value whose key matches a sensitive
// key at any depth, arrays included. Long values keep their last four
// characters so operators can still correlate credentials.
func Redact(v any, extraKeys []string) any {
	keys := make([]string, 0, len(defaultSensitiveKeys)+len(extraKeys))
	keys = append(keys, defaultSensitiveKeys...)
	for _, k := range extraKeys {
		keys = append(keys, normaliseKey(k))
	}
	return redactValue(v, keys)
}

func redactValue(v any, sensitive []string) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, child := range value {
			if isSensitiveKey(k, sensitive) {
				out[k] = maskValue(child)
			} else {
				out[k] = redactValue(child, sensitive)
			}
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = redactValue(child, sensitive)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string, sensitive []string) bool {
	normal := normaliseKey(key)
	for _, s := range sensitive {
		if strings.Contains(normal, s) {
			return true
		}
	}
	return false
}

func normaliseKey(key string) string {
	return strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(key, "-", ""), " ", ""))
}

func maskValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return redactMask
	}
	if len(s) > 8 {
		return redactMask + s[len(s)-4:]
	}
	return redactMask
}
