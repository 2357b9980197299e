package apitools

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// EnvFunc looks up an environment variable, reporting whether it is set.
type EnvFunc func(name string) (string, bool)

// OSEnv is the default EnvFunc backed by the process environment.
func OSEnv(name string) (string, bool) {
	return os.LookupEnv(name)
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_.\-]*)\s*\}\}`)

// ExtractVariables returns the template refs in s, deduplicated, in order of
// first appearance.
func ExtractVariables(s string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, match := range templateVarPattern.FindAllStringSubmatch(s, -1) {
		ref := match[1]
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

// RenderString interpolates {{data.path}} and {{env.NAME}} refs in s.
// Unresolved refs keep their literal placeholder and are returned in missing.
func RenderString(s string, data map[string]any, env EnvFunc) (string, []string) {
	var missing []string
	rendered := templateVarPattern.ReplaceAllStringFunc(s, func(placeholder string) string {
		ref := templateVarPattern.FindStringSubmatch(placeholder)[1]
		value, ok := resolveRef(ref, data, env)
		if !ok {
			missing = append(missing, ref)
			return placeholder
		}
		return stringify(value)
	})
	return rendered, missing
}

// RenderValue interpolates a structured body template. A leaf string that is
// exactly one ref keeps the referenced value's type; refs embedded in longer
// strings are stringified.
func RenderValue(v any, data map[string]any, env EnvFunc) (any, []string) {
	switch value := v.(type) {
	case string:
		if ref, ok := soleRef(value); ok {
			resolved, found := resolveRef(ref, data, env)
			if !found {
				return value, []string{ref}
			}
			return resolved, nil
		}
		rendered, missing := RenderString(value, data, env)
		return rendered, missing

	case map[string]any:
		out := make(map[string]any, len(value))
		var missing []string
		for k, child := range value {
			rendered, m := RenderValue(child, data, env)
			out[k] = rendered
			missing = append(missing, m...)
		}
		return out, missing

	case []any:
		out := make([]any, len(value))
		var missing []string
		for i, child := range value {
			rendered, m := RenderValue(child, data, env)
			out[i] = rendered
			missing = append(missing, m...)
		}
		return out, missing

	default:
		return v, nil
	}
}

// ResolveEnv substitutes only {{env.NAME}} refs, for the config-load stage.
// Data refs stay untouched for call time; missing env vars keep their
// placeholder and are reported.
func ResolveEnv(s string, env EnvFunc) (string, []string) {
	var missing []string
	rendered := templateVarPattern.ReplaceAllStringFunc(s, func(placeholder string) string {
		ref := templateVarPattern.FindStringSubmatch(placeholder)[1]
		name, isEnv := strings.CutPrefix(ref, "env.")
		if !isEnv {
			return placeholder
		}
		value, ok := env(name)
		if !ok {
			missing = append(missing, name)
			return placeholder
		}
		return value
	})
	return rendered, missing
}

// soleRef reports whether s consists of exactly one template ref.
func soleRef(s string) (string, bool) {
	match := templateVarPattern.FindStringSubmatch(s)
	if match == nil || match[0] != strings.TrimSpace(s) {
		return "", false
	}
	return match[1], true
}

func resolveRef(ref string, data map[string]any, env EnvFunc) (any, bool) {
	if path, ok := strings.CutPrefix(ref, "data."); ok {
		return lookupPath(data, path)
	}
	if name, ok := strings.CutPrefix(ref, "env."); ok {
		if env == nil {
			return nil, false
		}
		value, found := env(name)
		if !found {
			return nil, false
		}
		return value, true
	}
	return nil, false
}

// lookupPath walks a dotted path through nested maps and slices; numeric
// segments index into slices.
func lookupPath(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = value
		case []any:
			idx, err := strconv.Atoi(segment)
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

func stringify(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case nil:
		return ""
	case map[string]any, []any:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(data)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", value)
	}
}
