package apitools

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"mcphub/pkg/mcperr"
)

func init() {
	// The configs use format:"url"; alias it to the URI checker.
	gojsonschema.FormatCheckers.Add("url", gojsonschema.URIFormatChecker{})
}

// ValidateParams checks args against a JSON Schema and returns the effective
// argument map: schema defaults applied, and, when stripUnknown is set,
// properties rejected by additionalProperties:false silently removed instead.
// The returned map always satisfies the schema.
func ValidateParams(schema map[string]any, args map[string]any, stripUnknown bool) (map[string]any, error) {
	prepared, _ := cloneValue(args).(map[string]any)
	if prepared == nil {
		prepared = make(map[string]any)
	}
	if schema == nil {
		return prepared, nil
	}

	prepared = applyObjectDefaults(schema, prepared)
	if stripUnknown {
		stripUnknownProps(schema, prepared)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(prepared))
	if err != nil {
		return nil, mcperr.Wrap(mcperr.CodeInvalidParams, err, "schema validation failed")
	}
	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			violations = append(violations, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return nil, mcperr.New(mcperr.CodeInvalidParams, "invalid parameters").WithDetail("violations", violations)
	}
	return prepared, nil
}

// applyObjectDefaults fills missing properties that declare a default, then
// recurses into nested objects and arrays.
func applyObjectDefaults(schema map[string]any, value map[string]any) map[string]any {
	properties, _ := schema["properties"].(map[string]any)
	for name, rawPropSchema := range properties {
		propSchema, ok := rawPropSchema.(map[string]any)
		if !ok {
			continue
		}

		current, present := value[name]
		if !present {
			if def, hasDefault := propSchema["default"]; hasDefault {
				value[name] = cloneValue(def)
			}
			continue
		}

		switch typed := current.(type) {
		case map[string]any:
			value[name] = applyObjectDefaults(propSchema, typed)
		case []any:
			if itemSchema, ok := propSchema["items"].(map[string]any); ok {
				for i, item := range typed {
					if obj, ok := item.(map[string]any); ok {
						typed[i] = applyObjectDefaults(itemSchema, obj)
					}
				}
			}
		}
	}
	return value
}

// stripUnknownProps removes properties an additionalProperties:false object
// schema would reject, recursively.
func stripUnknownProps(schema map[string]any, value map[string]any) {
	properties, _ := schema["properties"].(map[string]any)

	if ap, declared := schema["additionalProperties"]; declared {
		if allowed, isBool := ap.(bool); isBool && !allowed {
			for key := range value {
				if _, known := properties[key]; !known {
					delete(value, key)
				}
			}
		}
	}

	for name, rawPropSchema := range properties {
		propSchema, ok := rawPropSchema.(map[string]any)
		if !ok {
			continue
		}
		switch typed := value[name].(type) {
		case map[string]any:
			stripUnknownProps(propSchema, typed)
		case []any:
			if itemSchema, ok := propSchema["items"].(map[string]any); ok {
				for _, item := range typed {
					if obj, ok := item.(map[string]any); ok {
						stripUnknownProps(itemSchema, obj)
					}
				}
			}
		}
	}
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, child := range value {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}
