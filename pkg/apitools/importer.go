package apitools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"mcphub/pkg/mcperr"
)

// ImportOptions controls OpenAPI conversion.
type ImportOptions struct {
	// BaseURL overrides the server URL declared in the document.
	BaseURL string
}

// ImportWarning reports a construct the importer skipped.
type ImportWarning struct {
	Operation string `json:"operation"`
	Message   string `json:"message"`
}

var pathParamPattern = regexp.MustCompile(`\{([^}]+)\}`)
var slugCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// ImportOpenAPI converts an OpenAPI 3 document (JSON or YAML) into an
// api-tools document: one tool per operation. Optional query parameters and
// other constructs the declarative format cannot express are skipped with
// warnings.
func ImportOpenAPI(data []byte, opts ImportOptions) (*Document, []ImportWarning, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, nil, mcperr.Wrap(mcperr.CodeConfigError, err, "parsing OpenAPI document")
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = strings.TrimRight(doc.Servers[0].URL, "/")
	}
	if baseURL == "" {
		return nil, nil, mcperr.New(mcperr.CodeConfigError, "OpenAPI document declares no servers; pass a base URL")
	}

	out := &Document{Version: "1.0"}
	var warnings []ImportWarning

	paths := doc.Paths.Map()
	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	for _, path := range pathKeys {
		item := paths[path]
		operations := item.Operations()
		methods := make([]string, 0, len(operations))
		for m := range operations {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			op := operations[method]
			if !allowedMethods[method] {
				warnings = append(warnings, ImportWarning{
					Operation: method + " " + path,
					Message:   fmt.Sprintf("method %s is not supported", method),
				})
				continue
			}
			cfg, opWarnings := convertOperation(baseURL, path, method, op)
			warnings = append(warnings, opWarnings...)
			out.Tools = append(out.Tools, cfg)
		}
	}

	return out, warnings, nil
}

func convertOperation(baseURL, path, method string, op *openapi3.Operation) (*Config, []ImportWarning) {
	var warnings []ImportWarning
	opRef := method + " " + path

	name := op.OperationID
	if name == "" {
		name = strings.ToLower(method) + "_" + pathSlug(path)
	}

	description := op.Summary
	if description == "" {
		description = op.Description
	}

	properties := make(map[string]any)
	var required []string
	queryParams := make(map[string]string)
	headers := make(map[string]string)

	for _, ref := range op.Parameters {
		p := ref.Value
		if p == nil {
			continue
		}
		schema := paramSchema(p)
		switch p.In {
		case openapi3.ParameterInPath:
			properties[p.Name] = schema
			required = append(required, p.Name)
		case openapi3.ParameterInQuery:
			if !p.Required {
				if _, hasDefault := schema["default"]; !hasDefault {
					warnings = append(warnings, ImportWarning{
						Operation: opRef,
						Message:   fmt.Sprintf("optional query parameter %q without a default was skipped", p.Name),
					})
					continue
				}
			}
			properties[p.Name] = schema
			if p.Required {
				required = append(required, p.Name)
			}
			queryParams[p.Name] = "{{data." + p.Name + "}}"
		case openapi3.ParameterInHeader:
			if !p.Required {
				warnings = append(warnings, ImportWarning{
					Operation: opRef,
					Message:   fmt.Sprintf("optional header parameter %q was skipped", p.Name),
				})
				continue
			}
			properties[p.Name] = schema
			required = append(required, p.Name)
			headers[p.Name] = "{{data." + p.Name + "}}"
		default:
			warnings = append(warnings, ImportWarning{
				Operation: opRef,
				Message:   fmt.Sprintf("parameter %q in %q is not supported", p.Name, p.In),
			})
		}
	}

	var body any
	if op.RequestBody != nil && op.RequestBody.Value != nil {
		content := op.RequestBody.Value.Content.Get("application/json")
		if content == nil || content.Schema == nil || content.Schema.Value == nil {
			warnings = append(warnings, ImportWarning{
				Operation: opRef,
				Message:   "request body without an application/json schema was skipped",
			})
		} else {
			bodySchema := content.Schema.Value
			bodyTemplate := make(map[string]any)
			propNames := make([]string, 0, len(bodySchema.Properties))
			for propName := range bodySchema.Properties {
				propNames = append(propNames, propName)
			}
			sort.Strings(propNames)
			bodyRequired := make(map[string]bool, len(bodySchema.Required))
			for _, r := range bodySchema.Required {
				bodyRequired[r] = true
			}
			for _, propName := range propNames {
				if !bodyRequired[propName] {
					warnings = append(warnings, ImportWarning{
						Operation: opRef,
						Message:   fmt.Sprintf("optional body property %q was skipped", propName),
					})
					continue
				}
				properties[propName] = schemaToMap(bodySchema.Properties[propName])
				required = append(required, propName)
				bodyTemplate[propName] = "{{data." + propName + "}}"
			}
			if len(bodyTemplate) > 0 {
				body = bodyTemplate
			}
		}
	}

	parameters := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		sort.Strings(required)
		params := make([]any, len(required))
		for i, r := range required {
			params[i] = r
		}
		parameters["required"] = params
	}

	url := baseURL + pathParamPattern.ReplaceAllString(path, "{{data.$1}}")

	return &Config{
		ID:          name,
		Name:        name,
		Description: description,
		API: APISpec{
			URL:         url,
			Method:      method,
			Headers:     emptyToNil(headers),
			QueryParams: emptyToNil(queryParams),
			Body:        body,
		},
		Parameters: parameters,
	}, warnings
}

func paramSchema(p *openapi3.Parameter) map[string]any {
	schema := map[string]any{"type": "string"}
	if p.Schema != nil && p.Schema.Value != nil {
		schema = schemaToMap(p.Schema)
	}
	if p.Description != "" {
		schema["description"] = p.Description
	}
	return schema
}

// schemaToMap round-trips a resolved schema through JSON, which keeps the
// importer independent of kin-openapi's internal schema representation.
func schemaToMap(ref *openapi3.SchemaRef) map[string]any {
	fallback := map[string]any{"type": "string"}
	if ref == nil || ref.Value == nil {
		return fallback
	}
	data, err := json.Marshal(ref.Value)
	if err != nil {
		return fallback
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return fallback
	}
	return out
}

func pathSlug(path string) string {
	slug := strings.ToLower(pathParamPattern.ReplaceAllString(path, "by_$1"))
	slug = slugCleaner.ReplaceAllString(slug, "_")
	return strings.Trim(slug, "_")
}

func emptyToNil(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
