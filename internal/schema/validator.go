// Package schema validates tool arguments against the JSON-Schema subset
// used for MCP tool inputs, and checks JSON-RPC frames for protocol
// compliance.
//
// The validator accumulates every failure rather than stopping at the
// first, and separates hard errors from warnings: an unknown field is an
// error only when the schema sets additionalProperties to false, otherwise
// it is a warning. Unknown schema keywords are ignored.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
)

// Result holds the outcome of a validation pass.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validator checks values against JSON-Schema definitions. The zero value
// is ready to use.
type Validator struct{}

// NewValidator returns a schema validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateJSON validates data against a schema given in raw JSON form. A
// schema that fails to parse yields a single error rather than a panic.
func (v *Validator) ValidateJSON(rawSchema json.RawMessage, data map[string]any) *Result {
	if len(rawSchema) == 0 {
		return &Result{Valid: true}
	}
	var schema map[string]any
	if err := json.Unmarshal(rawSchema, &schema); err != nil {
		return &Result{Valid: false, Errors: []string{fmt.Sprintf("invalid schema: %v", err)}}
	}
	return v.Validate(schema, data)
}

// Validate checks data against an object schema: required fields,
// per-property constraints, and the additionalProperties policy.
func (v *Validator) Validate(schema map[string]any, data map[string]any) *Result {
	var errors, warnings []string

	for _, field := range stringSlice(schema["required"]) {
		if _, ok := data[field]; !ok {
			errors = append(errors, fmt.Sprintf("Missing required field: '%s'", field))
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for field, value := range data {
		fieldSchema, known := properties[field]
		if !known {
			if additional, ok := schema["additionalProperties"].(bool); ok && !additional {
				errors = append(errors, fmt.Sprintf("Unknown field: '%s'", field))
			} else {
				warnings = append(warnings, fmt.Sprintf("Unknown field: '%s'", field))
			}
			continue
		}
		if fs, ok := fieldSchema.(map[string]any); ok {
			errors = append(errors, v.validateField(field, value, fs)...)
		}
	}

	return &Result{Valid: len(errors) == 0, Errors: errors, Warnings: warnings}
}

func (v *Validator) validateField(name string, value any, schema map[string]any) []string {
	var errors []string

	if value == nil {
		if !contains(schemaTypes(schema), "null") {
			errors = append(errors, fmt.Sprintf("Field '%s' cannot be null", name))
		}
		return errors
	}

	if expected := schemaTypes(schema); len(expected) > 0 {
		matched := false
		for _, typ := range expected {
			if valueHasType(value, typ) {
				matched = true
				break
			}
		}
		if !matched {
			errors = append(errors, fmt.Sprintf(
				"Field '%s' has wrong type. Expected %v, got %s", name, expected, jsonTypeName(value)))
			return errors
		}
	}

	switch val := value.(type) {
	case string:
		errors = append(errors, v.validateString(name, val, schema)...)
	case float64:
		errors = append(errors, v.validateNumber(name, val, schema)...)
	case []any:
		errors = append(errors, v.validateArray(name, val, schema)...)
	}

	if enum, ok := schema["enum"].([]any); ok && !enumContains(enum, value) {
		errors = append(errors, fmt.Sprintf("Field '%s' must be one of: %v", name, enum))
	}

	return errors
}

func (v *Validator) validateString(name, value string, schema map[string]any) []string {
	var errors []string

	if min, ok := numberKeyword(schema, "minLength"); ok && float64(len(value)) < min {
		errors = append(errors, fmt.Sprintf("Field '%s' must be at least %d characters", name, int(min)))
	}
	if max, ok := numberKeyword(schema, "maxLength"); ok && float64(len(value)) > max {
		errors = append(errors, fmt.Sprintf("Field '%s' must be at most %d characters", name, int(max)))
	}
	if pattern, ok := schema["pattern"].(string); ok {
		// Anchored at the start, matching anywhere after that.
		re, err := regexp.Compile("^(?:" + pattern + ")")
		if err != nil || !re.MatchString(value) {
			errors = append(errors, fmt.Sprintf("Field '%s' does not match pattern: %s", name, pattern))
		}
	}

	return errors
}

func (v *Validator) validateNumber(name string, value float64, schema map[string]any) []string {
	var errors []string

	if min, ok := numberKeyword(schema, "minimum"); ok && value < min {
		errors = append(errors, fmt.Sprintf("Field '%s' must be >= %v", name, min))
	}
	if max, ok := numberKeyword(schema, "maximum"); ok && value > max {
		errors = append(errors, fmt.Sprintf("Field '%s' must be <= %v", name, max))
	}
	if min, ok := numberKeyword(schema, "exclusiveMinimum"); ok && value <= min {
		errors = append(errors, fmt.Sprintf("Field '%s' must be > %v", name, min))
	}
	if max, ok := numberKeyword(schema, "exclusiveMaximum"); ok && value >= max {
		errors = append(errors, fmt.Sprintf("Field '%s' must be < %v", name, max))
	}

	return errors
}

func (v *Validator) validateArray(name string, value []any, schema map[string]any) []string {
	var errors []string

	if min, ok := numberKeyword(schema, "minItems"); ok && float64(len(value)) < min {
		errors = append(errors, fmt.Sprintf("Field '%s' must have at least %d items", name, int(min)))
	}
	if max, ok := numberKeyword(schema, "maxItems"); ok && float64(len(value)) > max {
		errors = append(errors, fmt.Sprintf("Field '%s' must have at most %d items", name, int(max)))
	}
	if items, ok := schema["items"].(map[string]any); ok {
		for i, item := range value {
			errors = append(errors, v.validateField(fmt.Sprintf("%s[%d]", name, i), item, items)...)
		}
	}

	return errors
}

func schemaTypes(schema map[string]any) []string {
	switch typ := schema["type"].(type) {
	case string:
		return []string{typ}
	case []any:
		return stringSlice(typ)
	default:
		return nil
	}
}

func valueHasType(value any, typ string) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	default:
		return false
	}
}

func jsonTypeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return reflect.TypeOf(value).String()
	}
}

func numberKeyword(schema map[string]any, key string) (float64, bool) {
	n, ok := schema[key].(float64)
	return n, ok
}

func stringSlice(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func enumContains(enum []any, value any) bool {
	for _, candidate := range enum {
		if candidate == value {
			return true
		}
		if reflect.DeepEqual(candidate, value) {
			return true
		}
	}
	return false
}
