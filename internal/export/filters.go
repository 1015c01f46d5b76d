package export

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stayware/lodgemap/internal/model"
)

// filterSchema returns the JSON-Schema for an export type's filter payload
// as a generic map. Unknown keys are rejected so a typoed filter fails at
// submission instead of silently exporting everything.
func filterSchema(exportType model.ExportType) map[string]any {
	switch exportType {
	case model.ExportTypeHotels:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"supplier":        map[string]any{"type": "string", "minLength": 1},
				"country":         map[string]any{"type": "string", "minLength": 2, "maxLength": 2},
				"city":            map[string]any{"type": "string", "minLength": 1},
				"min_star_rating": map[string]any{"type": "number", "minimum": 0, "maximum": 5},
			},
		}
	case model.ExportTypeMappings:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"supplier":       map[string]any{"type": "string", "minLength": 1},
				"verified_only":  map[string]any{"type": "boolean"},
				"min_confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
		}
	case model.ExportTypeSupplierSummary:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties":           map[string]any{},
		}
	}
	return nil
}

// ValidateFilters checks a raw filter payload against the export type's
// schema. An empty payload is treated as no filters.
func ValidateFilters(exportType model.ExportType, filters string) error {
	schemaMap := filterSchema(exportType)
	if schemaMap == nil {
		return fmt.Errorf("unknown export type %q", exportType)
	}
	if filters == "" {
		return nil
	}

	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("filters.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("filters.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var v any
	if err := json.Unmarshal([]byte(filters), &v); err != nil {
		return fmt.Errorf("filters are not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("filters do not match schema: %w", err)
	}
	return nil
}
