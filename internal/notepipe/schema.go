package notepipe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Analysis is the validated result of one analysis-service call.
// Fields carries the category-conditional extracted values as an open,
// nullable set; only their JSON types are constrained, not their names.
type Analysis struct {
	Category string
	Summary  string
	Fields   map[string]any
}

// AnalysisValidator checks raw analysis payloads against a schema
// derived from the categories configuration: category must come from
// the closed set, summary must be a non-empty string, and any further
// property must be a scalar or null.
type AnalysisValidator struct {
	cfg    CategoriesConfig
	schema *jsonschema.Schema
}

func NewAnalysisValidator(cfg CategoriesConfig) (*AnalysisValidator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	doc := analysisSchemaDocument(cfg)
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(encoded)))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("analysis.json", parsed); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("analysis.json")
	if err != nil {
		return nil, err
	}
	return &AnalysisValidator{cfg: cfg, schema: schema}, nil
}

func analysisSchemaDocument(cfg CategoriesConfig) map[string]any {
	names := make([]any, 0, len(cfg.Categories))
	for _, category := range cfg.Categories {
		names = append(names, category.Name)
	}
	return map[string]any{
		"type":     "object",
		"required": []any{"category", "summary"},
		"properties": map[string]any{
			"category": map[string]any{"enum": names},
			"summary":  map[string]any{"type": "string", "minLength": 1},
		},
		"additionalProperties": map[string]any{
			"type": []any{"string", "number", "integer", "boolean", "null"},
		},
	}
}

// Parse validates raw (the analysis service's message content) and
// returns the typed result. A payload that is not JSON, names a
// category outside the closed set, or lacks category/summary fails the
// same way a transport error does.
func (v *AnalysisValidator) Parse(raw string) (Analysis, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Analysis{}, fmt.Errorf("analysis response is empty")
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return Analysis{}, fmt.Errorf("analysis response is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return Analysis{}, fmt.Errorf("analysis response failed validation: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Analysis{}, fmt.Errorf("analysis response is not a JSON object: %w", err)
	}
	category, _ := payload["category"].(string)
	summary, _ := payload["summary"].(string)
	if strings.TrimSpace(summary) == "" {
		return Analysis{}, fmt.Errorf("analysis response has an empty summary")
	}
	delete(payload, "category")
	delete(payload, "summary")

	analysis := Analysis{Category: category, Summary: summary}
	if len(payload) > 0 {
		analysis.Fields = payload
	}
	return analysis, nil
}
