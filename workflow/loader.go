package workflow

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDefinitionFile parses a workflow definition from a YAML (or JSON)
// file. The document uses the same field names as the persisted model. The
// returned definition is validated and carries a freshly built DAG; callers
// register it through Repository.CreateDefinition.
func LoadDefinitionFile(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	return ParseDefinition(raw)
}

// ParseDefinition parses a YAML workflow definition document.
func ParseDefinition(raw []byte) (*Definition, error) {
	var doc struct {
		Slug              string         `yaml:"slug"`
		Version           int            `yaml:"version"`
		Name              string         `yaml:"name"`
		Description       string         `yaml:"description"`
		Steps             []any          `yaml:"steps"`
		Triggers          any            `yaml:"triggers"`
		ParametersSchema  map[string]any `yaml:"parametersSchema"`
		DefaultParameters any            `yaml:"defaultParameters"`
		Metadata          any            `yaml:"metadata"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	// Steps reuse the JSON field tags of StepDef; round-trip the YAML
	// generic form through JSON to decode the tagged union.
	stepsRaw, err := json.Marshal(normalizeYAML(doc.Steps))
	if err != nil {
		return nil, fmt.Errorf("parse definition steps: %w", err)
	}
	var steps []*StepDef
	if err := json.Unmarshal(stepsRaw, &steps); err != nil {
		return nil, fmt.Errorf("parse definition steps: %w", err)
	}
	def := &Definition{
		Slug:              doc.Slug,
		Version:           doc.Version,
		Name:              doc.Name,
		Description:       doc.Description,
		Steps:             steps,
		Triggers:          normalizeYAML(doc.Triggers),
		ParametersSchema:  doc.ParametersSchema,
		DefaultParameters: normalizeYAML(doc.DefaultParameters),
		Metadata:          normalizeYAML(doc.Metadata),
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// normalizeYAML converts yaml.v3's map[string]any/[]any trees (which may
// contain map[any]any from merged documents) into JSON-compatible values.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
