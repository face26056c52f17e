package workflow

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/flow/jsonval"
)

// ValidateParameters checks run parameters against a definition's
// parametersSchema. A nil or empty schema accepts everything. Validation
// failures wrap into a ConflictError so admission rejects before any row is
// written.
func ValidateParameters(schema map[string]any, parameters any) error {
	if len(schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	const url = "flow://parameters-schema.json"
	if err := compiler.AddResource(url, jsonval.Normalize(schema)); err != nil {
		return &FatalError{Err: fmt.Errorf("invalid parameters schema: %w", err)}
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("invalid parameters schema: %w", err)}
	}
	if err := compiled.Validate(jsonval.Normalize(parameters)); err != nil {
		return &ConflictError{
			Constraint: "parameters-schema",
			Message:    fmt.Sprintf("parameters do not satisfy schema: %v", err),
		}
	}
	return nil
}
