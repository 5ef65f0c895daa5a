package provider

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateParams checks params against the model's declared JSON Schema.
// Validation errors are fatal for the job per spec.md §4.6 ("validate params
// against the model's declared option schema ... validation errors are
// fatal and reported as the job's error").
func ValidateParams(cap Capability, params json.RawMessage) error {
	if len(cap.ParamSchema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(cap.ParamSchema))
	if err != nil {
		return fmt.Errorf("provider: decode schema for model %s: %w", cap.ModelID, err)
	}
	schemaURL := "mem://" + cap.ModelID + ".json"
	if err := compiler.AddResource(schemaURL, schemaDoc); err != nil {
		return fmt.Errorf("provider: add schema resource for model %s: %w", cap.ModelID, err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("provider: compile schema for model %s: %w", cap.ModelID, err)
	}

	paramsDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return fmt.Errorf("provider: decode params: %w", err)
	}

	if err := schema.Validate(paramsDoc); err != nil {
		return fmt.Errorf("provider: params failed schema validation for model %s: %w", cap.ModelID, err)
	}
	return nil
}
