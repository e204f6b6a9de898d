package health

import (
	"fmt"
	"io"
	"os"

	"github.com/xeipuuv/gojsonschema"
)

// Validator checks health-endpoint payloads against a JSON schema. Some
// services report ready with a 200 before their subsystems are up; a schema
// over the payload (e.g. requiring "database": "connected") closes that gap.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles a JSON schema from its source text.
func NewValidator(schemaJSON string) (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to compile health schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// NewValidatorFromFile compiles a JSON schema from a file on disk.
func NewValidatorFromFile(path string) (*Validator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read health schema: %w", err)
	}
	return NewValidator(string(data))
}

// ValidateBody validates a response body against the schema.
func (v *Validator) ValidateBody(body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read health payload: %w", err)
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate health payload: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("health payload invalid: %s", errs[0])
		}
		return fmt.Errorf("health payload invalid")
	}
	return nil
}
