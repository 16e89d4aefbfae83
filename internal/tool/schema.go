package tool

import (
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/clara-ai/clara/internal/model"
)

// CompileSchema checks that raw is a valid JSON schema. It validates no
// instance data; use it at publish or registration time.
func CompileSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	_, err := compile(raw)
	return err
}

// ValidatePayload validates payload against a JSON schema. An empty schema
// accepts everything. Violations come back wrapped in model.ErrValidation.
func ValidatePayload(raw json.RawMessage, payload map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	sch, err := compile(raw)
	if err != nil {
		return err
	}
	// Round-trip through JSON so the instance matches what the schema
	// library expects for generic values.
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", model.ErrValidation, err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", model.ErrValidation, err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return nil
}

func compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse schema: %v", model.ErrValidation, err)
	}
	if err := c.AddResource("mem://schema.json", doc); err != nil {
		return nil, fmt.Errorf("%w: add schema resource: %v", model.ErrValidation, err)
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return nil, fmt.Errorf("%w: compile schema: %v", model.ErrValidation, err)
	}
	return sch, nil
}
