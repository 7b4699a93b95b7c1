package ir

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON []byte

var documentSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("ir: embedded schema is not valid JSON: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("ir.schema.json", doc); err != nil {
		panic(fmt.Sprintf("ir: failed to add embedded schema: %v", err))
	}
	sch, err := c.Compile("ir.schema.json")
	if err != nil {
		panic(fmt.Sprintf("ir: failed to compile embedded schema: %v", err))
	}
	return sch
}

// validateSchema checks the document's structure (types, required fields,
// enum membership) against the embedded JSON schema. The YAML input is
// converted to JSON first so numbers and maps carry JSON-compatible types.
func validateSchema(data []byte) error {
	jsonBytes, err := toJSON(data)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}
	if err := documentSchema.Validate(inst); err != nil {
		return fmt.Errorf("document structure invalid: %w", err)
	}
	return nil
}
