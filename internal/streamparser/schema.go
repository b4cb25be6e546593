package streamparser

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// outputSchemaJSON documents the JSON payload carried between
// OUTPUT_START/OUTPUT_END markers — the same shape the S3-backed
// ephemeral backend's outbox entries use, since both are decoded by this
// package's Output struct.
const outputSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["status"],
	"properties": {
		"status": {"type": "string", "enum": ["success", "error"]},
		"result": {"type": ["string", "null"]},
		"newSessionId": {"type": "string"},
		"error": {"type": "string"}
	}
}`

var (
	outputSchemaOnce sync.Once
	outputSchema     *jsonschema.Schema
	outputSchemaErr  error
)

func compiledOutputSchema() (*jsonschema.Schema, error) {
	outputSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("output.json", strings.NewReader(outputSchemaJSON)); err != nil {
			outputSchemaErr = fmt.Errorf("streamparser: add output schema: %w", err)
			return
		}
		outputSchema, outputSchemaErr = c.Compile("output.json")
	})
	return outputSchema, outputSchemaErr
}

// validateOutput checks raw, the JSON body between one OUTPUT_START/
// OUTPUT_END pair, against the documented Output shape before it is
// unmarshaled — catching a well-formed-JSON-but-wrong-shape payload (e.g.
// a missing status) that plain json.Unmarshal would otherwise accept as a
// zero-valued Output.
func validateOutput(raw []byte) error {
	schema, err := compiledOutputSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("streamparser: decode output: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("streamparser: output failed schema validation: %w", err)
	}
	return nil
}
