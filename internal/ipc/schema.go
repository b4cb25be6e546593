package ipc

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// taskEnvelopeSchemaJSON documents the on-disk shape every tasks/ drop
// file must satisfy, independent of the per-type Payload it carries.
const taskEnvelopeSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "sourceGroup"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"sourceGroup": {"type": "string", "minLength": 1},
		"targetGroup": {"type": "string"},
		"createdAt": {"type": "string"},
		"payload": {}
	}
}`

var (
	taskEnvelopeSchemaOnce sync.Once
	taskEnvelopeSchema     *jsonschema.Schema
	taskEnvelopeSchemaErr  error
)

func compiledTaskEnvelopeSchema() (*jsonschema.Schema, error) {
	taskEnvelopeSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("task-envelope.json", strings.NewReader(taskEnvelopeSchemaJSON)); err != nil {
			taskEnvelopeSchemaErr = fmt.Errorf("ipc: add task envelope schema: %w", err)
			return
		}
		taskEnvelopeSchema, taskEnvelopeSchemaErr = c.Compile("task-envelope.json")
	})
	return taskEnvelopeSchema, taskEnvelopeSchemaErr
}

// ValidateTaskEnvelope checks raw, a tasks/ drop file's bytes, against the
// documented envelope shape before it is ever unmarshaled into a
// TaskEnvelope — a malformed drop is rejected with a schema error instead
// of silently reaching the dispatcher as a zero-valued struct.
func ValidateTaskEnvelope(raw []byte) error {
	schema, err := compiledTaskEnvelopeSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("ipc: decode task envelope: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("ipc: task envelope failed schema validation: %w", err)
	}
	return nil
}
