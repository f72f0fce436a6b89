package changefeed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	OpCreateDocument  = "create_document"
	OpUpdateDocument  = "update_document"
	OpDeleteDocument  = "delete_document"
	OpCreateDID       = "create_did"
	OpUpdateProfile   = "update_profile"
	OpCreateNamespace = "create_namespace"
)

const schemaBase = "https://schemas.alem.dev/changes/"

var changeSchemas = map[string]string{
	OpCreateDocument: `{
		"type": "object",
		"required": ["filename"],
		"properties": {
			"id": {"type": "string", "pattern": "^[A-Za-z0-9_-]{8,128}$"},
			"user_id": {"type": "string"},
			"filename": {"type": "string", "minLength": 1},
			"content_type": {"type": "string"},
			"content": {"type": "string"},
			"content_base64": {"type": "string", "contentEncoding": "base64"},
			"object_key": {"type": "string", "minLength": 1},
			"metadata": {"type": "object"},
			"updated_at": {"type": "string", "format": "date-time"}
		},
		"anyOf": [
			{"required": ["content"]},
			{"required": ["content_base64"]},
			{"required": ["object_key"]}
		]
	}`,
	OpUpdateDocument: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"user_id": {"type": "string"},
			"filename": {"type": "string", "minLength": 1},
			"content_type": {"type": "string"},
			"content": {"type": "string"},
			"content_base64": {"type": "string"},
			"object_key": {"type": "string", "minLength": 1},
			"metadata": {"type": "object"},
			"updated_at": {"type": "string", "format": "date-time"}
		}
	}`,
	OpDeleteDocument: `{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"user_id": {"type": "string"}
		}
	}`,
	OpCreateDID: `{
		"type": "object",
		"required": ["did"],
		"properties": {
			"did": {"type": "string", "pattern": "^did:[a-z0-9]+:.+$"},
			"user_id": {"type": "string"}
		}
	}`,
	OpUpdateProfile: `{
		"type": "object",
		"required": ["profile"],
		"properties": {
			"profile": {"type": "object"},
			"user_id": {"type": "string"}
		}
	}`,
	OpCreateNamespace: `{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"user_id": {"type": "string"},
			"did": {"type": "string", "pattern": "^did:[a-z0-9]+:.+$"},
			"external_account_id": {"type": "string"},
			"config": {"type": "object"}
		}
	}`,
}

// validator holds one compiled schema per change type.
type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator() (*validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	for op, raw := range changeSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", op, err)
		}
		if err := compiler.AddResource(schemaBase+op+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", op, err)
		}
	}
	v := &validator{schemas: map[string]*jsonschema.Schema{}}
	for op := range changeSchemas {
		schema, err := compiler.Compile(schemaBase + op + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", op, err)
		}
		v.schemas[op] = schema
	}
	return v, nil
}

func (v *validator) supports(op string) bool {
	_, ok := v.schemas[op]
	return ok
}

// validate checks data against the schema for op. Data is normalized through
// JSON first so Go-typed values validate the same as decoded request bodies.
func (v *validator) validate(op string, data map[string]any) error {
	schema, ok := v.schemas[op]
	if !ok {
		return fmt.Errorf("%w: unsupported change type %q", ErrInvalidInput, op)
	}
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidInput, op, err)
	}
	return nil
}
