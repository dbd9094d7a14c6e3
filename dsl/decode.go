package dsl

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// documentSchema is the structural JSON schema a raw workflow document must
// satisfy before it is decoded. Graph-level rules (dangling transitions,
// unreachable terminals) are checked separately by Validate.
const documentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["startAt", "states"],
	"properties": {
		"comment": {"type": "string"},
		"version": {"type": "string"},
		"startAt": {"type": "string", "minLength": 1},
		"globalConfig": {"type": "object"},
		"errorHandling": {
			"type": "object",
			"properties": {"onFailure": {"type": "string"}}
		},
		"states": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {"$ref": "#/$defs/state"}
		}
	},
	"$defs": {
		"state": {
			"type": "object",
			"required": ["type"],
			"properties": {
				"type": {
					"enum": ["task", "pass", "wait", "choice", "succeed", "fail", "parallel", "map"]
				},
				"comment": {"type": "string"},
				"inputMapping": {"type": ["array", "object"]},
				"outputMapping": {"type": ["array", "object"]},
				"retry": {
					"type": "object",
					"properties": {"maxAttempts": {"type": "integer", "minimum": 0}}
				},
				"catch": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["next"],
						"properties": {
							"errorEquals": {"type": "array", "items": {"type": "string"}},
							"next": {"type": "string", "minLength": 1}
						}
					}
				},
				"next": {"type": "string"},
				"end": {"type": "boolean"},
				"resource": {"type": "string"},
				"parameters": {"type": "object"},
				"executionConfig": {
					"type": "object",
					"properties": {
						"queue": {"type": "string"},
						"priority": {"type": "integer"},
						"timeoutSeconds": {"type": "integer", "minimum": 0}
					}
				},
				"heartbeatSeconds": {"type": "integer", "minimum": 0},
				"seconds": {"type": "integer", "minimum": 0},
				"timestamp": {"type": "string"},
				"result": {"type": "object"},
				"choices": {"type": "array"},
				"defaultNext": {"type": "string"},
				"error": {"type": "string"},
				"cause": {"type": "string"},
				"itemsPath": {"type": "string"},
				"iterator": {"type": "object"},
				"maxConcurrency": {"type": "integer", "minimum": 0},
				"itemContextKey": {"type": "string"},
				"branches": {"type": "array"}
			}
		}
	}
}`

// ParseJSON decodes and validates a JSON workflow document.
func ParseJSON(raw []byte) (*Definition, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode workflow document: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}
	var def Definition
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode workflow document: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseYAML decodes and validates a YAML workflow document. The document is
// converted to JSON so that both formats share decode and validation paths.
func ParseYAML(raw []byte) (*Definition, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode workflow document: %w", err)
	}
	jsonRaw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert workflow document: %w", err)
	}
	return ParseJSON(jsonRaw)
}

func validateSchema(doc any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid workflow document: %w", err)
	}
	return nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(documentSchema)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal document schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}
	return schema, nil
}
