// Package schema provides JSON schema validation for request bodies.
// Bodies are checked before they are decoded so malformed input is rejected
// with a precise message instead of being silently zero-valued.
package schema

import (
	"fmt"
	"strings"

	"github.com/clipmarket/clipmarket-api-go/internal/metrics"
	"github.com/xeipuuv/gojsonschema"
)

// Names of the request bodies that can be validated
const (
	Approve = "approve"
	Reject  = "reject"
	Role    = "role"
)

// Validator validates request bodies against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of body names to JSON schemas
	metrics *metrics.Metrics
}

// schemaSources holds the raw schemas. Tags accept an array or a
// comma-separated string, matching what the staging table stores.
var schemaSources = map[string]string{
	Approve: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"title": {"type": "string", "maxLength": 200},
			"description": {"type": "string", "maxLength": 5000},
			"category": {"type": "string", "maxLength": 64},
			"beautySubCategory": {"type": "string", "maxLength": 64},
			"tags": {
				"oneOf": [
					{"type": "array", "items": {"type": "string", "maxLength": 64}, "maxItems": 50},
					{"type": "string", "maxLength": 2000}
				]
			},
			"duration": {"type": "integer", "minimum": 0},
			"resolution": {"type": "string", "pattern": "^[0-9]+x[0-9]+$"}
		}
	}`,
	Reject: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"reason": {"type": "string", "maxLength": 2000}
		}
	}`,
	Role: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["role"],
		"properties": {
			"role": {"type": "string", "enum": ["user", "admin"]}
		}
	}`,
}

// NewValidator compiles every request schema.
func NewValidator(m *metrics.Metrics) (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema, len(schemaSources)),
		metrics: m,
	}
	for name, src := range schemaSources {
		if err := v.loadSchema(name, src); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

// loadSchema compiles one schema.
func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks body against the named schema. An empty body is treated
// as an empty object.
func (v *Validator) Validate(name string, body []byte) error {
	err := v.validate(name, body)
	v.metrics.IncSchemaValidation(name, err)
	return err
}

func (v *Validator) validate(name string, body []byte) error {
	schema, exists := v.schemas[name]
	if !exists {
		return fmt.Errorf("schema not found: %s", name)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
