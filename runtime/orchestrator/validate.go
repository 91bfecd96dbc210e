package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/neomentor/engine/runtime/session"
)

// ValidationError reports a malformed or incomplete request payload. No
// session is created when Submit returns one.
type ValidationError struct {
	// Kind is the request kind the payload was validated against.
	Kind session.Kind
	// Detail describes what is missing or malformed.
	Detail string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, e.Detail)
}

// Validator checks request payloads against the per-kind schema before a
// session is admitted.
type Validator struct {
	schemas map[session.Kind]*jsonschema.Schema
}

// payloadSchemas is the minimal required shape per request kind.
var payloadSchemas = map[session.Kind]string{
	session.KindVideoGeneration: `{
		"type": "object",
		"required": ["prompt"],
		"properties": {
			"prompt":    {"type": "string", "minLength": 1},
			"duration":  {"type": "integer", "minimum": 1, "maximum": 60},
			"image_url": {"type": "string", "minLength": 1},
			"audio_url": {"type": "string", "minLength": 1}
		}
	}`,
	session.KindVoiceClone: `{
		"type": "object",
		"required": ["text", "reference_audio_url"],
		"properties": {
			"text":                {"type": "string", "minLength": 1},
			"reference_audio_url": {"type": "string", "minLength": 1}
		}
	}`,
	session.KindSyllabus: `{
		"type": "object",
		"required": ["topic"],
		"properties": {
			"topic": {"type": "string", "minLength": 1},
			"level": {"type": "string"},
			"weeks": {"type": "integer", "minimum": 1, "maximum": 52}
		}
	}`,
	session.KindCourseSchedule: `{
		"type": "object",
		"required": ["courses"],
		"properties": {
			"courses": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string", "minLength": 1}
			},
			"constraints": {"type": "object"}
		}
	}`,
	session.KindAnalyticsQuery: `{
		"type": "object",
		"required": ["metrics"],
		"properties": {
			"metrics": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string", "minLength": 1}
			},
			"date_range": {
				"type": "object",
				"properties": {
					"from": {"type": "string"},
					"to":   {"type": "string"}
				}
			}
		}
	}`,
}

// NewValidator compiles the per-kind payload schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[session.Kind]*jsonschema.Schema, len(payloadSchemas))
	for kind, src := range payloadSchemas {
		url := fmt.Sprintf("mem://payload/%s.json", kind)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", kind, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("schema for %s: %w", kind, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", kind, err)
		}
		schemas[kind] = sch
	}
	return &Validator{schemas: schemas}, nil
}

// Validate checks the payload against the schema for the kind. Returns a
// *ValidationError when the payload does not conform.
func (v *Validator) Validate(kind session.Kind, payload []byte) error {
	sch, ok := v.schemas[kind]
	if !ok {
		return &ValidationError{Kind: kind, Detail: fmt.Sprintf("unknown request kind %q", kind)}
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &ValidationError{Kind: kind, Detail: "payload is not valid JSON"}
	}
	if err := sch.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Kind: kind, Detail: verr.Error()}
		}
		return &ValidationError{Kind: kind, Detail: err.Error()}
	}
	return nil
}
