package validation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error joins the individual failures into one line.
func (r *ValidationResult) Error() string {
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(parts, "; ")
}

// Schema is a compiled JSON schema, safe for concurrent use.
type Schema struct {
	name   string
	source string

	once     sync.Once
	compiled *gojsonschema.Schema
	err      error
}

// NewSchema registers a schema document; it is compiled on first use.
func NewSchema(name, source string) *Schema {
	return &Schema{name: name, source: source}
}

func (s *Schema) load() (*gojsonschema.Schema, error) {
	s.once.Do(func() {
		s.compiled, s.err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(s.source))
		if s.err != nil {
			s.err = fmt.Errorf("compile schema %s: %w", s.name, s.err)
		}
	})
	return s.compiled, s.err
}

// ValidateBytes validates a raw JSON document.
func (s *Schema) ValidateBytes(doc []byte) (*ValidationResult, error) {
	return s.validate(gojsonschema.NewBytesLoader(doc))
}

// ValidateValue validates an already decoded Go value.
func (s *Schema) ValidateValue(doc interface{}) (*ValidationResult, error) {
	return s.validate(gojsonschema.NewGoLoader(doc))
}

func (s *Schema) validate(loader gojsonschema.JSONLoader) (*ValidationResult, error) {
	schema, err := s.load()
	if err != nil {
		return nil, err
	}

	result, err := schema.Validate(loader)
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	out := &ValidationResult{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   desc.Field(),
			Message: desc.Description(),
			Code:    strings.ToUpper(desc.Type()),
		})
	}
	return out, nil
}

// ConditionSchema constrains the wire shape of a condition tree.
var ConditionSchema = NewSchema("condition", `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["kind"],
  "properties": {
    "kind": {"type": "string", "enum": ["and", "or", "not", "compare"]},
    "operator": {"type": "string", "enum": ["eq", "neq", "in", "gt", "gte", "lt", "lte",
      "days_since_gt", "days_since_gte", "days_since_lt", "days_since_lte"]},
    "field": {"type": "string", "minLength": 1},
    "value": {},
    "children": {"type": "array", "items": {"$ref": "#"}}
  },
  "additionalProperties": false
}`)

// RecipientRuleSchema constrains the wire shape of a recipient rule.
var RecipientRuleSchema = NewSchema("recipient_rule", `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "enum": ["static_roles", "event_field", "supervisor_of", "union"]},
    "roles": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "path": {"type": "string", "minLength": 1},
    "rules": {"type": "array", "items": {"$ref": "#"}}
  },
  "additionalProperties": false
}`)

// EventSchema constrains submitted domain events.
var EventSchema = NewSchema("event", `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["eventType", "subjectId"],
  "properties": {
    "id": {"type": "string"},
    "eventType": {"type": "string", "minLength": 1},
    "subjectId": {"type": "string", "minLength": 1},
    "occurredAt": {"type": "string", "format": "date-time"},
    "context": {"type": "object"},
    "submittedBy": {"type": "string"},
    "consentCategory": {"type": "string"}
  }
}`)
