// Package wireschema builds and runs JSON Schema validators for pilot's
// two closed wire formats: the hub's agent<->PM Frame and the bus
// message envelope. Replaces hand-rolled per-field
// checks with declarative schemas so the closed type set and its
// per-type required fields live in one place per format, compiled once
// via santhosh-tekuri/jsonschema/v6.
package wireschema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator wraps one compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile builds a Validator from a JSON Schema document expressed as a
// Go value tree (map[string]any / []any / string / float64 / bool).
func Compile(id string, doc map[string]any) (*Validator, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(id, doc); err != nil {
		return nil, fmt.Errorf("wireschema: add resource %s: %w", id, err)
	}
	s, err := c.Compile(id)
	if err != nil {
		return nil, fmt.Errorf("wireschema: compile %s: %w", id, err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks encoded (the json.Marshal output of the struct being
// validated) against the compiled schema.
func (v *Validator) Validate(encoded []byte) error {
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return fmt.Errorf("wireschema: decode candidate: %w", err)
	}
	return v.schema.Validate(doc)
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// ifTypeInRequires builds an allOf clause: when "type" is one of types,
// at least the listed fields must all be present (an AND, not an OR).
func ifTypeInRequires(types []string, fields ...string) map[string]any {
	return map[string]any{
		"if": map[string]any{
			"properties": map[string]any{"type": map[string]any{"enum": toAnySlice(types)}},
		},
		"then": map[string]any{"required": toAnySlice(fields)},
	}
}

// ifTypeInRequiresAnyOf builds an allOf clause: when "type" is one of
// types, at least one of the listed fields must be present.
func ifTypeInRequiresAnyOf(types []string, fields ...string) map[string]any {
	anyOf := make([]any, len(fields))
	for i, f := range fields {
		anyOf[i] = map[string]any{"required": []any{f}}
	}
	return map[string]any{
		"if": map[string]any{
			"properties": map[string]any{"type": map[string]any{"enum": toAnySlice(types)}},
		},
		"then": map[string]any{"anyOf": anyOf},
	}
}

// FrameSchemaDoc builds the closed-set schema for one direction of hub
// traffic (heartbeat requires sessionId; pressure if present must be
// in [0,1]; ask_pm requires question; task_complete requires
// taskId; request requires to, toRole, or toAgent).
func FrameSchemaDoc(allowedTypes []string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type":      map[string]any{"type": "string", "enum": toAnySlice(allowedTypes)},
			"sessionId": map[string]any{"type": "string", "minLength": 1},
			"pressure":  map[string]any{"type": []any{"number", "null"}, "minimum": 0, "maximum": 1},
		},
		"required": []any{"type", "sessionId"},
		"allOf": []any{
			ifTypeInRequires([]string{"ask_pm"}, "question"),
			ifTypeInRequires([]string{"task_complete"}, "taskId"),
			ifTypeInRequiresAnyOf([]string{"request"}, "to", "toRole", "toAgent"),
		},
	}
}

// EnvelopeSchemaDoc builds the bus message envelope schema:
// type from the closed set, from non-empty, priority one of the three
// ranks, response requires correlation_id, and request/query/
// task_delegate require at least one addressing field.
func EnvelopeSchemaDoc(knownTypes []string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type":     map[string]any{"type": "string", "enum": toAnySlice(knownTypes)},
			"from":     map[string]any{"type": "string", "minLength": 1},
			"priority": map[string]any{"type": "string", "enum": []any{"blocking", "normal", "fyi"}},
		},
		"required": []any{"type", "from", "priority"},
		"allOf": []any{
			ifTypeInRequires([]string{"response"}, "correlation_id"),
			ifTypeInRequiresAnyOf([]string{"request", "query", "task_delegate"}, "to", "to_role", "to_agent"),
		},
	}
}
