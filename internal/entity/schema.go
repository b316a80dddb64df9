package entity

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports a payload rejected at the sync boundary.
type ValidationError struct {
	Type   Type
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Type, e.Reason)
}

// One schema per entity type, compiled once at package init. The schemas
// enforce required fields and primitive types; unknown extra properties are
// tolerated so older payload snapshots replay cleanly.
var payloadSchemas = map[Type]string{
	TypeUser: `{
		"type": "object",
		"required": ["email", "name", "role"],
		"properties": {
			"email": {"type": "string", "minLength": 3},
			"name": {"type": "string", "minLength": 1},
			"passwordHash": {"type": "string"},
			"role": {"type": "string", "enum": ["admin", "staff"]}
		}
	}`,
	TypeCenter: `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"address": {"type": "string"},
			"phone": {"type": "string"}
		}
	}`,
	TypeTeacher: `{
		"type": "object",
		"required": ["name", "centerId"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"email": {"type": "string"},
			"phone": {"type": "string"},
			"centerId": {"type": "string", "minLength": 1}
		}
	}`,
	TypeStudent: `{
		"type": "object",
		"required": ["name", "centerId"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"grade": {"type": "string"},
			"phone": {"type": "string"},
			"centerId": {"type": "string", "minLength": 1}
		}
	}`,
	TypeSubject: `{
		"type": "object",
		"required": ["name", "price", "centerId"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"price": {"type": "number", "minimum": 0},
			"centerId": {"type": "string", "minLength": 1}
		}
	}`,
	TypeTeacherSubject: `{
		"type": "object",
		"required": ["teacherId", "subjectId"],
		"properties": {
			"teacherId": {"type": "string", "minLength": 1},
			"subjectId": {"type": "string", "minLength": 1},
			"percentage": {"type": "number", "minimum": 0, "maximum": 100}
		}
	}`,
	TypeStudentSubject: `{
		"type": "object",
		"required": ["studentId", "subjectId"],
		"properties": {
			"studentId": {"type": "string", "minLength": 1},
			"subjectId": {"type": "string", "minLength": 1}
		}
	}`,
	TypeReceipt: `{
		"type": "object",
		"required": ["studentId", "amount", "month"],
		"properties": {
			"studentId": {"type": "string", "minLength": 1},
			"amount": {"type": "number", "minimum": 0},
			"month": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}$"},
			"paid": {"type": "boolean"}
		}
	}`,
	TypeSchedule: `{
		"type": "object",
		"required": ["teacherId", "subjectId", "day", "startTime", "endTime"],
		"properties": {
			"teacherId": {"type": "string", "minLength": 1},
			"subjectId": {"type": "string", "minLength": 1},
			"day": {"type": "string", "enum": ["monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"]},
			"startTime": {"type": "string", "pattern": "^[0-9]{2}:[0-9]{2}$"},
			"endTime": {"type": "string", "pattern": "^[0-9]{2}:[0-9]{2}$"}
		}
	}`,
}

var compiledSchemas map[Type]*jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	for typ, source := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			panic(fmt.Sprintf("entity: bad schema for %s: %v", typ, err))
		}
		if err := compiler.AddResource(string(typ)+".json", doc); err != nil {
			panic(fmt.Sprintf("entity: add schema for %s: %v", typ, err))
		}
	}
	compiledSchemas = make(map[Type]*jsonschema.Schema, len(payloadSchemas))
	for typ := range payloadSchemas {
		schema, err := compiler.Compile(string(typ) + ".json")
		if err != nil {
			panic(fmt.Sprintf("entity: compile schema for %s: %v", typ, err))
		}
		compiledSchemas[typ] = schema
	}
}

// ValidatePayload checks raw against the schema for typ. A nil return means
// the payload is safe to store and transmit.
func ValidatePayload(typ Type, raw []byte) error {
	schema, ok := compiledSchemas[typ]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if len(raw) == 0 {
		return &ValidationError{Type: typ, Reason: "empty payload"}
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Type: typ, Reason: "not valid JSON: " + err.Error()}
	}
	if err := schema.Validate(instance); err != nil {
		return &ValidationError{Type: typ, Reason: err.Error()}
	}
	return nil
}
