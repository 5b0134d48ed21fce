// Package qschema validates trigger payloads against JSON schemas composed
// with the credential fields every trigger requires.
package qschema

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// Credential fields required on every trigger.
const (
	FieldLanguage = "language"
	FieldIP       = "ip"
)

// RootField is the error key used for violations not tied to a field.
const RootField = "$"

// Validator holds one composed schema per trigger.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*openapi3.Schema
	base    *openapi3.Schema
}

// New returns a validator with no trigger schemas.
func New() *Validator {
	return &Validator{
		schemas: make(map[string]*openapi3.Schema),
		base:    Compose(nil),
	}
}

// Compose returns an object schema with the properties and requirements of s
// plus the required credential fields. Credential fields replace properties
// of the same name in s. s is not modified.
func Compose(s *openapi3.Schema) *openapi3.Schema {
	out := openapi3.NewObjectSchema()
	out.Properties = make(openapi3.Schemas)
	var required []string
	if s != nil {
		out.Title = s.Title
		out.Description = s.Description
		out.AdditionalProperties = s.AdditionalProperties
		for name, ref := range s.Properties {
			out.Properties[name] = ref
		}
		required = append(required, s.Required...)
	}
	for _, name := range []string{FieldLanguage, FieldIP} {
		out.Properties[name] = openapi3.NewSchemaRef("", openapi3.NewStringSchema())
		if !slices.Contains(required, name) {
			required = append(required, name)
		}
	}
	out.Required = required
	return out
}

// Register sets the schema for trigger. A nil schema leaves only the
// credential requirements.
func (v *Validator) Register(trigger string, s *openapi3.Schema) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s == nil {
		delete(v.schemas, trigger)
		return
	}
	v.schemas[trigger] = Compose(s)
}

// Schema returns the composed schema used for trigger.
func (v *Validator) Schema(trigger string) *openapi3.Schema {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if s, ok := v.schemas[trigger]; ok {
		return s
	}
	return v.base
}

// Validate checks fields against the trigger's composed schema. It returns
// nil when the fields are valid, otherwise a map of dotted field path to
// message.
func (v *Validator) Validate(trigger string, fields map[string]any) map[string]string {
	if fields == nil {
		fields = map[string]any{}
	}
	err := v.Schema(trigger).VisitJSON(fields, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	out := make(map[string]string)
	collect(out, err)
	return out
}

func collect(out map[string]string, err error) {
	var me openapi3.MultiError
	if errors.As(err, &me) {
		for _, e := range me {
			collect(out, e)
		}
		return
	}
	key, msg := RootField, err.Error()
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		if p := se.JSONPointer(); len(p) > 0 {
			key = strings.Join(p, ".")
		}
		if se.Reason != "" {
			msg = se.Reason
		}
	}
	if _, ok := out[key]; !ok {
		out[key] = msg
	}
}
