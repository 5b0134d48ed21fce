package qtrigger

import (
	"context"

	"github.com/getkin/kin-openapi/openapi3"
)

// Trigger is one registered operation.
type Trigger struct {
	Handler Handler
	Schema  *openapi3.Schema
}

// Definition is a collection of triggers registered together with
// Server.RegisterDefinition.
type Definition struct {
	triggers map[string]Trigger
}

// NewDefinition returns a definition holding handlers.
func NewDefinition(handlers map[string]Handler) *Definition {
	d := &Definition{triggers: make(map[string]Trigger, len(handlers))}
	for name, h := range handlers {
		d.triggers[name] = Trigger{Handler: h}
	}
	return d
}

// On sets the steps run for name. Steps run in order until one returns a
// non-nil result or an error.
func (d *Definition) On(name string, steps ...Handler) *Definition {
	t := d.triggers[name]
	t.Handler = Chain(steps...)
	d.triggers[name] = t
	return d
}

// WithSchema sets the schema validated before name runs.
func (d *Definition) WithSchema(name string, s *openapi3.Schema) *Definition {
	t := d.triggers[name]
	t.Schema = s
	d.triggers[name] = t
	return d
}

// Triggers returns the definition's triggers by name.
func (d *Definition) Triggers() map[string]Trigger {
	out := make(map[string]Trigger, len(d.triggers))
	for name, t := range d.triggers {
		out[name] = t
	}
	return out
}

// Chain runs steps in order. A step that returns a nil result and nil error
// passes control to the next step; any other return ends the chain.
func Chain(steps ...Handler) Handler {
	switch len(steps) {
	case 0:
		return nil
	case 1:
		return steps[0]
	}
	return func(ctx context.Context, req *Request) (any, error) {
		for _, step := range steps {
			v, err := step(ctx, req)
			if err != nil || v != nil {
				return v, err
			}
		}
		return nil, nil
	}
}
