package main

import (
	"context"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/kardianos/qtrigger"
)

// demoDefinition holds the triggers served by "qtrigger serve".
func demoDefinition() *qtrigger.Definition {
	addSchema := openapi3.NewObjectSchema().
		WithProperty("a", openapi3.NewFloat64Schema()).
		WithProperty("b", openapi3.NewFloat64Schema())
	addSchema.Required = []string{"a", "b"}

	return qtrigger.NewDefinition(map[string]qtrigger.Handler{
		"add":  add,
		"echo": echo,
		"ping": ping,
	}).WithSchema("add", addSchema)
}

func add(ctx context.Context, r *qtrigger.Request) (any, error) {
	a, err := r.Float("a")
	if err != nil {
		return nil, err
	}
	b, err := r.Float("b")
	if err != nil {
		return nil, err
	}
	return a + b, nil
}

func echo(ctx context.Context, r *qtrigger.Request) (any, error) {
	return r.Body, nil
}

func ping(ctx context.Context, r *qtrigger.Request) (any, error) {
	return map[string]any{
		"pong":   true,
		"time":   time.Now().UTC().Format(time.RFC3339Nano),
		"client": r.Client.ID(),
	}, nil
}
