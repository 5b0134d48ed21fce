package qschema

import (
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
)

func addSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema().
		WithProperty("num1", openapi3.NewIntegerSchema()).
		WithProperty("num2", openapi3.NewIntegerSchema())
	s.Required = []string{"num1", "num2"}
	return s
}

func creds() map[string]any {
	return map[string]any{"ip": "*", "language": "*"}
}

func TestValidateRequiredField(t *testing.T) {
	v := New()
	v.Register("add", addSchema())

	fields := creds()
	fields["num2"] = float64(3)
	got := v.Validate("add", fields)
	if got == nil {
		t.Fatal("expected errors")
	}
	if got["num1"] == "" {
		t.Fatalf("missing num1 message: %v", got)
	}
	if _, ok := got["num2"]; ok {
		t.Fatalf("num2 was valid: %v", got)
	}
}

func TestValidateTypes(t *testing.T) {
	v := New()
	v.Register("add", addSchema())

	fields := creds()
	fields["num1"] = "two"
	fields["num2"] = float64(3)
	got := v.Validate("add", fields)
	if got["num1"] == "" {
		t.Fatalf("expected type error on num1: %v", got)
	}

	fields["num1"] = float64(2)
	if got := v.Validate("add", fields); got != nil {
		t.Fatalf("unexpected errors: %v", got)
	}
}

func TestCredentialFieldsAlwaysRequired(t *testing.T) {
	v := New()
	got := v.Validate("anything", map[string]any{})
	if got[FieldIP] == "" || got[FieldLanguage] == "" {
		t.Fatalf("expected credential errors: %v", got)
	}

	got = v.Validate("anything", map[string]any{"ip": 5, "language": "go"})
	if got[FieldIP] == "" {
		t.Fatalf("non-string ip must fail: %v", got)
	}
	if _, ok := got[FieldLanguage]; ok {
		t.Fatalf("language was valid: %v", got)
	}
}

func TestComposePrecedence(t *testing.T) {
	s := openapi3.NewObjectSchema().WithProperty("ip", openapi3.NewIntegerSchema())
	c := Compose(s)
	if len(c.Required) != 2 {
		t.Fatalf("required = %v", c.Required)
	}
	if c.Properties["ip"] == s.Properties["ip"] {
		t.Fatal("credential field must replace the trigger's definition")
	}
	if len(s.Required) != 0 {
		t.Fatal("input schema was modified")
	}

	v := New()
	v.Register("t", s)
	if got := v.Validate("t", map[string]any{"ip": "1.2.3.4", "language": "go"}); got != nil {
		t.Fatalf("string ip must pass: %v", got)
	}
	if got := v.Validate("t", map[string]any{"ip": float64(4), "language": "go"}); got["ip"] == "" {
		t.Fatalf("integer ip must fail: %v", got)
	}
}

func TestNestedPath(t *testing.T) {
	inner := openapi3.NewObjectSchema().WithProperty("zip", openapi3.NewStringSchema())
	inner.Required = []string{"zip"}
	v := New()
	v.Register("ship", openapi3.NewObjectSchema().WithProperty("address", inner))

	fields := creds()
	fields["address"] = map[string]any{}
	got := v.Validate("ship", fields)
	if got["address.zip"] == "" {
		t.Fatalf("expected dotted path: %v", got)
	}
}

func TestLoad(t *testing.T) {
	doc := `
add:
  type: object
  required: [num1, num2]
  properties:
    num1: {type: integer}
    num2: {type: integer}
echo:
  type: object
`
	schemas, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(schemas) != 2 {
		t.Fatalf("got %d schemas", len(schemas))
	}
	v := New()
	for name, s := range schemas {
		v.Register(name, s)
	}
	if got := v.Validate("add", creds()); got["num1"] == "" || got["num2"] == "" {
		t.Fatalf("loaded schema not applied: %v", got)
	}

	if _, err := Load(strings.NewReader("add: {type: nonsense}")); err == nil {
		t.Fatal("expected invalid schema error")
	}
}
