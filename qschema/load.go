package qschema

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML or JSON document mapping trigger names to JSON schemas.
func Load(r io.Reader) (map[string]*openapi3.Schema, error) {
	var doc map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return map[string]*openapi3.Schema{}, nil
		}
		return nil, fmt.Errorf("decode schema document: %w", err)
	}
	out := make(map[string]*openapi3.Schema, len(doc))
	for trigger, raw := range doc {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("schema %q: %w", trigger, err)
		}
		s := &openapi3.Schema{}
		if err := s.UnmarshalJSON(b); err != nil {
			return nil, fmt.Errorf("schema %q: %w", trigger, err)
		}
		if err := s.Validate(context.Background()); err != nil {
			return nil, fmt.Errorf("schema %q: %w", trigger, err)
		}
		out[trigger] = s
	}
	return out, nil
}

// LoadFile is Load for a file path.
func LoadFile(path string) (map[string]*openapi3.Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
