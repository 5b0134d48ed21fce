package qwire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MessageField is the payload field that may carry a compressed inner document.
const MessageField = "message"

// Envelope is the JSON request body.
type Envelope struct {
	Trigger     string         `json:"trigger"`
	Payload     map[string]any `json:"payload"`
	Credentials map[string]any `json:"credentials"`
}

// DecodeEnvelope parses a request body. Fields of the wrong type decode as
// their empty value rather than failing the whole envelope.
func DecodeEnvelope(body []byte) (Envelope, error) {
	env := Envelope{
		Payload:     map[string]any{},
		Credentials: map[string]any{},
	}
	if len(body) == 0 {
		return env, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if s, ok := raw["trigger"].(string); ok {
		env.Trigger = s
	}
	if m, ok := raw["payload"].(map[string]any); ok {
		env.Payload = m
	}
	if m, ok := raw["credentials"].(map[string]any); ok {
		env.Credentials = m
	}
	return env, nil
}

// WrapMessage encodes v as base64(gzip(json(v))), the form UnwrapMessage reads.
func WrapMessage(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	z, err := Compress(b)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(z), nil
}

// UnwrapMessage replaces payload with the document tunneled in its message
// field. It returns the payload unchanged, with unwrapped false, when there is
// no string message field or when decoding fails.
func UnwrapMessage(payload map[string]any) (out map[string]any, unwrapped bool, err error) {
	s, ok := payload[MessageField].(string)
	if !ok {
		return payload, false, nil
	}
	z, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return payload, false, fmt.Errorf("message base64: %w", err)
	}
	b, err := Decompress(z)
	if err != nil {
		return payload, false, fmt.Errorf("message %w", err)
	}
	var inner map[string]any
	if err := json.Unmarshal(b, &inner); err != nil {
		return payload, false, fmt.Errorf("message json: %w", err)
	}
	if inner == nil {
		inner = map[string]any{}
	}
	return inner, true, nil
}
