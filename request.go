package qtrigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kardianos/qtrigger/qauth"
	"github.com/kardianos/qtrigger/qext"
)

// Handler runs a trigger and returns the value sent back as data.
type Handler func(ctx context.Context, req *Request) (any, error)

// Middleware runs before every handler. Returning an error aborts the
// request with that error.
type Middleware func(ctx context.Context, req *Request) error

// Request is the per-request context passed to middlewares and handlers.
// Middlewares may modify Body.
type Request struct {
	ID          string
	Trigger     string
	Body        map[string]any
	Credentials qauth.Credentials
	Client      *qauth.Client // Nil when the server has no client registry.
	RemoteAddr  string
	Start       time.Time

	server *Server
}

// Helper returns a value injected by an extension.
func (r *Request) Helper(name string) (any, bool) {
	if r.server == nil {
		return nil, false
	}
	return r.server.Helper(name)
}

// Bind decodes Body into v through JSON.
func (r *Request) Bind(v any) error {
	b, err := json.Marshal(r.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("bind %s payload: %w", r.Trigger, err)
	}
	return nil
}

// Float returns a numeric body field.
func (r *Request) Float(name string) (float64, error) {
	v, ok := r.Body[name]
	if !ok {
		return 0, fmt.Errorf("missing field %q", name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("field %q is %T, not a number", name, v)
	}
}

// String returns a string body field.
func (r *Request) String(name string) (string, error) {
	v, ok := r.Body[name]
	if !ok {
		return "", fmt.Errorf("missing field %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q is %T, not a string", name, v)
	}
	return s, nil
}

func (r *Request) event() *qext.RequestEvent {
	info := qext.ClientInfo{
		ID:       r.Client.ID(),
		IP:       r.Credentials.IP,
		Language: r.Credentials.Language,
	}
	return &qext.RequestEvent{
		ID:         r.ID,
		Trigger:    r.Trigger,
		Body:       r.Body,
		Client:     info,
		Authed:     r.Client,
		RemoteAddr: r.RemoteAddr,
		Start:      r.Start,
	}
}
