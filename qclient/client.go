// Package qclient calls triggers on a qtrigger server.
package qclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/kardianos/qtrigger/qauth"
	"github.com/kardianos/qtrigger/qwire"
)

// DefaultTimeout bounds a call when Opt.Timeout is zero and ctx has no deadline.
const DefaultTimeout = 30 * time.Second

// ErrEmptyReply is returned when the server closes the connection without a reply.
var ErrEmptyReply = errors.New("server closed connection without reply")

// RemoteError is an error reply from the server.
type RemoteError struct {
	Message string
	Fields  map[string]string // Set for schema violations.
}

func (e *RemoteError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Opt configures a Client.
type Opt struct {
	Addr        string
	TLSConfig   *tls.Config // Nil for plain TCP.
	Credentials qauth.Credentials
	Timeout     time.Duration
	// TunnelPayload sends the payload compressed inside the message field.
	TunnelPayload    bool
	Path             string
	MaxResponseBytes int64
}

// Client dials one connection per call.
type Client struct {
	opt Opt
}

// New returns a client for opt.Addr.
func New(opt Opt) *Client {
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.Path == "" {
		opt.Path = "/"
	}
	return &Client{opt: opt}
}

type envelope struct {
	Trigger     string         `json:"trigger"`
	Payload     any            `json:"payload"`
	Credentials map[string]any `json:"credentials"`
}

type reply struct {
	Data  json.RawMessage `json:"data"`
	Error json.RawMessage `json:"error"`
}

func (c *Client) credentials() map[string]any {
	cred := c.opt.Credentials
	m := map[string]any{}
	if cred.IP != "" {
		m[qauth.FieldIP] = cred.IP
	}
	if cred.Language != "" {
		m[qauth.FieldLanguage] = cred.Language
	}
	if cred.SecretKey != "" {
		field := qauth.FieldSecretKey
		if cred.Language == "nodejs" {
			field = qauth.FieldSecretJS
		}
		m[field] = cred.SecretKey
	}
	return m
}

// Call runs trigger with payload and decodes the data of the reply into out.
// out may be nil. An error reply is returned as *RemoteError.
func (c *Client) Call(ctx context.Context, trigger string, payload any, out any) error {
	data, err := c.CallRaw(ctx, trigger, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// CallRaw runs trigger and returns the raw JSON data of the reply.
func (c *Client) CallRaw(ctx context.Context, trigger string, payload any) (json.RawMessage, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if c.opt.TunnelPayload {
		msg, err := qwire.WrapMessage(payload)
		if err != nil {
			return nil, fmt.Errorf("wrap payload: %w", err)
		}
		payload = map[string]any{qwire.MessageField: msg}
	}
	body, err := json.Marshal(envelope{Trigger: trigger, Payload: payload, Credentials: c.credentials()})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.roundTrip(ctx, body)
	if err != nil {
		return nil, err
	}

	var r reply
	if err := json.Unmarshal(resp, &r); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if len(r.Error) > 0 && string(r.Error) != "null" {
		return nil, remoteError(r.Error)
	}
	return r.Data, nil
}

func remoteError(raw json.RawMessage) error {
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return &RemoteError{Message: msg}
	}
	var fields struct {
		Messages map[string]string `json:"messages"`
	}
	if err := json.Unmarshal(raw, &fields); err == nil && fields.Messages != nil {
		return &RemoteError{Message: "validation failed", Fields: fields.Messages}
	}
	return &RemoteError{Message: string(raw)}
}

// roundTrip sends one framed request on a new connection and returns the
// decompressed reply body.
func (c *Client) roundTrip(ctx context.Context, body []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opt.Timeout)
		defer cancel()
	}
	host, _, _ := net.SplitHostPort(c.opt.Addr)
	frame, err := qwire.EncodeRequest(c.opt.Path, host, body)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	if c.opt.TLSConfig != nil {
		d := &tls.Dialer{Config: c.opt.TLSConfig}
		conn, err = d.DialContext(ctx, "tcp", c.opt.Addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", c.opt.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opt.Addr, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	resp, err := qwire.ReadResponse(bufio.NewReader(conn), c.opt.MaxResponseBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyReply
		}
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return resp, nil
}
