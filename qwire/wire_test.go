package qwire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	tests := []any{
		map[string]any{"data": float64(5)},
		map[string]any{"error": map[string]any{"messages": map[string]any{"num1": "missing"}}},
		[]any{"a", float64(1), true, nil},
		"",
		strings.Repeat("x", 100000),
	}
	for i, v := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			b, err := json.Marshal(v)
			if err != nil {
				t.Fatal(err)
			}
			z, err := Compress(b)
			if err != nil {
				t.Fatal(err)
			}
			if !IsGzip(z) {
				t.Fatal("compressed output lacks gzip magic")
			}
			plain, err := Decompress(z)
			if err != nil {
				t.Fatal(err)
			}
			var got any
			if err := json.Unmarshal(plain, &got); err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, v) {
				t.Fatalf("got %#v, want %#v", got, v)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	body := []byte(`{"trigger":"add"}`)
	z, err := Compress(body)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		raw      []byte
		zero     bool
		method   string
		path     string
		header   map[string]string
		body     string
		bodyFail bool
	}{
		{
			name:   "plain body",
			raw:    []byte("POST /rpc HTTP/1.1\r\nContent-Type: application/json\r\n\r\n" + string(body)),
			method: "POST",
			path:   "/rpc",
			header: map[string]string{"content-type": "application/json"},
			body:   string(body),
		},
		{
			name:   "gzip body",
			raw:    append([]byte("POST / HTTP/1.1\r\nContent-Encoding: gzip\r\n\r\n"), z...),
			method: "POST",
			path:   "/",
			header: map[string]string{"content-encoding": "gzip"},
			body:   string(body),
		},
		{
			name:     "broken gzip",
			raw:      []byte("POST / HTTP/1.1\r\n\r\n\x1f\x8bnot gzip"),
			method:   "POST",
			path:     "/",
			header:   map[string]string{},
			bodyFail: true,
		},
		{
			name: "no separator",
			raw:  []byte("POST / HTTP/1.1\r\nHost: x\r\n"),
			zero: true,
		},
		{
			name: "empty request line",
			raw:  []byte("\r\n\r\n{}"),
			zero: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Decode(tt.raw)
			if f.IsZero() != tt.zero {
				t.Fatalf("IsZero = %v, want %v", f.IsZero(), tt.zero)
			}
			if tt.zero {
				return
			}
			if f.Method != tt.method || f.Path != tt.path {
				t.Fatalf("request line = %q %q", f.Method, f.Path)
			}
			if !reflect.DeepEqual(f.Header, tt.header) {
				t.Fatalf("header = %v, want %v", f.Header, tt.header)
			}
			if tt.bodyFail {
				if f.BodyErr == nil {
					t.Fatal("expected body error")
				}
				return
			}
			if string(f.Body) != tt.body {
				t.Fatalf("body = %q, want %q", f.Body, tt.body)
			}
		})
	}
}

func TestEncodeFraming(t *testing.T) {
	body := []byte(`{"data":5}`)
	out, err := Encode(body)
	if err != nil {
		t.Fatal(err)
	}
	head, z, ok := bytes.Cut(out, []byte("\r\n\r\n"))
	if !ok {
		t.Fatal("no header separator")
	}
	want := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\nContent-Type: application/json\r\nContent-Encoding: gzip\r\nConnection: close", len(z))
	if string(head) != want {
		t.Fatalf("head = %q, want %q", head, want)
	}

	got, err := ReadResponse(bufio.NewReader(bytes.NewReader(out)), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("body = %q, want %q", got, body)
	}
}

func TestReadFrame(t *testing.T) {
	req, err := EncodeRequest("/", "localhost", []byte(`{"trigger":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	// Trailing bytes past Content-Length must not be consumed.
	r := bufio.NewReader(bytes.NewReader(append(append([]byte{}, req...), "garbage"...)))
	raw, err := ReadFrame(r, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, req) {
		t.Fatalf("frame mismatch")
	}
	f := Decode(raw)
	if string(f.Body) != `{"trigger":"ping"}` {
		t.Fatalf("body = %q", f.Body)
	}

	t.Run("no length reads to EOF", func(t *testing.T) {
		in := "POST / HTTP/1.1\r\n\r\n{\"trigger\":\"x\"}"
		raw, err := ReadFrame(bufio.NewReader(strings.NewReader(in)), 0)
		if err != nil {
			t.Fatal(err)
		}
		if string(raw) != in {
			t.Fatalf("raw = %q", raw)
		}
	})
	t.Run("too large", func(t *testing.T) {
		in := "POST / HTTP/1.1\r\nContent-Length: 1000\r\n\r\n"
		_, err := ReadFrame(bufio.NewReader(strings.NewReader(in)), 100)
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Fatalf("err = %v, want ErrFrameTooLarge", err)
		}
	})
	t.Run("bad length", func(t *testing.T) {
		in := "POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n"
		_, err := ReadFrame(bufio.NewReader(strings.NewReader(in)), 0)
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("err = %v, want ErrMalformedFrame", err)
		}
	})
}

func TestEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"trigger":"add","payload":{"num1":2},"credentials":{"ip":"1.2.3.4"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Trigger != "add" || env.Payload["num1"] != float64(2) || env.Credentials["ip"] != "1.2.3.4" {
		t.Fatalf("envelope = %+v", env)
	}

	env, err = DecodeEnvelope([]byte(`{"trigger":7,"payload":[1],"credentials":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Trigger != "" || len(env.Payload) != 0 || len(env.Credentials) != 0 {
		t.Fatalf("wrong-typed fields should decode empty: %+v", env)
	}

	if _, err := DecodeEnvelope([]byte(`{`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestMessageLayer(t *testing.T) {
	inner := map[string]any{"num1": float64(2), "num2": float64(3)}
	s, err := WrapMessage(inner)
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := UnwrapMessage(map[string]any{"message": s, "other": true})
	if err != nil || !ok {
		t.Fatalf("unwrap ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, inner) {
		t.Fatalf("got %v, want %v", got, inner)
	}

	outer := map[string]any{"message": "plain text, not base64!"}
	got, ok, err = UnwrapMessage(outer)
	if err == nil || ok {
		t.Fatalf("expected failure, ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, outer) {
		t.Fatal("outer payload must be returned unchanged on failure")
	}

	noMsg := map[string]any{"message": 5}
	got, ok, err = UnwrapMessage(noMsg)
	if err != nil || ok || !reflect.DeepEqual(got, noMsg) {
		t.Fatal("non-string message must be left alone")
	}
}
