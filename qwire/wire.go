// Package qwire implements the framing used between trigger clients and the
// server: an HTTP-like header block followed by a gzip or plain JSON body.
package qwire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Frame limits.
const (
	MaxHeaderBytes = 64 * 1024
	DefaultMaxBody = 16 * 1024 * 1024
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the read limit.
	ErrFrameTooLarge = errors.New("qwire: frame too large")
	// ErrMalformedFrame is returned when a frame cannot be parsed.
	ErrMalformedFrame = errors.New("qwire: malformed frame")
)

var (
	headerSep = []byte("\r\n\r\n")
	gzipMagic = []byte{0x1f, 0x8b}
)

// Frame is a decoded request frame.
type Frame struct {
	Method  string
	Path    string
	Version string
	Header  map[string]string // Keys are lower case.
	Body    []byte            // Decompressed body.
	BodyErr error             // Set when the body could not be decompressed.
}

// IsZero reports whether the frame is the empty parse result.
func (f Frame) IsZero() bool {
	return f.Method == "" && f.Header == nil && f.Body == nil && f.BodyErr == nil
}

// Decode parses raw request bytes. Malformed input returns the zero Frame.
func Decode(raw []byte) Frame {
	head, body, ok := bytes.Cut(raw, headerSep)
	if !ok {
		return Frame{}
	}
	lines := strings.Split(string(head), "\r\n")
	reqLine := strings.Fields(lines[0])
	if len(reqLine) == 0 {
		return Frame{}
	}
	f := Frame{
		Method: reqLine[0],
		Header: make(map[string]string, len(lines)-1),
	}
	if len(reqLine) > 1 {
		f.Path = reqLine[1]
	}
	if len(reqLine) > 2 {
		f.Version = reqLine[2]
	}
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		f.Header[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	if IsGzip(body) {
		plain, err := Decompress(body)
		if err != nil {
			f.BodyErr = err
			return f
		}
		body = plain
	}
	f.Body = body
	return f
}

// ReadFrame reads one request frame from r. The header block is read up to
// the blank line, then Content-Length bytes of body, or everything up to EOF
// when no length is declared. The whole frame is bounded by limit.
func ReadFrame(r *bufio.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	var buf bytes.Buffer
	contentLength := int64(-1)
	for {
		line, err := r.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			if errors.Is(err, io.EOF) && buf.Len() == 0 && len(line) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		buf.Write(line)
		if buf.Len() > MaxHeaderBytes {
			return nil, ErrFrameTooLarge
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if bytes.HasSuffix(buf.Bytes(), headerSep) {
			break
		}
		k, v, ok := strings.Cut(string(line), ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), "content-length") {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, strings.TrimSpace(v))
			}
			contentLength = n
		}
	}
	remain := limit - int64(buf.Len())
	if contentLength > remain {
		return nil, ErrFrameTooLarge
	}
	if contentLength >= 0 {
		if _, err := io.CopyN(&buf, r, contentLength); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return buf.Bytes(), nil
	}
	n, err := io.Copy(&buf, io.LimitReader(r, remain+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if n > remain {
		return nil, ErrFrameTooLarge
	}
	return buf.Bytes(), nil
}

// Encode compresses body and frames it as a status 200 response.
func Encode(body []byte) ([]byte, error) {
	z, err := Compress(body)
	if err != nil {
		return nil, err
	}
	return EncodeCompressed(z), nil
}

// EncodeCompressed frames an already gzip-compressed body.
func EncodeCompressed(z []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(z) + 160)
	buf.WriteString("HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(z))
	buf.WriteString("Content-Type: application/json\r\n")
	buf.WriteString("Content-Encoding: gzip\r\n")
	buf.WriteString("Connection: close\r\n\r\n")
	buf.Write(z)
	return buf.Bytes()
}

// EncodeRequest frames body as a POST request with a gzip body.
func EncodeRequest(path, host string, body []byte) ([]byte, error) {
	if path == "" {
		path = "/"
	}
	z, err := Compress(body)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "POST %s HTTP/1.1\r\n", path)
	if host != "" {
		fmt.Fprintf(&buf, "Host: %s\r\n", host)
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(z))
	buf.WriteString("Content-Type: application/json\r\n")
	buf.WriteString("Content-Encoding: gzip\r\n\r\n")
	buf.Write(z)
	return buf.Bytes(), nil
}

// ReadResponse reads a response frame from r and returns its decompressed body.
func ReadResponse(r *bufio.Reader, limit int64) ([]byte, error) {
	raw, err := ReadFrame(r, limit)
	if err != nil {
		return nil, err
	}
	f := Decode(raw)
	if f.IsZero() {
		return nil, ErrMalformedFrame
	}
	if f.Method != "HTTP/1.1" && f.Method != "HTTP/1.0" {
		return nil, fmt.Errorf("%w: status line %q", ErrMalformedFrame, f.Method)
	}
	if f.BodyErr != nil {
		return nil, f.BodyErr
	}
	return f.Body, nil
}

// IsGzip reports whether b starts with the gzip magic number.
func IsGzip(b []byte) bool {
	return bytes.HasPrefix(b, gzipMagic)
}

// Compress gzip-compresses b.
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return out, nil
}
