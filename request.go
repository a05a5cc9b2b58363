package quicfetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"strings"
	"time"

	"github.com/bc-dunia/quicfetch/internal/protocol"
)

// Request is an immutable request value. Build one with NewRequest;
// the setters return copies.
type Request struct {
	method  string
	url     *url.URL
	header  map[string][]string
	body    []byte
	timeout time.Duration

	contentType string
}

// Body is a request payload in one of the supported shapes.
type Body interface {
	encode() (data []byte, contentType string, err error)
}

// BytesBody is a raw byte payload.
type BytesBody struct {
	Data        []byte
	ContentType string
}

func (b BytesBody) encode() ([]byte, string, error) {
	ct := b.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return b.Data, ct, nil
}

// JSONBody marshals a value as application/json.
type JSONBody struct {
	Value any
}

func (b JSONBody) encode() ([]byte, string, error) {
	data, err := json.Marshal(b.Value)
	if err != nil {
		return nil, "", fmt.Errorf("quicfetch: marshal json body: %w", err)
	}
	return data, "application/json", nil
}

// FormBody encodes values as application/x-www-form-urlencoded.
type FormBody struct {
	Values url.Values
}

func (b FormBody) encode() ([]byte, string, error) {
	return []byte(b.Values.Encode()), "application/x-www-form-urlencoded", nil
}

// MultipartBody encodes fields and files as multipart/form-data.
type MultipartBody struct {
	Fields map[string]string
	Files  map[string]MultipartFile
}

// MultipartFile is one file part.
type MultipartFile struct {
	Filename string
	Content  io.Reader
}

func (b MultipartBody) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, value := range b.Fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("quicfetch: multipart field %q: %w", name, err)
		}
	}
	for name, file := range b.Files {
		part, err := w.CreateFormFile(name, file.Filename)
		if err != nil {
			return nil, "", fmt.Errorf("quicfetch: multipart file %q: %w", name, err)
		}
		if _, err := io.Copy(part, file.Content); err != nil {
			return nil, "", fmt.Errorf("quicfetch: multipart file %q: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// StreamBody reads the full payload from a reader at build time.
type StreamBody struct {
	Reader      io.Reader
	ContentType string
}

func (b StreamBody) encode() ([]byte, string, error) {
	data, err := io.ReadAll(b.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("quicfetch: read stream body: %w", err)
	}
	ct := b.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return data, ct, nil
}

// NewRequest validates the method and URL and returns an immutable
// request.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrorTypeBuilder, protocol.CodeInvalidURL,
			fmt.Sprintf("parse %q: %v", rawURL, err)).WithCause(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, protocol.NewError(protocol.ErrorTypeBuilder, protocol.CodeInvalidScheme,
			fmt.Sprintf("unsupported scheme %q", u.Scheme)).WithURL(rawURL)
	}
	if u.Host == "" {
		return nil, protocol.NewError(protocol.ErrorTypeBuilder, protocol.CodeInvalidURL,
			"missing host").WithURL(rawURL)
	}
	return &Request{
		method: strings.ToUpper(method),
		url:    u,
		header: map[string][]string{},
	}, nil
}

// Method returns the request method.
func (r *Request) Method() string { return r.method }

// URL returns a copy of the request URL.
func (r *Request) URL() *url.URL {
	u := *r.url
	return &u
}

// Header returns the header values for a name.
func (r *Request) Header(name string) []string {
	for k, v := range r.header {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// Timeout returns the per-request deadline, zero for the client
// default.
func (r *Request) Timeout() time.Duration { return r.timeout }

// WithHeader returns a copy with the header value appended. Names and
// values containing control characters are rejected at execution.
func (r *Request) WithHeader(name, value string) *Request {
	c := r.clone()
	c.header[name] = append(c.header[name], value)
	return c
}

// WithBody returns a copy carrying the encoded payload.
func (r *Request) WithBody(body Body) (*Request, error) {
	data, contentType, err := body.encode()
	if err != nil {
		return nil, err
	}
	c := r.clone()
	c.body = data
	c.contentType = contentType
	return c, nil
}

// WithTimeout returns a copy with a per-request deadline.
func (r *Request) WithTimeout(d time.Duration) *Request {
	c := r.clone()
	c.timeout = d
	return c
}

func (r *Request) clone() *Request {
	header := make(map[string][]string, len(r.header))
	for k, v := range r.header {
		header[k] = append([]string(nil), v...)
	}
	return &Request{
		method:      r.method,
		url:         r.url,
		header:      header,
		body:        r.body,
		timeout:     r.timeout,
		contentType: r.contentType,
	}
}

// validHeader rejects names and values with control bytes.
func validHeader(name, value string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r == ':' || r >= 0x7f {
			return false
		}
	}
	for _, r := range value {
		if r == '\r' || r == '\n' || r == 0 {
			return false
		}
	}
	return true
}
