package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// Request describes one backend call. Body is kept as bytes so the call can be
// re-issued after a refresh.
type Request struct {
	Method string
	Path   string
	// Query is not part of the in-flight key, so reads that would be coalesced
	// (GET, HEAD, OPTIONS) must not set it; Send rejects them with ErrQueryOnRead.
	Query  url.Values
	Header http.Header
	Body   []byte
}

// NewRequest creates a request without a body.
func NewRequest(method, path string) *Request {
	return &Request{Method: method, Path: path}
}

// NewJSONRequest creates a request whose body is v encoded as JSON.
func NewJSONRequest(method, path string, v any) (*Request, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Request{Method: method, Path: path, Header: h, Body: data}, nil
}

// NewMultipartRequest creates a request whose body is a multipart form with
// one file part named field. The file is read fully so the call can be
// re-issued.
func NewMultipartRequest(method, path, field, filename string, file io.Reader) (*Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, fmt.Errorf("build %s %s body: %w", method, path, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("build %s %s body: %w", method, path, err)
	}
	h := http.Header{}
	h.Set("Content-Type", w.FormDataContentType())
	return &Request{Method: method, Path: path, Header: h, Body: buf.Bytes()}, nil
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

func (r *Request) url(baseURL string) string {
	u := baseURL + "/" + strings.TrimLeft(r.Path, "/")
	if len(r.Query) == 0 {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + r.Query.Encode()
}

func (r *Request) httpRequest(ctx context.Context, baseURL string) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method(), r.url(baseURL), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// Response is a fully read backend response. Coalesced callers share the same
// Response, so it must be treated as read-only.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON decodes the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
