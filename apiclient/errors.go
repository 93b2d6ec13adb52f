package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	autherrors "github.com/jrsteele09/jobboard-client/internal/errors"
	"github.com/jrsteele09/jobboard-client/inflight"
)

var (
	ErrUnauthenticated = autherrors.ErrUnauthenticated
	ErrTransport       = autherrors.ErrTransport
	ErrValidation      = autherrors.ErrValidation
	ErrSuperseded      = inflight.ErrSuperseded

	// ErrQueryOnRead is returned for a coalescable read with a query string.
	// Identical paths share one call, so the query could be answered with
	// another caller's response.
	ErrQueryOnRead = errors.New("query parameters are not supported on coalesced reads")
)

// APIError is a non-2xx response other than an unrecovered 401.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Is matches ErrValidation for 400 and 422 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrValidation &&
		(e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity)
}

// TransportError is a call that failed before a response was read.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newAPIError(method, path string, resp *Response) *APIError {
	var b errorBody
	_ = json.Unmarshal(resp.Body, &b)
	msg := b.Error
	if msg == "" {
		msg = b.Message
	}
	return &APIError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Message:    msg,
		Body:       resp.Body,
	}
}
