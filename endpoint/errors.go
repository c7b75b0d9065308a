package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed request.
type Kind int

const (
	// KindServer means the server responded with a non-2xx status.
	KindServer Kind = iota + 1
	// KindTransport means the request was sent but no response arrived.
	KindTransport
	// KindConstruction means the request could not be built or sent at all.
	KindConstruction
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindTransport:
		return "transport"
	case KindConstruction:
		return "construction"
	default:
		return "unknown"
	}
}

// RequestError is the normalized failure of a Fetch or Write. Error() returns
// Message, which is all that error displays depend on.
type RequestError struct {
	Kind    Kind
	Method  string
	URL     string
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// serverError builds a KindServer error from a non-2xx response. body is the raw
// response body; an "error" text field is appended when present.
func serverError(method, url string, status int, body []byte) *RequestError {
	var eb struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &eb)

	return &RequestError{
		Kind:    KindServer,
		Method:  method,
		URL:     url,
		Status:  status,
		Message: fmt.Sprintf("%s request failed with status %d : %s", strings.ToUpper(method), status, eb.Error),
		Err:     errors.New(http.StatusText(status)),
	}
}

func transportError(method, url, base string, err error) *RequestError {
	return &RequestError{
		Kind:    KindTransport,
		Method:  method,
		URL:     url,
		Message: "Network error sending request to " + base,
		Err:     err,
	}
}

func constructionError(method, url, base string, err error) *RequestError {
	return &RequestError{
		Kind:    KindConstruction,
		Method:  method,
		URL:     url,
		Message: "Unknown error sending request to " + base,
		Err:     err,
	}
}

// KindOf reports the Kind of err, or 0 if err is not a *RequestError.
func KindOf(err error) Kind {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}
