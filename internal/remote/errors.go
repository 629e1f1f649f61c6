package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ErrorType classifies an unexpected remote status.
type ErrorType int

const (
	ErrorUnknown ErrorType = iota
	ErrorRateLimited
	ErrorNotFound
	ErrorForbidden
	ErrorServerError
	ErrorBadRequest
	ErrorUnauthorized
	ErrorTooLarge
)

func (t ErrorType) String() string {
	switch t {
	case ErrorRateLimited:
		return "rate_limited"
	case ErrorNotFound:
		return "not_found"
	case ErrorForbidden:
		return "forbidden"
	case ErrorServerError:
		return "server_error"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorUnauthorized:
		return "unauthorized"
	case ErrorTooLarge:
		return "too_large"
	default:
		return "unknown"
	}
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Code      int
	Type      ErrorType
	Message   string
	Retryable bool
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: unexpected status %d (%s)", e.Code, e.Type)
	}
	return fmt.Sprintf("remote: unexpected status %d (%s): %s", e.Code, e.Type, e.Message)
}

// Permanent reports that repeating the same request cannot succeed. The
// sync queue moves such items to the error lane without spending retries.
func (e *StatusError) Permanent() bool {
	return !e.Retryable
}

// errorBody is the JSON error shape the remote may send.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// statusError reads at most 512 bytes of the body and classifies resp.
func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	b = bytes.TrimSpace(b)
	return classify(resp.StatusCode, b)
}

func classify(code int, body []byte) *StatusError {
	e := &StatusError{Code: code, Message: string(body)}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		switch {
		case eb.Message != "":
			e.Message = eb.Message
		case eb.Error != "":
			e.Message = eb.Error
		}
	}

	switch code {
	case http.StatusTooManyRequests:
		e.Type, e.Retryable = ErrorRateLimited, true
	case http.StatusNotFound:
		e.Type = ErrorNotFound
	case http.StatusForbidden:
		e.Type = ErrorForbidden
	case http.StatusUnauthorized:
		// A rotated REMOTE_TOKEN fixes this without touching the item.
		e.Type, e.Retryable = ErrorUnauthorized, true
	case http.StatusRequestEntityTooLarge:
		e.Type = ErrorTooLarge
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		e.Type = ErrorBadRequest
	case http.StatusRequestTimeout:
		e.Type, e.Retryable = ErrorServerError, true
	default:
		switch {
		case code >= 500:
			e.Type, e.Retryable = ErrorServerError, true
		case code >= 400:
			e.Type = ErrorBadRequest
		default:
			e.Retryable = true
		}
	}
	return e
}
