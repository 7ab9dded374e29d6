package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed taxonomy of client errors. Every failure surfaced by
// this package is an *Error carrying one of these kinds; callers branch on
// the kind, never on error strings.
type Kind int

const (
	// KindInvalidURL means a request or playback URL could not be built.
	KindInvalidURL Kind = iota
	// KindInvalidResponse means the server answered with something that is
	// not a usable HTTP response.
	KindInvalidResponse
	// KindUnauthorized covers 401 responses and local no-token rejections.
	KindUnauthorized
	// KindNotFound covers 404 responses.
	KindNotFound
	// KindRateLimited covers 429 responses.
	KindRateLimited
	// KindServerError covers 5xx responses.
	KindServerError
	// KindHTTPError covers any remaining non-2xx status.
	KindHTTPError
	// KindDecodingError means a successful response body failed to decode.
	KindDecodingError
	// KindNoData means a successful response carried no usable payload.
	KindNoData
	// KindNotReachable means no attempt ever completed a request.
	KindNotReachable
)

// String returns a stable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "invalid_url"
	case KindInvalidResponse:
		return "invalid_response"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindHTTPError:
		return "http_error"
	case KindDecodingError:
		return "decoding_error"
	case KindNoData:
		return "no_data"
	case KindNotReachable:
		return "not_reachable"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by the request engine. It carries enough
// for the caller to decide retry versus abort.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// StatusCode is the HTTP status for status-derived kinds, 0 otherwise.
	StatusCode int
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Cause != nil:
		return fmt.Sprintf("api: %s (status %d): %v", e.Kind, e.StatusCode, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("api: %s (status %d)", e.Kind, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("api: %s: %v", e.Kind, e.Cause)
	default:
		return fmt.Sprintf("api: %s", e.Kind)
	}
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether another attempt could plausibly succeed.
// Unauthorized, NotFound, and DecodingError are credential/data-shape
// problems that retries cannot fix; construction failures likewise.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUnauthorized, KindNotFound, KindDecodingError, KindInvalidURL, KindNoData:
		return false
	default:
		return true
	}
}

// classifyStatus maps a non-2xx HTTP status into the taxonomy.
func classifyStatus(code int) *Error {
	switch {
	case code == http.StatusUnauthorized:
		return &Error{Kind: KindUnauthorized, StatusCode: code}
	case code == http.StatusNotFound:
		return &Error{Kind: KindNotFound, StatusCode: code}
	case code == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, StatusCode: code}
	case code >= 500:
		return &Error{Kind: KindServerError, StatusCode: code}
	default:
		return &Error{Kind: KindHTTPError, StatusCode: code}
	}
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}
