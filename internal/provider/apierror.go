package provider

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError represents an error response from an upstream provider.
type APIError struct {
	Provider   string
	StatusCode int
	ErrorType  string // e.g. "ValidationException", from x-amzn-errortype
	RequestID  string
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("%s: HTTP %d %s: %s", e.Provider, e.StatusCode, e.ErrorType, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the HTTP status code for classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Retryable reports whether the request may succeed on another attempt,
// possibly with a different credential. Throttles and server faults are
// transient; auth and validation failures are not.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// AuthFailure reports whether the error indicates a bad or expired credential.
func (e *APIError) AuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// ContextOverflow reports whether the upstream rejected the request because
// the conversation exceeded the model's context window, signalled as HTTP
// 400 with a ValidationException error type. Body text is not inspected;
// upstreams vary their messages.
func (e *APIError) ContextOverflow() bool {
	return e.StatusCode == http.StatusBadRequest && strings.Contains(e.ErrorType, "ValidationException")
}

// ParseAPIError reads up to 4KB from the response body and returns an APIError
// carrying the upstream error type and request id headers when present.
func ParseAPIError(provider string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	errType := resp.Header.Get("x-amzn-errortype")
	// The header may carry a trailing URI, e.g. "ValidationException:http://...".
	if i := strings.IndexByte(errType, ':'); i >= 0 {
		errType = errType[:i]
	}
	return &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		ErrorType:  errType,
		RequestID:  resp.Header.Get("x-amzn-requestid"),
		Body:       string(body),
	}
}
