package provider

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func errorResponse(status int, errType, body string) *http.Response {
	rec := httptest.NewRecorder()
	if errType != "" {
		rec.Header().Set("x-amzn-errortype", errType)
	}
	rec.Header().Set("x-amzn-requestid", "req-1")
	rec.WriteHeader(status)
	io.WriteString(rec, body)
	return rec.Result()
}

func TestParseAPIErrorStripsHeaderURI(t *testing.T) {
	t.Parallel()

	resp := errorResponse(400, "ValidationException:http://internal", "bad input")
	e := ParseAPIError("kiro", resp)
	if e.ErrorType != "ValidationException" {
		t.Errorf("error type = %q", e.ErrorType)
	}
	if e.RequestID != "req-1" {
		t.Errorf("request id = %q", e.RequestID)
	}
	if !strings.Contains(e.Error(), "HTTP 400") {
		t.Errorf("message = %q", e.Error())
	}
}

func TestContextOverflowIgnoresBodyText(t *testing.T) {
	t.Parallel()

	// The overflow signal is status 400 plus a ValidationException type;
	// the body message varies by upstream and must not matter.
	e := ParseAPIError("kiro", errorResponse(400, "ValidationException:http://internal", "Improperly formed request."))
	if !e.ContextOverflow() {
		t.Error("400 ValidationException not classified as overflow")
	}

	e = ParseAPIError("kiro", errorResponse(400, "ValidationException", "Input is too long for requested model."))
	if !e.ContextOverflow() {
		t.Error("400 ValidationException not classified as overflow")
	}

	e = ParseAPIError("kiro", errorResponse(500, "", "the context window was exceeded"))
	if e.ContextOverflow() {
		t.Error("non-400 classified as overflow on body text alone")
	}

	e = ParseAPIError("kiro", errorResponse(400, "ThrottlingException", "slow down"))
	if e.ContextOverflow() {
		t.Error("400 without ValidationException classified as overflow")
	}
}

func TestRetryableAndAuthClassification(t *testing.T) {
	t.Parallel()

	for _, status := range []int{429, 500, 503} {
		if !(&APIError{StatusCode: status}).Retryable() {
			t.Errorf("status %d not retryable", status)
		}
	}
	for _, status := range []int{400, 401, 404} {
		if (&APIError{StatusCode: status}).Retryable() {
			t.Errorf("status %d retryable", status)
		}
	}
	for _, status := range []int{401, 403} {
		if !(&APIError{StatusCode: status}).AuthFailure() {
			t.Errorf("status %d not an auth failure", status)
		}
	}
}
