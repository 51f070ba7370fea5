package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	platformhttp "github.com/Alias1177/OddsCollector/internal/platform/http"
	"github.com/Alias1177/OddsCollector/internal/resilience"
)

// ErrorCode is the closed set of provider failure kinds.
type ErrorCode string

const (
	CodeBadRequest        ErrorCode = "BAD_REQUEST"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeServerError       ErrorCode = "SERVER_ERROR"
	CodeNoResponse        ErrorCode = "NO_RESPONSE"
	CodeRequestError      ErrorCode = "REQUEST_ERROR"
	CodeDecodeError       ErrorCode = "DECODE_ERROR"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeCanceled          ErrorCode = "CANCELED"
	CodeUnknown           ErrorCode = "UNKNOWN"
)

// APIError is the structured failure returned by provider clients and the registry.
type APIError struct {
	Provider   string            `json:"provider"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	StatusCode int               `json:"status_code,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// NewAPIError creates an APIError without an upstream status.
func NewAPIError(provider string, code ErrorCode, format string, args ...interface{}) *APIError {
	return &APIError{Provider: provider, Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeForStatus maps an HTTP status to an ErrorCode.
func CodeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return CodeBadRequest
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusTooManyRequests:
		return CodeRateLimitExceeded
	case status == http.StatusGatewayTimeout, status == http.StatusRequestTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeServerError
	}
	return CodeUnknown
}

// ClassifyError converts any error raised while talking to a provider into an APIError.
func ClassifyError(provider string, err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var statusErr *platformhttp.HTTPStatusError
	if errors.As(err, &statusErr) {
		out := &APIError{
			Provider:   provider,
			Code:       CodeForStatus(statusErr.StatusCode),
			Message:    err.Error(),
			StatusCode: statusErr.StatusCode,
		}
		if statusErr.Body != "" {
			out.Details = map[string]string{"body": statusErr.Body}
		}
		if retry := statusErr.Header.Get("Retry-After"); retry != "" {
			if out.Details == nil {
				out.Details = map[string]string{}
			}
			out.Details["retry_after"] = retry
		}
		return out
	}

	msg := safeMessage(err)
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return &APIError{Provider: provider, Code: CodeCircuitOpen, Message: msg}
	case errors.Is(err, resilience.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &APIError{Provider: provider, Code: CodeTimeout, Message: msg}
	case errors.Is(err, context.Canceled):
		return &APIError{Provider: provider, Code: CodeCanceled, Message: msg}
	}

	var transportErr *platformhttp.TransportError
	if errors.As(err, &transportErr) {
		return &APIError{Provider: provider, Code: CodeNoResponse, Message: msg}
	}

	return &APIError{Provider: provider, Code: CodeUnknown, Message: msg}
}

// safeMessage renders err without the request URL's query string. When the
// chain holds a *url.Error the message is rebuilt from its parts, since
// wrappers above it may have copied the raw URL into their own text.
func safeMessage(err error) string {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err.Error()
	}
	msg := fmt.Sprintf("%s %q: %v", urlErr.Op, platformhttp.RedactURL(urlErr.URL), urlErr.Err)
	var transportErr *platformhttp.TransportError
	if errors.As(err, &transportErr) {
		msg = "no response: " + msg
	}
	return msg
}
