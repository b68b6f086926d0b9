package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ProviderError reports a failed backend call: an HTTP error status, a
// timeout, a transport failure, or a malformed vendor response.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: provider error (%d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: provider error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same provider could succeed.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// ValidationError reports malformed caller input or an unsupported
// capability. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Validationf builds a ValidationError with a formatted message.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// statusError builds a ProviderError from a non-2xx vendor response.
func statusError(provider string, status int, body []byte) *ProviderError {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &ProviderError{Provider: provider, StatusCode: status, Message: msg}
}

// transportError classifies a failed round trip. Timeouts map to 504 and
// other transport failures to 502.
func transportError(provider string, err error) *ProviderError {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return &ProviderError{Provider: provider, StatusCode: http.StatusGatewayTimeout, Message: "request timed out", Err: err}
	case errors.Is(err, context.Canceled):
		return &ProviderError{Provider: provider, StatusCode: 499, Message: "request canceled", Err: err}
	default:
		return &ProviderError{Provider: provider, StatusCode: http.StatusBadGateway, Message: err.Error(), Err: err}
	}
}

// decodeError reports a vendor response that could not be parsed.
func decodeError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, StatusCode: http.StatusBadGateway, Message: "malformed response: " + err.Error(), Err: err}
}
