package llmgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ferro-labs/llm-gateway/providers"
)

// StatusClientClosedRequest is recorded when the caller abandons a call.
const StatusClientClosedRequest = 499

// RateLimitError reports that a provider's request window is exhausted.
// Dispatch to the provider resumes at ResetAt.
type RateLimitError struct {
	Provider string
	Limit    int
	ResetAt  time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit of %d requests exceeded, resets at %s",
		e.Provider, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter returns the wait until the window resets, rounded up to whole
// seconds and never less than one.
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d <= 0 {
		return time.Second
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}

// ProviderFailure is one candidate's failure inside an AggregateError.
type ProviderFailure struct {
	Provider string
	Model    string
	Err      error
}

// AggregateError is returned when every failover candidate failed. It
// unwraps to each underlying failure, so errors.As finds the individual
// ProviderError and RateLimitError values.
type AggregateError struct {
	Failures []ProviderFailure
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return fmt.Sprintf("all %d providers failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *AggregateError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// StatusCode maps a gateway error to the HTTP status reported to callers
// and stored on usage records.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var (
		ve  *providers.ValidationError
		ae  *AggregateError
		rle *RateLimitError
		pe  *providers.ProviderError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ae):
		return http.StatusBadGateway
	case errors.As(err, &rle):
		return http.StatusTooManyRequests
	case errors.As(err, &pe):
		if pe.StatusCode > 0 {
			return pe.StatusCode
		}
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// streamError ends a stream after chunks were already forwarded. It is
// never failed over: the caller has seen part of one provider's answer.
type streamError struct {
	err    error
	status int
}

func (e *streamError) Error() string { return e.err.Error() }

func (e *streamError) Unwrap() error { return e.err }
