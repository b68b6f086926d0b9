package llmgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/ferro-labs/llm-gateway/providers"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", providers.Validationf("messages", "empty"), http.StatusBadRequest},
		{"wrapped validation", fmt.Errorf("resolve: %w", providers.Validationf("model", "unknown")), http.StatusBadRequest},
		{"rate limit", &RateLimitError{Provider: "a", Limit: 1}, http.StatusTooManyRequests},
		{"provider status", &providers.ProviderError{Provider: "a", StatusCode: http.StatusServiceUnavailable}, http.StatusServiceUnavailable},
		{"provider without status", &providers.ProviderError{Provider: "a", Message: "reset"}, http.StatusBadGateway},
		{"aggregate", &AggregateError{Failures: []ProviderFailure{{Provider: "a", Err: &RateLimitError{Provider: "a"}}}}, http.StatusBadGateway},
		{"canceled", context.Canceled, StatusClientClosedRequest},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusCode(tt.err); got != tt.want {
				t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestRateLimitError_RetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		reset time.Time
		want  time.Duration
	}{
		{now.Add(1500 * time.Millisecond), 2 * time.Second},
		{now.Add(30 * time.Second), 30 * time.Second},
		{now, time.Second},
		{now.Add(-time.Minute), time.Second},
	}
	for _, tt := range tests {
		e := &RateLimitError{Provider: "a", Limit: 10, ResetAt: tt.reset}
		if got := e.RetryAfter(now); got != tt.want {
			t.Errorf("RetryAfter(reset=%v) = %v, want %v", tt.reset.Sub(now), got, tt.want)
		}
	}
}

func TestAggregateError_Unwrap(t *testing.T) {
	pe := &providers.ProviderError{Provider: "a", StatusCode: 500, Message: "boom"}
	rle := &RateLimitError{Provider: "b", Limit: 3}
	err := error(&AggregateError{Failures: []ProviderFailure{
		{Provider: "a", Model: "m", Err: pe},
		{Provider: "b", Model: "m", Err: rle},
	}})

	var gotPE *providers.ProviderError
	if !errors.As(err, &gotPE) || gotPE != pe {
		t.Error("errors.As did not find the ProviderError")
	}
	var gotRLE *RateLimitError
	if !errors.As(err, &gotRLE) || gotRLE != rle {
		t.Error("errors.As did not find the RateLimitError")
	}
	if want := "all 2 providers failed: "; len(err.Error()) < len(want) || err.Error()[:len(want)] != want {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestPublicError_StripsStreamWrapper(t *testing.T) {
	inner := errors.New("reset")
	if got := publicError(&streamError{err: inner, status: 502}); got != inner {
		t.Errorf("publicError = %v, want inner error", got)
	}
	if got := publicError(inner); got != inner {
		t.Errorf("publicError changed a plain error: %v", got)
	}
}

func TestCombine(t *testing.T) {
	now := time.Now()
	early := &RateLimitError{Provider: "b", ResetAt: now.Add(time.Second)}
	late := &RateLimitError{Provider: "a", ResetAt: now.Add(time.Minute)}

	if got := combine([]ProviderFailure{{Provider: "a", Err: late}, {Provider: "b", Err: early}}); got != early {
		t.Errorf("combine(all rate limited) = %v, want earliest", got)
	}
	mixed := combine([]ProviderFailure{{Provider: "a", Err: late}, {Provider: "b", Err: errors.New("x")}})
	var ae *AggregateError
	if !errors.As(mixed, &ae) || len(ae.Failures) != 2 {
		t.Errorf("combine(mixed) = %v, want AggregateError", mixed)
	}
}

func TestBackoffFor(t *testing.T) {
	if got := backoffFor(0, 3); got != 0 {
		t.Errorf("zero base = %v", got)
	}
	if got := backoffFor(100*time.Millisecond, 2); got != 400*time.Millisecond {
		t.Errorf("backoffFor(100ms, 2) = %v", got)
	}
	if got := backoffFor(time.Second, 20); got != maxRetryBackoff {
		t.Errorf("backoff not capped: %v", got)
	}
}
