package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ferro-labs/llm-gateway/internal/version"
)

// Base provides the fields and HTTP plumbing shared by REST-based clients.
// Embed it to avoid repeating name, type, base URL and error handling.
type Base struct {
	name    string
	typ     Type
	baseURL string
	client  *http.Client
	headers map[string]string
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// Type returns the provider type.
func (b *Base) Type() Type { return b.typ }

// BaseURL returns the provider root URL without a trailing slash.
func (b *Base) BaseURL() string { return b.baseURL }

// bearerClient returns an HTTP client bounded by timeout. When apiKey is set
// every request carries it as a bearer token via an oauth2 static source.
func bearerClient(apiKey string, timeout time.Duration) *http.Client {
	if apiKey == "" {
		return &http.Client{Timeout: timeout}
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
	c := oauth2.NewClient(context.Background(), src)
	c.Timeout = timeout
	return c
}

func (b *Base) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// do sends req and converts transport failures and non-2xx statuses into
// *ProviderError. On success the caller owns the response body.
func (b *Base) do(req *http.Request) (*http.Response, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, transportError(b.name, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(b.name, resp.StatusCode, body)
	}
	return resp, nil
}

// doJSON sends body as JSON and decodes the response into out.
func (b *Base) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := b.newRequest(ctx, method, path, body)
	if err != nil {
		return &ProviderError{Provider: b.name, Message: "build request: " + err.Error(), Err: err}
	}
	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return decodeError(b.name, err)
	}
	return nil
}

// stream sends body and returns the open response for SSE consumption.
func (b *Base) stream(ctx context.Context, path string, body any) (*http.Response, error) {
	req, err := b.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, &ProviderError{Provider: b.name, Message: "build request: " + err.Error(), Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	return b.do(req)
}

// scanSSE reads a server-sent event stream and calls fn for every data
// payload with the most recent event name. Scanning stops at [DONE], at EOF,
// or when fn returns false.
func scanSSE(r io.Reader, fn func(event, data string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == SSEDone {
				return nil
			}
			if !fn(event, data) {
				return nil
			}
		case line == "":
			event = ""
		}
	}
	return scanner.Err()
}

// send delivers c unless ctx is done first.
func send(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func floatOr(p *float64, def *float64) *float64 {
	if p != nil {
		return p
	}
	return def
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}
