// Package edge is a small client for the MAGUS backend's HTTP functions
// (chat-openai, chat-claude, chat-google, text-to-speech-google, ...).
//
// Functions live under <baseURL>/functions/v1/<name>, take a JSON body, and
// answer either with a JSON result or with {"error": "..."} and a non-2xx
// status. Requests carry the caller's bearer token.
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrUnauthorized is returned when no token is available or the backend
// rejects it.
var ErrUnauthorized = errors.New("edge: unauthorized")

// TokenFunc returns the bearer token for a request.
type TokenFunc func(ctx context.Context) (string, error)

// StatusError is a non-2xx function response.
type StatusError struct {
	Function   string
	StatusCode int

	// Message is the backend's {"error": ...} text, or the raw body when the
	// response was not JSON.
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("edge: %s: status %d: %s", e.Function, e.StatusCode, e.Message)
}

// Client invokes backend functions.
type Client struct {
	baseURL string
	token   TokenFunc
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sets the project key sent in the apikey header alongside the
// bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the overall per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		clone := *c.http
		clone.Timeout = d
		c.http = &clone
	}
}

// New returns a Client for the backend at baseURL. token may be nil for
// functions that need no user identity.
func New(baseURL string, token TokenFunc, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("edge: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "edge " + r.URL.Path
				}),
			),
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// URL returns the endpoint of the named function.
func (c *Client) URL(function string) string {
	return c.baseURL + "/functions/v1/" + function
}

// Invoke POSTs in as JSON to the named function and decodes the response
// into out.
func (c *Client) Invoke(ctx context.Context, function string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("edge: %s: encode request: %w", function, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(function), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("edge: %s: build request: %w", function, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("edge: %s: %w", function, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("edge: %s: read response: %w", function, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Function: function, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			se.Message = e.Error
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %w", ErrUnauthorized, se)
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("edge: %s: decode response: %w", function, err)
	}
	return nil
}
