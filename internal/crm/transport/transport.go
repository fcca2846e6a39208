// Package transport is the HTTP collaborator the doublet lookup talks to the
// CRM through. It knows about authentication, static headers, timeouts and
// outbound rate limiting, and nothing about pagination or contacts.
package transport

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

	"golang.org/x/time/rate"
)

// Doer is the minimal interface needed from an HTTP client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer receives the outcome of every round-trip. Status is 0 when no
// response was received.
type Observer interface {
	ObserveRequest(method string, status int, elapsed time.Duration)
}

// Config configures a Client
type Config struct {
	BaseURL    string
	APIToken   string
	Headers    map[string]string
	Timeout    time.Duration
	HTTPClient Doer
	Limiter    *rate.Limiter
	Observer   Observer
}

// Client sends JSON requests to the CRM REST API.
type Client struct {
	baseURL  string
	apiToken string
	headers  map[string]string
	client   Doer
	limiter  *rate.Limiter
	observer Observer
}

// New creates a CRM transport. A zero Timeout defaults to 10s; it only applies
// when no HTTPClient is injected.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiToken: cfg.APIToken,
		headers:  headers,
		client:   selectHTTPClient(cfg),
		limiter:  cfg.Limiter,
		observer: cfg.Observer,
	}
}

func selectHTTPClient(cfg Config) Doer {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}

	return &http.Client{
		Timeout: cfg.Timeout,
	}
}

// Request performs one round-trip and returns the response body for 2xx
// answers. A nil payload sends no body. Every failure is a *BackendError.
func (c *Client) Request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &BackendError{Method: method, Path: path, Underlying: fmt.Errorf("encode payload: %w", err)}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &BackendError{Method: method, Path: path, Underlying: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &BackendError{Method: method, Path: path, Underlying: limiterError(ctx, err)}
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.observe(method, 0, start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &BackendError{Method: method, Path: path, Underlying: fmt.Errorf("request timeout: %w", err)}
		}
		return nil, &BackendError{Method: method, Path: path, Underlying: err}
	}
	defer resp.Body.Close()
	c.observe(method, resp.StatusCode, start)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BackendError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Underlying: fmt.Errorf("read response: %w", err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &BackendError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       truncate(respBody),
		}
	}

	return respBody, nil
}

// limiterError keeps context errors in the chain. Wait gives up early, with
// its own error, when the next token would arrive after the deadline.
func limiterError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("rate limit wait: %w", ctxErr)
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("rate limit wait: %w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("rate limit wait: %w", err)
}

func (c *Client) observe(method string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRequest(method, status, time.Since(start))
	}
}
