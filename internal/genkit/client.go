// Package genkit calls remote AI flows exposed over HTTP. Each flow accepts
// {"data": input} and answers {"result": output}, or {"error": {...}} on failure.
package genkit

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
)

// ErrFlow wraps failures reported by the flow itself rather than the transport.
var ErrFlow = errors.New("flow failed")

// Client invokes flows under one base URL.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient replaces the default transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a flow client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 30 * time.Second,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the flow server root.
func (c *Client) BaseURL() string { return c.baseURL }

type flowError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Run posts input to flow and decodes the result into out.
func (c *Client) Run(ctx context.Context, flow string, input, out any) error {
	body, err := json.Marshal(struct {
		Data any `json:"data"`
	}{Data: input})
	if err != nil {
		return fmt.Errorf("encode %s input: %w", flow, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+flow, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", flow, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", flow, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", flow, err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *flowError      `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: %s returned status %d", ErrFlow, flow, resp.StatusCode)
		}
		return fmt.Errorf("decode %s response: %w", flow, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%w: %s: %s %s", ErrFlow, flow, envelope.Error.Status, envelope.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrFlow, flow, resp.StatusCode)
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return fmt.Errorf("%w: %s returned no result", ErrFlow, flow)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", flow, err)
	}
	return nil
}

// Ping checks that the flow server answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("flow server unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("flow server unhealthy: %d", resp.StatusCode)
	}
	return nil
}
