package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBodySize = 1 << 20 // 1MB

const (
	defaultTimeout             = 10 * time.Second
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 60 * time.Second
)

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ridecast: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("ridecast: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is a [StatusError] with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// SweepResult is the outcome of a manual retention sweep.
type SweepResult struct {
	Deleted int    `json:"deleted"`
	Window  string `json:"window"`
	Error   string `json:"error,omitempty"`
}

// Client calls a ridecast server.
//
// Each call is bounded by the client timeout unless ctx ends first.
// Response bodies are limited to 1MB.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures a [Client].
type Option func(*Client)

// WithToken sends token as a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout. Defaults to 10 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient creates a client for the server at baseURL, for example
// "http://localhost:8080".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: defaultTimeout,
		httpClient: &http.Client{
			// no default timeout - we use per-request timeouts via context
			Transport: &http.Transport{
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListStreams returns the sorted stream keys.
func (c *Client) ListStreams(ctx context.Context) ([]string, error) {
	var out struct {
		Streams []string `json:"streams"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/streams", nil, &out); err != nil {
		return nil, err
	}
	return out.Streams, nil
}

// CreateStream creates an empty stream. An existing stream is a
// [StatusError] with status 409.
func (c *Client) CreateStream(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/streams", map[string]string{"name": name}, nil)
}

// Append adds one entry to the stream key and returns its id.
func (c *Client) Append(ctx context.Context, key string, fields map[string]string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{"fields": fields}
	if err := c.do(ctx, http.MethodPost, "/api/streams/"+url.PathEscape(key)+"/entries", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// DeleteStream removes the stream key. Deleting requires an admin token
// when the server has an admin secret.
func (c *Client) DeleteStream(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/api/streams/"+url.PathEscape(key), nil, nil)
}

// Sweep runs a retention sweep with the given window, or the server's
// configured window when window is empty.
//
// A sweep that deleted some streams before failing returns both the
// result and the error.
func (c *Client) Sweep(ctx context.Context, window string) (SweepResult, error) {
	path := "/api/admin/sweep"
	if window != "" {
		path += "?window=" + url.QueryEscape(window)
	}
	var out SweepResult
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

// Close closes idle connections. The client remains usable.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	c.httpClient.CloseIdleConnections()
}

// do sends one request. out is decoded from any response with a JSON body,
// including error responses.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if out != nil && len(data) > 0 {
		// error bodies may not match out; the status error below wins
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	return nil
}
