package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/quantops"
	"github.com/xraph/quantops/job"
)

// HTTPClient talks to a trading engine over its REST API. It is safe for
// concurrent use; no client-side locking of the transport is performed.
type HTTPClient struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  *slog.Logger
}

// Compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) { c.token = token }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpc = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = l }
}

// NewHTTPClient creates a client for the engine at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// submitResponse is the engine's reply to an operation submission.
type submitResponse struct {
	Handle string `json:"handle"`
}

// Submit hands an operation to the engine and returns its handle.
func (c *HTTPClient) Submit(ctx context.Context, req *job.Request) (Handle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("engine: marshal request: %w", err)
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/api/operations", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", fmt.Errorf("engine: submit returned empty handle")
	}
	return Handle(resp.Handle), nil
}

// Status performs one side-effect-free status query.
func (c *HTTPClient) Status(ctx context.Context, h Handle) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/api/operations/"+string(h), nil, &st)
	return st, err
}

// Cancel requests best-effort cancellation of an operation.
func (c *HTTPClient) Cancel(ctx context.Context, h Handle) error {
	return c.do(ctx, http.MethodDelete, "/api/operations/"+string(h), nil, nil)
}

// SessionMetrics samples the live metrics of a running session.
func (c *HTTPClient) SessionMetrics(ctx context.Context, h Handle) (Metrics, error) {
	var m Metrics
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+string(h)+"/metrics", nil, &m)
	return m, err
}

// do executes one request and decodes the JSON response into out.
// Connection failures and 5xx responses become TransportError (retryable);
// auth and validation responses are fatal.
func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("engine: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	op := method + " " + path

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return &TransportError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s: status %d", ErrUnauthorized, op, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", quantops.ErrOperationNotFound, op)
	case resp.StatusCode >= 400:
		msg := readErrorBody(resp.Body)
		return fmt.Errorf("%w: %s: %s", quantops.ErrValidation, op, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// errorBody is the engine's error envelope.
type errorBody struct {
	Error string `json:"error"`
}

func readErrorBody(r io.Reader) string {
	var eb errorBody
	if err := json.NewDecoder(r).Decode(&eb); err != nil || eb.Error == "" {
		return "request rejected"
	}
	return eb.Error
}
