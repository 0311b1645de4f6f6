// Package api is the request/response client for the agent backend's HTTP
// endpoints. It is the fallback path when the realtime channel is down and
// the only path for listings and agent control.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentdeck/internal/otel"
	"github.com/basket/agentdeck/internal/shared"
)

const (
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 4096
)

var ErrEmptyID = errors.New("api: id is required")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Client calls the backend HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string        // e.g. "http://localhost:8000"
	HTTPClient *http.Client  // nil uses http.DefaultClient
	Timeout    time.Duration // per request; <= 0 uses DefaultTimeout
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otel.Metrics
	Now        func() time.Time
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Timeout: timeout}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// request is one call. route is the path template used for spans and
// metrics so ids do not explode their cardinality.
type request struct {
	method      string
	path        string
	route       string
	body        io.Reader
	contentType string
}

func jsonBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}

// do runs req and returns the response body of a 2xx reply.
func (c *Client) do(ctx context.Context, req request) (body []byte, err error) {
	ctx, traceID := shared.EnsureTraceID(ctx)
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	ctx, span := otel.StartClientSpan(ctx, c.Tracer, "api "+req.method+" "+req.route,
		otel.AttrHTTPRoute.String(req.route),
		attribute.String("http.request.method", req.method),
	)
	start := time.Now()
	defer func() {
		c.Metrics.RecordRequest(ctx, req.method, req.route, time.Since(start), err != nil)
		otel.EndSpan(span, err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, req.method, strings.TrimRight(c.BaseURL, "/")+req.path, req.body)
	if err != nil {
		return nil, fmt.Errorf("api %s %s: %w", req.method, req.path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", traceID)
	otel.InjectHeaders(ctx, httpReq.Header)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}

	resp, err := c.client().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("api %s %s: %w", req.method, req.path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method:     req.method,
			Path:       req.path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api %s %s: read body: %w", req.method, req.path, err)
	}
	c.logger().Debug("api request", "method", req.method, "route", req.route,
		"status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds(), "trace_id", traceID)
	return body, nil
}

// errorMessage extracts a human message from an error body. FastAPI style
// {"detail": ...} and {"error": ...} are recognised; otherwise the trimmed
// text is used.
func errorMessage(data []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if len(payload.Detail) > 0 {
			var s string
			if json.Unmarshal(payload.Detail, &s) == nil {
				return s
			}
			return string(payload.Detail)
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return shared.Redact(strings.TrimSpace(string(data)))
}
