package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petal-labs/nodeflow/core"
	"github.com/petal-labs/nodeflow/render"
)

// HTTPClient abstracts outbound HTTP execution.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	DefaultHTTPRequestVariable = "httpRequest"
	DefaultHTTPRequestTimeout  = 30 * time.Second

	// maxErrorBody bounds how much of a failed response is quoted in errors.
	maxErrorBody = 512
)

var allowedHTTPMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// HTTPRequestConfig is the normalized data of an HTTP_REQUEST node.
type HTTPRequestConfig struct {
	Endpoint     string
	Method       string
	Body         string
	Headers      map[string]string
	VariableName string
	Timeout      time.Duration
}

// ParseHTTPRequestConfig normalizes HTTP_REQUEST node data. The returned
// error is a *core.NodeValidationError without node identity; executors
// fill in NodeID and NodeType.
func ParseHTTPRequestConfig(m map[string]any) (HTTPRequestConfig, error) {
	cfg := HTTPRequestConfig{
		Endpoint:     configString(m, "endpoint"),
		Method:       strings.ToUpper(configString(m, "method")),
		Headers:      configStringMap(m, "headers"),
		VariableName: configVariableName(m, DefaultHTTPRequestVariable),
		Timeout:      configDuration(m, "timeout"),
	}

	switch body := m["body"].(type) {
	case string:
		cfg.Body = body
	case nil:
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return HTTPRequestConfig{}, &core.NodeValidationError{Field: "body", Message: "must be a string or JSON value"}
		}
		cfg.Body = string(encoded)
	}

	if cfg.Endpoint == "" {
		return HTTPRequestConfig{}, &core.NodeValidationError{Field: "endpoint", Message: "is required"}
	}
	if static := render.StripPlaceholders(cfg.Endpoint); static != "" {
		if _, err := url.Parse(static); err != nil {
			return HTTPRequestConfig{}, &core.NodeValidationError{Field: "endpoint", Message: "must be a valid URL"}
		}
		if !render.HasPlaceholders(cfg.Endpoint) {
			if err := checkAbsoluteURL(cfg.Endpoint); err != nil {
				return HTTPRequestConfig{}, &core.NodeValidationError{Field: "endpoint", Message: err.Error()}
			}
		}
	}

	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if !allowedHTTPMethods[cfg.Method] {
		return HTTPRequestConfig{}, &core.NodeValidationError{
			Field:   "method",
			Message: fmt.Sprintf("%q must be one of GET, POST, PUT, PATCH, DELETE, OPTIONS", cfg.Method),
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPRequestTimeout
	}
	return cfg, nil
}

func checkAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http or https URL")
	}
	return nil
}

func sendsBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// HTTPRequest issues the configured HTTP call and stores
// {httpResponse: {data, status, statusText, headers}} under the node's
// variable name.
type HTTPRequest struct {
	Client   HTTPClient
	Renderer render.Renderer
	Logger   *slog.Logger
}

// Execute implements Executor.
func (e *HTTPRequest) Execute(ctx context.Context, in Input) (core.ExecutionContext, error) {
	l := begin(in, e.Logger)

	cfg, err := ParseHTTPRequestConfig(in.Data)
	if err != nil {
		return l.fail(withNode(err, in))
	}

	vars := in.Context.Snapshot()
	endpoint, err := e.renderer().Render(cfg.Endpoint, vars)
	if err != nil {
		return l.invalid("endpoint", err.Error())
	}
	if err := checkAbsoluteURL(strings.TrimSpace(endpoint)); err != nil {
		return l.invalid("endpoint", fmt.Sprintf("rendered value %q %s", endpoint, err.Error()))
	}
	endpoint = strings.TrimSpace(endpoint)

	var body string
	if sendsBody(cfg.Method) && cfg.Body != "" {
		if body, err = e.renderer().Render(cfg.Body, vars); err != nil {
			return l.invalid("body", err.Error())
		}
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		if headers[k], err = e.renderer().Render(v, vars); err != nil {
			return l.invalid("headers."+k, err.Error())
		}
	}

	out, err := l.step(ctx, "http-request", func(ctx context.Context) (any, error) {
		return e.do(ctx, in, cfg, endpoint, body, headers)
	})
	if err != nil {
		return l.fail(err)
	}
	return l.succeed(cfg.VariableName, map[string]any{"httpResponse": out})
}

func (e *HTTPRequest) do(ctx context.Context, in Input, cfg HTTPRequestConfig, endpoint, body string, headers map[string]string) (map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, cfg.Method, endpoint, reader)
	if err != nil {
		return nil, externalError(in, 0, "build request", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, externalError(in, 0, fmt.Sprintf("%s %s failed", cfg.Method, endpoint), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, externalError(in, resp.StatusCode, "read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, externalError(in, resp.StatusCode,
			fmt.Sprintf("%s %s returned status %d: %s", cfg.Method, endpoint, resp.StatusCode, truncate(string(raw), maxErrorBody)), nil)
	}

	return map[string]any{
		"data":       decodeResponseBody(resp.Header.Get("Content-Type"), raw),
		"status":     resp.StatusCode,
		"statusText": http.StatusText(resp.StatusCode),
		"headers":    responseHeaders(resp.Header),
	}, nil
}

func (e *HTTPRequest) client() HTTPClient {
	if e.Client == nil {
		return http.DefaultClient
	}
	return e.Client
}

func (e *HTTPRequest) renderer() render.Renderer {
	if e.Renderer == nil {
		return render.Handlebars
	}
	return e.Renderer
}

// decodeResponseBody parses JSON responses and returns everything else as
// text. A JSON content type with a malformed body also falls back to text.
func decodeResponseBody(contentType string, raw []byte) any {
	if strings.Contains(strings.ToLower(contentType), "json") && len(bytes.TrimSpace(raw)) > 0 {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func responseHeaders(headers http.Header) map[string]any {
	if len(headers) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(headers))
	for key, values := range headers {
		out[strings.ToLower(key)] = strings.Join(values, ", ")
	}
	return out
}

func externalError(in Input, status int, msg string, cause error) *core.ExternalCallError {
	return &core.ExternalCallError{
		NodeID:     in.NodeID,
		NodeType:   in.NodeType,
		StatusCode: status,
		Message:    msg,
		Cause:      cause,
	}
}

// withNode stamps node identity onto a config validation error.
func withNode(err error, in Input) error {
	if ve, ok := err.(*core.NodeValidationError); ok {
		ve.NodeID = in.NodeID
		ve.NodeType = in.NodeType
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// MockHTTPClient is a mock HTTP client for tests.
type MockHTTPClient struct {
	Requests   []*http.Request
	Response   *http.Response
	Error      error
	StatusCode int
}

// NewMockHTTPClient creates a new mock HTTP client.
func NewMockHTTPClient(statusCode int) *MockHTTPClient {
	return &MockHTTPClient{StatusCode: statusCode, Requests: make([]*http.Request, 0)}
}

// Do implements HTTPClient.
func (c *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.Requests = append(c.Requests, req)
	if c.Error != nil {
		return nil, c.Error
	}
	if c.Response != nil {
		return c.Response, nil
	}
	return &http.Response{
		StatusCode: c.StatusCode,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader([]byte{})),
	}, nil
}

var _ HTTPClient = (*MockHTTPClient)(nil)
