// Package integrations holds the HTTP plumbing shared by the third-party API
// clients in its subpackages.
package integrations

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

	"github.com/ledgerline/opshub/internal/circuitbreaker"
	"github.com/ledgerline/opshub/internal/tracing"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

// ErrNotConfigured is returned by clients whose credentials are missing.
var ErrNotConfigured = errors.New("integration not configured")

// APIError is a non-2xx upstream response.
type APIError struct {
	Integration string
	StatusCode  int
	Body        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Integration, e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Options configures a Client.
type Options struct {
	Name    string
	BaseURL string
	// HTTPClient defaults to a 15s timeout client.
	HTTPClient circuitbreaker.HTTPDoer
	// RequestsPerSecond of 0 disables client-side limiting.
	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// Client sends JSON or form requests through a circuit breaker and a rate
// limiter.
type Client struct {
	name    string
	baseURL string
	doer    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		name:    opts.Name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		doer:    circuitbreaker.NewHTTPWrapper(opts.HTTPClient, opts.Name, opts.Logger),
		limiter: limiter,
		logger:  opts.Logger.With(zap.String("integration", opts.Name)),
	}
}

// Name returns the integration name.
func (c *Client) Name() string { return c.name }

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Breaker exposes the breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.doer.Breaker() }

// Request describes one API call. Path may be absolute (paging links).
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// JSON is encoded as the request body when set.
	JSON interface{}
	// Form is sent as application/x-www-form-urlencoded when set.
	Form url.Values

	Token     oauth2.TokenSource
	BasicUser string
	BasicPass string
	Bearer    string
	Headers   map[string]string
}

// Do performs req and decodes a JSON response into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out interface{}) error {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter: %w", c.name, err)
	}

	ctx, span := tracing.StartClientSpan(ctx, c.name, httpReq)
	httpReq = httpReq.WithContext(ctx)
	start := time.Now()

	resp, err := c.doer.Do(httpReq)
	if err != nil {
		tracing.EndSpan(span, err)
		return fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Integration request",
		zap.String("method", req.Method),
		zap.String("path", httpReq.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Integration: c.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		tracing.EndSpan(span, apiErr)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		tracing.EndSpan(span, nil)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%s response decode: %w", c.name, err)
		tracing.EndSpan(span, err)
		return err
	}
	tracing.EndSpan(span, nil)
	return nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("%s request encode: %w", c.name, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s request build: %w", c.name, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	switch {
	case req.Token != nil:
		tok, err := req.Token.Token()
		if err != nil {
			return nil, fmt.Errorf("%s token: %w", c.name, err)
		}
		tok.SetAuthHeader(httpReq)
	case req.Bearer != "":
		httpReq.Header.Set("Authorization", "Bearer "+req.Bearer)
	case req.BasicUser != "":
		httpReq.SetBasicAuth(req.BasicUser, req.BasicPass)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}
