package circuitbreaker

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPDoer is satisfied by *http.Client and *HTTPWrapper.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPWrapper sends requests through a breaker. 5xx responses count as
// breaker failures but are still returned to the caller; 4xx never trip it.
type HTTPWrapper struct {
	client HTTPDoer
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewHTTPWrapper builds an instrumented breaker named after the upstream.
func NewHTTPWrapper(client HTTPDoer, name string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := Instrument(New(name, Settings(KindHTTP), logger))
	return &HTTPWrapper{client: client, cb: cb, logger: logger}
}

// Breaker exposes the underlying breaker for health reporting.
func (hw *HTTPWrapper) Breaker() *CircuitBreaker { return hw.cb }

func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	})
	recordResult(hw.cb.name, err)

	if _, ok := err.(*StatusError); ok {
		return resp, nil
	}
	if err != nil {
		hw.logger.Debug("Upstream request failed",
			zap.String("breaker", hw.cb.name),
			zap.String("method", req.Method),
			zap.String("host", req.URL.Host),
			zap.Error(err))
	}
	return resp, err
}

// StatusError marks a 5xx response for breaker accounting.
type StatusError struct{ Code int }

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.Code, http.StatusText(e.Code))
}
