package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper runs an http.Client behind a circuit breaker. Transport errors
// and 5xx responses count as failures; 4xx responses do not trip the breaker.
type HTTPWrapper struct {
	client *http.Client
	cb     *Breaker
	logger *zap.Logger
}

// NewHTTPWrapper wraps client with a named breaker using HTTPConfig tuning.
func NewHTTPWrapper(client *http.Client, name string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := Instrument(New(name, HTTPConfig(), logger))
	return &HTTPWrapper{client: client, cb: cb, logger: logger}
}

// Do executes the request through the breaker. When a 5xx trips the failure
// accounting the response is still returned to the caller with a nil error.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})

	RecordResult(hw.cb.Name(), err == nil)

	if _, ok := err.(*statusError); ok {
		return resp, nil
	}
	return resp, err
}

// State exposes the underlying breaker state.
func (hw *HTTPWrapper) State() State { return hw.cb.State() }

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }
