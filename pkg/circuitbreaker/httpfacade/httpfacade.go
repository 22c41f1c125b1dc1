// Package httpfacade wraps net/http calls to a single downstream
// dependency behind a named circuit breaker, so every outbound call a
// service makes to another LIMS microservice shares one failure budget.
package httpfacade

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/xiebiao/tracseq-core/pkg/circuitbreaker"
	"github.com/xiebiao/tracseq-core/pkg/metrics"
)

// Client issues HTTP requests to a single base URL, guarded by a circuit
// breaker registered under name.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// New builds a facade over baseURL, registering (or reusing) a breaker
// named dependencyName in reg.
func New(reg *circuitbreaker.Registry, dependencyName, baseURL string, cfg circuitbreaker.Config) *Client {
	return &Client{
		name:    dependencyName,
		baseURL: baseURL,
		http:    &http.Client{},
		breaker: reg.Register(dependencyName, cfg),
	}
}

// Response is the minimal shape callers need: status code plus a fully
// drained, closed body.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (Response, error) {
	resp, err := circuitbreaker.Call(c.breaker, ctx, func(callCtx context.Context) (Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
		if err != nil {
			return Response{}, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return Response{}, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return Response{}, err
		}

		if resp.StatusCode >= 500 {
			// Only 5xx counts against the breaker — a 4xx means the
			// dependency is up and answering, just rejecting this request.
			return Response{}, &statusError{resp.StatusCode}
		}

		return Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header}, nil
	})

	metrics.IncCounterVec(metrics.CircuitBreakerRequests, map[string]string{"name": c.name, "result": requestResult(err)})
	return resp, err
}

// requestResult classifies a httpfacade call outcome for
// metrics.CircuitBreakerRequests: "rejected" means the breaker refused the
// call outright (open or over its concurrency cap), "failure" means the
// call ran and failed, "success" otherwise.
func requestResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrOverloaded):
		return "rejected"
	default:
		return "failure"
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, headers map[string]string) (Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, headers)
}

// Post issues a POST request with the given body.
func (c *Client) Post(ctx context.Context, path string, body []byte, headers map[string]string) (Response, error) {
	return c.do(ctx, http.MethodPost, path, body, headers)
}

// Put issues a PUT request with the given body.
func (c *Client) Put(ctx context.Context, path string, body []byte, headers map[string]string) (Response, error) {
	return c.do(ctx, http.MethodPut, path, body, headers)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, headers map[string]string) (Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, headers)
}

// Breaker exposes the underlying breaker for metrics/admin endpoints.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }
