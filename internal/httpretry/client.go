package httpretry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds one attempt. Uploads and event streams
	// bypass this client and carry no timeout at all.
	DefaultTimeout = 6 * time.Second
	// DefaultMaxRetries is the total number of attempts, not extra tries.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the fixed pause between attempts. No jitter,
	// no exponential backoff.
	DefaultRetryDelay = time.Second
)

// RequestError is returned after every attempt has failed. It carries
// the last underlying cause.
type RequestError struct {
	Attempts int
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Client wraps an http.Client with a per-attempt timeout and a bounded
// fixed-delay retry policy.
type Client struct {
	base       *http.Client
	logger     *slog.Logger
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
}

// NewClient builds a client with the default policy. A timeout of 0
// disables the per-attempt deadline.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		base:       &http.Client{},
		logger:     logger,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
}

// WithPolicy overrides timeout, attempt count and delay. Zero values
// keep the current setting, a negative timeout disables the deadline.
func (c *Client) WithPolicy(timeout time.Duration, maxRetries int, retryDelay time.Duration) *Client {
	out := *c
	if timeout != 0 {
		out.timeout = timeout
		if timeout < 0 {
			out.timeout = 0
		}
	}
	if maxRetries > 0 {
		out.maxRetries = maxRetries
	}
	if retryDelay > 0 {
		out.retryDelay = retryDelay
	}
	return &out
}

// Do issues the request, retrying on transport failure or timeout.
// Requests with a body must carry GetBody so attempts can be replayed;
// http.NewRequest sets it for the common in-memory readers.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		return nil, errors.New("httpretry: request body is not replayable")
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		resp, err := c.attempt(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if c.logger != nil {
			c.logger.Warn("request attempt failed",
				"url", req.URL.String(), "attempt", attempt, "max", c.maxRetries, "error", err)
		}

		if attempt < c.maxRetries {
			select {
			case <-req.Context().Done():
				return nil, &RequestError{Attempts: attempt, Err: req.Context().Err()}
			case <-time.After(c.retryDelay):
			}
		}
	}
	return nil, &RequestError{Attempts: c.maxRetries, Err: lastErr}
}

func (c *Client) attempt(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	attempt := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		attempt.Body = body
	}

	resp, err := c.base.Do(attempt)
	if err != nil {
		cancel()
		return nil, err
	}
	// The deadline must outlive the response body read.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}

// Retry applies the bounded fixed-delay policy to an arbitrary
// operation, for calls that produce an identifier rather than a plain
// response.
func Retry[T any](ctx context.Context, maxRetries int, delay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return zero, &RequestError{Attempts: attempt, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
	}
	return zero, &RequestError{Attempts: maxRetries, Err: lastErr}
}
