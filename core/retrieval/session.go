// Package retrieval fetches test results and waivers from their upstream
// services. All HTTP traffic goes through a shared retrying session that
// turns transport failures into synthetic gateway responses, so callers
// always see an HTTP-shaped outcome.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
)

const (
	defaultTimeout   = 15 * time.Second
	retryMaxTries    = 3
	retryInitialWait = time.Second

	longPollTimeout  = 30 * time.Second
	longPollInterval = 30 * time.Second
	longPollDeadline = 300 * time.Second
)

// Response is the outcome of a session call. When the upstream never
// produced a usable answer the session synthesizes one: 504 for timeouts
// and retry exhaustion, 502 for connection and TLS failures.
type Response struct {
	StatusCode int
	Body       []byte
	// Synthetic is the transport error message for synthesized responses.
	Synthetic string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Error renders an upstream failure for propagation into decision errors.
func (r *Response) Error() string {
	if r.Synthetic != "" {
		return fmt.Sprintf("HTTP %d: %s", r.StatusCode, r.Synthetic)
	}
	return fmt.Sprintf("HTTP %d: %s", r.StatusCode, truncate(r.Body, 200))
}

// Data extracts a value from the JSON body by gjson path.
func (r *Response) Data(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// JSON unmarshals the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// Session is a retrying HTTP client. Requests are retried up to three
// times with exponential backoff on gateway-class statuses and connection
// errors; anything else is returned to the caller as-is.
type Session struct {
	client      *http.Client
	initialWait time.Duration

	// Long-poll pacing. Zero values fall back to the 30s/300s defaults.
	pollInterval time.Duration
	pollDeadline time.Duration
}

// NewSession builds a session with the given per-request timeout. A zero
// timeout uses the default.
func NewSession(timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Session{
		client:       &http.Client{Timeout: timeout},
		initialWait:  retryInitialWait,
		pollInterval: longPollInterval,
		pollDeadline: longPollDeadline,
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Get issues a GET. The returned response may be synthetic; it is never nil
// when err is nil.
func (s *Session) Get(ctx context.Context, rawURL string) (*Response, error) {
	return s.do(ctx, http.MethodGet, rawURL, nil)
}

// Head issues a HEAD.
func (s *Session) Head(ctx context.Context, rawURL string) (*Response, error) {
	return s.do(ctx, http.MethodHead, rawURL, nil)
}

// Post issues a POST with a JSON body.
func (s *Session) Post(ctx context.Context, rawURL string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return s.do(ctx, http.MethodPost, rawURL, payload)
}

func (s *Session) do(ctx context.Context, method, rawURL string, body []byte) (*Response, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	var timedOut bool
	operation := func() (*Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := s.client.Do(req)
		if err != nil {
			var urlErr *url.Error
			if errors.As(err, &urlErr) && urlErr.Timeout() {
				timedOut = true
			}
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if retryableStatus(resp.StatusCode) {
			timedOut = true
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return &Response{StatusCode: resp.StatusCode, Body: data}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialWait
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = retryInitialWait
	}
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(retryMaxTries))
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return nil, err
	}
	status := http.StatusBadGateway
	if timedOut {
		status = http.StatusGatewayTimeout
	}
	return &Response{StatusCode: status, Synthetic: err.Error()}, nil
}

// GetLongPoll issues GETs with an extended per-request timeout and keeps
// retrying synthetic connection failures until either a real answer arrives
// or the overall deadline passes. Timeouts are not retried here: the slow
// endpoint holds the connection open while recomputing, so a timeout means
// it genuinely did not finish. Used against endpoints that may be briefly
// unreachable while restarting.
func (s *Session) GetLongPoll(ctx context.Context, rawURL string) (*Response, error) {
	long := &Session{client: &http.Client{Timeout: longPollTimeout}, initialWait: s.initialWait}
	interval := s.pollInterval
	if interval <= 0 {
		interval = longPollInterval
	}
	pollFor := s.pollDeadline
	if pollFor <= 0 {
		pollFor = longPollDeadline
	}
	deadline := time.Now().Add(pollFor)

	for {
		resp, err := long.do(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		connFailed := resp.Synthetic != "" && resp.StatusCode == http.StatusBadGateway
		if !connFailed || time.Now().After(deadline) {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Future is an in-flight asynchronous request. Join blocks until it
// completes.
type Future struct {
	done chan struct{}
	resp *Response
	err  error
}

// GetAsync starts a GET in the background.
func (s *Session) GetAsync(ctx context.Context, rawURL string) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.resp, f.err = s.Get(ctx, rawURL)
	}()
	return f
}

// Join waits for the request to finish.
func (f *Future) Join() (*Response, error) {
	<-f.done
	return f.resp, f.err
}
