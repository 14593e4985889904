// Package fetch is the HTTP client shared by every source adapter. Requests
// are retried with capped exponential backoff on transport failures and
// non-2xx responses; response parsing is left to callers and never retried.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/adalyuf/flutracker/internal/config"
	"github.com/adalyuf/flutracker/internal/observability"
	"golang.org/x/time/rate"
)

// UserAgent identifies the service to upstream publishers.
const UserAgent = "FluTracker/1.0 (Public Health Research)"

const (
	defaultAttempts   = 3
	defaultBackoffMin = 2 * time.Second
	defaultBackoffMax = 30 * time.Second
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// permanentError marks a failure no retry can fix, such as a request that
// cannot be built.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Client performs GET and POST requests with bounded retries.
type Client struct {
	httpClient *http.Client
	attempts   int
	backoffMin time.Duration
	backoffMax time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// Option customizes a Client.
type Option func(*Client)

// WithAttempts sets the total number of attempts per request.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBackoff sets the first retry delay and the cap it doubles towards.
func WithBackoff(initial, maxBackoff time.Duration) Option {
	return func(c *Client) {
		c.backoffMin = initial
		c.backoffMax = maxBackoff
	}
}

// WithRateLimit enforces a minimum delay between consecutive requests,
// including retries.
func WithRateLimit(minInterval time.Duration) Option {
	return func(c *Client) {
		if minInterval > 0 {
			c.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
		}
	}
}

// WithTimeout overrides the per-request timeout, which covers reading the
// body. Streaming downloads of large files need a generous value.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics records attempt outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client with the given per-request timeout.
func New(timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: newHTTPClient(timeout),
		attempts:   defaultAttempts,
		backoffMin: defaultBackoffMin,
		backoffMax: defaultBackoffMax,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig creates a Client using the FETCH_* settings.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Client {
	base := []Option{
		WithAttempts(cfg.FetchAttempts),
		WithBackoff(cfg.FetchBackoffMin, cfg.FetchBackoffMax),
		WithMetrics(metrics),
	}
	return New(cfg.FetchTimeout, logger, append(base, opts...)...)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// Get fetches rawURL with params merged into its query string and returns the body.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	target, err := withParams(rawURL, params)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, target, "", nil)
}

// Post sends body to rawURL and returns the response body.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, rawURL, contentType, body)
}

// Stream opens rawURL for incremental reading. Only establishing the response
// is retried; the caller owns and must close the returned body.
func (c *Client) Stream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := c.retry(ctx, rawURL, func() error {
		resp, err := c.send(ctx, http.MethodGet, rawURL, "", nil)
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	return body, err
}

func (c *Client) do(ctx context.Context, method, target, contentType string, payload []byte) ([]byte, error) {
	var out []byte
	err := c.retry(ctx, target, func() error {
		resp, err := c.send(ctx, method, target, contentType, payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		out = b
		return nil
	})
	return out, err
}

// send issues one request. Non-2xx responses are drained, closed and
// reported as *StatusError.
func (c *Client) send(ctx context.Context, method, target, contentType string, payload []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &permanentError{fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: target, Body: string(snippet)}
	}
	return resp, nil
}

func (c *Client) retry(ctx context.Context, target string, fn func() error) error {
	backoff := c.backoffMin
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = fn(); err == nil {
			c.observe("success")
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			c.observe("error")
			return perm.err
		}
		if ctx.Err() != nil {
			c.observe("error")
			return err
		}
		if attempt == c.attempts {
			break
		}

		c.observe("retry")
		if c.metrics != nil {
			c.metrics.FetchRetries.Inc()
		}
		c.logger.Warn("fetch retry",
			"url", target,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if !sleepWithContext(ctx, backoff) {
			return errors.Join(err, ctx.Err())
		}
		backoff = nextBackoff(backoff, c.backoffMax)
	}
	c.observe("error")
	return fmt.Errorf("after %d attempts: %w", c.attempts, err)
}

func (c *Client) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.FetchRequests.WithLabelValues(outcome).Inc()
	}
}

func withParams(rawURL string, params url.Values) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
