// internal/common/http/client.go
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "peer-tether/internal/common/errors"
)

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries: 2,
	BaseDelay:  200 * time.Millisecond,
	MaxDelay:   2 * time.Second,
}

type Client struct {
	httpClient *http.Client
	retry      RetryConfig
	service    string
}

type Option func(*Client)

func WithRetry(r RetryConfig) Option { return func(c *Client) { c.retry = r } }

// WithTransport replaces the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.httpClient.Transport = rt }
}

// NewClient builds a client for one external service. The service name is
// used in error details.
func NewClient(service string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		retry:      DefaultRetryConfig,
		service:    service,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	return c.httpClient.Do(req)
}

// PostJSON sends payload as JSON and retries network errors and 5xx replies
// with exponential backoff. 4xx replies are returned immediately.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, payload interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, apperrors.NewValidationFailedError(fmt.Sprintf("encode %s payload: %v", c.service, err))
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff(attempt)); err != nil {
				return 0, apperrors.NewTimeoutError(c.service, err)
			}
		}

		status, err := c.post(ctx, url, headers, body)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if status >= 400 && status < 500 {
			return status, apperrors.NewExternalServiceError(c.service, err)
		}
		if ctx.Err() != nil {
			return status, apperrors.NewTimeoutError(c.service, err)
		}
	}
	return 0, apperrors.NewExternalServiceError(c.service,
		fmt.Errorf("failed after %d retries: %w", c.retry.MaxRetries, lastErr))
}

func (c *Client) post(ctx context.Context, url string, headers map[string]string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return resp.StatusCode, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.retry.BaseDelay * time.Duration(1<<(attempt-1))
	if c.retry.MaxDelay > 0 && delay > c.retry.MaxDelay {
		delay = c.retry.MaxDelay
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
