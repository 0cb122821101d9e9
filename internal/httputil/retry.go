package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/audetic/agent/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig controls the retry behavior for HTTP requests.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (e.g. 0.3 = ±30%)
}

// DefaultRetryConfig returns the defaults used against the distribution endpoint.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		InitialDelay:  1 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// NoRetry performs exactly one attempt.
func NoRetry() RetryConfig {
	return RetryConfig{}
}

// Client is a GET-only HTTP client with a fixed User-Agent and retry policy.
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Retry     RetryConfig
}

// NewClient builds a Client whose underlying http.Client enforces timeout.
func NewClient(timeout time.Duration, userAgent string) *Client {
	return &Client{
		HTTP:      &http.Client{Timeout: timeout},
		UserAgent: userAgent,
		Retry:     DefaultRetryConfig(),
	}
}

// NewStreamingClient builds a Client for large downloads. It sets no overall
// deadline because that would also cap reading the body; callers bound the
// transfer with their context. headerTimeout caps the wait for response
// headers.
func NewStreamingClient(headerTimeout time.Duration, userAgent string) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	return &Client{
		HTTP:      &http.Client{Transport: tr},
		UserAgent: userAgent,
		Retry:     DefaultRetryConfig(),
	}
}

// isRetryableStatus returns true for HTTP status codes that are safe to retry.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// Get issues a GET with retries on transport errors and retryable statuses.
// Any other response, including 4xx, is returned to the caller unread.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error
	delay := c.Retry.InitialDelay
	logger := logging.FromContext(ctx, log)

	for attempt := 0; attempt <= c.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			jittered := applyJitter(delay, c.Retry.JitterFrac)
			logger.Debug("retrying request",
				"attempt", attempt,
				"delay", jittered,
				"url", url,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jittered):
			}

			delay = time.Duration(float64(delay) * c.Retry.BackoffFactor)
			if delay > c.Retry.MaxDelay {
				delay = c.Retry.MaxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err // not retryable
		}
		if c.UserAgent != "" {
			req.Header.Set("User-Agent", c.UserAgent)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		resp.Body.Close()
		lastErr = &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	if c.Retry.MaxRetries > 0 {
		logger.Warn("all retries exhausted",
			"url", url,
			"attempts", c.Retry.MaxRetries+1,
			"error", lastErr,
		)
	}
	return nil, lastErr
}

// GetBody fetches url and returns at most limit bytes of a 200 response body.
// Non-200 responses yield a *StatusError.
func (c *Client) GetBody(ctx context.Context, url string, limit int64) ([]byte, error) {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", url, limit)
	}
	return data, nil
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// applyJitter adds ±frac random jitter to a duration.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
