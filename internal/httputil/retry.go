// Package httputil wraps outbound agent HTTP calls with bounded retries.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/logging"
)

var log = logging.L("httputil")

// ExcerptLimit bounds how much of an error response body is kept.
const ExcerptLimit = 512

// RetryConfig controls the retry behavior for HTTP requests.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (e.g. 0.3 = ±30%)
}

// DefaultRetryConfig returns the defaults for agent to server calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// NoRetry makes a single attempt.
func NoRetry() RetryConfig {
	return RetryConfig{BackoffFactor: 1}
}

// IsRetryableStatus reports whether code is worth another attempt.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// Do executes an HTTP request with retry logic. The body is a byte slice so
// it can be replayed on each attempt. Non-retryable responses, including
// 4xx, are returned to the caller untouched. When every attempt ends in a
// retryable status the error is a *StatusError carrying the last status and
// a body excerpt.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			jittered := applyJitter(delay, cfg.JitterFrac)
			log.Debug("retrying request", "attempt", attempt, "delay", jittered, "url", url)
			timer := time.NewTimer(jittered)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}

			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, err
		}
		for k, vals := range headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if !IsRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		lastErr = &StatusError{StatusCode: resp.StatusCode, URL: url, Excerpt: Excerpt(resp.Body)}
		resp.Body.Close()
	}

	log.Warn("all retries exhausted",
		"method", method,
		"url", url,
		"attempts", cfg.MaxRetries+1,
		logging.KeyError, lastErr,
	)
	return nil, lastErr
}

// StatusError is returned when the server kept answering with a retryable
// status until the attempts ran out.
type StatusError struct {
	StatusCode int
	URL        string
	Excerpt    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("request to %s failed after retries with status %d", e.URL, e.StatusCode)
	if e.Excerpt != "" {
		msg += ": " + e.Excerpt
	}
	return msg
}

// Excerpt reads at most ExcerptLimit bytes of r and trims whitespace.
func Excerpt(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, ExcerptLimit))
	return strings.TrimSpace(string(b))
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
