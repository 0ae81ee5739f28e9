package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryableStatus is the set of provider HTTP statuses worth retrying:
// rate limits, transient server errors, and Anthropic's 529 overloaded.
// 4xx client errors (400/401/403/404) are never retried.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, 529:
		return true
	}
	return false
}

// RetryPolicy bounds the shared provider-call retry loop.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches the retry posture every adapter shares.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second}
}

// doWithRetry executes an HTTP request, retrying retryable statuses and
// transport errors with exponential backoff and jitter. body is re-sent
// from the byte slice on every attempt. On a non-retryable status the
// response is returned as-is for the caller to interpret; on exhaustion
// the last response (or transport error) is returned.
func doWithRetry(ctx context.Context, client *http.Client, newReq func() (*http.Request, error), policy RetryPolicy) (*http.Response, error) {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval
	bo.RandomizationFactor = 0.3
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil {
			lastErr = err
		} else {
			if attempt == policy.MaxAttempts {
				return resp, nil // caller reports the terminal retryable status
			}
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
	return nil, fmt.Errorf("provider request failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}

// jsonRequestFactory returns a newReq func that rebuilds an identical
// POST-with-JSON-body request per attempt (http.Request bodies are
// single-use).
func jsonRequestFactory(ctx context.Context, method, url string, body []byte, setHeaders func(*http.Request)) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if setHeaders != nil {
			setHeaders(req)
		}
		return req, nil
	}
}
