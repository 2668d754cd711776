package couchclient

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/IBM/couchbackup-sub000/internal/logutil"
)

// httpDoer is the interface for executing HTTP requests. Both
// *http.Client and *retryClient satisfy this interface.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// retryClient wraps an httpDoer with exponential-backoff-with-jitter retry
// for transient failures, per spec §4.1. It never retries terminal 4xx
// (other than 408/429).
type retryClient struct {
	client     httpDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newRetryClient(client httpDoer, maxRetries int) *retryClient {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &retryClient{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  1 * time.Second,
		maxDelay:   30 * time.Second,
	}
}

// Do executes req with retry. It retries on 408/429/5xx and on
// network/connection/timeout errors. On the final attempt it returns the
// response as-is so the caller can classify the terminal status itself.
func (rc *retryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("couchclient: failed to reset request body: %w", err)
				}
				req.Body = body
			}

			delay := rc.calculateDelay(attempt)
			logutil.Debug("retrying request", "method", req.Method, "url", req.URL.Path,
				"attempt", attempt, "maxRetries", rc.maxRetries, "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt == rc.maxRetries {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("couchclient: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// calculateDelay returns the backoff duration for the given retry attempt:
// full jitter over an exponential curve, floored at 100ms.
func (rc *retryClient) calculateDelay(attempt int) time.Duration {
	expDelay := float64(rc.baseDelay) * math.Pow(2, float64(attempt-1))
	if expDelay > float64(rc.maxDelay) {
		expDelay = float64(rc.maxDelay)
	}

	jittered := time.Duration(rand.Float64() * expDelay)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}

// isRetryableStatus reports whether statusCode indicates a transient
// failure: 408, 429, or any 5xx.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return statusCode >= 500 && statusCode < 600
}
