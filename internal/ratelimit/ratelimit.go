// Package ratelimit wraps an HTTP client with retry and exponential backoff
// for responses that ask the caller to slow down (429 and 503).
package ratelimit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Config holds configuration for the retrying HTTP client.
type Config struct {
	// HTTPClient performs the requests. Default: a client with a 30s timeout.
	HTTPClient *http.Client

	// MaxRetries is the maximum number of retry attempts. Default: 3
	MaxRetries int

	// BaseDelay is the initial delay before the first retry. Default: 500ms
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries. Default: 8s
	MaxDelay time.Duration

	// EnableJitter adds random jitter (±20%) to the computed delay.
	EnableJitter bool

	// Stats is an optional tracker for throttling events.
	Stats *Stats

	// Service names the remote in error messages.
	Service string
}

// Client is an HTTP client that retries throttled requests with backoff.
type Client struct {
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	enableJitter bool
	stats        *Stats
	service      string
}

// NewClient creates a retrying client with the given configuration.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}

	return &Client{
		httpClient:   httpClient,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		enableJitter: cfg.EnableJitter,
		stats:        cfg.Stats,
		service:      cfg.Service,
	}
}

// Retryable reports whether a response status asks for a retry.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// Do sends req, retrying while the response is throttled. The request body is
// buffered so it can be replayed; headers are carried over on every attempt.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	ctx := req.Context()
	var lastStatus int
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		attemptReq := req.Clone(ctx)
		if bodyBytes != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			attemptReq.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.httpClient.Do(attemptReq)
		if err != nil {
			return nil, err
		}
		if !Retryable(resp.StatusCode) {
			return resp, nil
		}

		lastStatus = resp.StatusCode
		_ = resp.Body.Close()
		if c.stats != nil {
			c.stats.RecordThrottle()
		}

		if attempt >= c.maxRetries {
			break
		}

		delay := c.calculateBackoff(attempt, ParseRetryAfter(resp.Header.Get("Retry-After")))
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &RateLimitError{
		Service:     c.service,
		Status:      lastStatus,
		Attempt:     c.maxRetries,
		MaxAttempts: c.maxRetries,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateBackoff computes the backoff duration for a given attempt.
func (c *Client) calculateBackoff(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		if *retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return *retryAfter
	}

	// base * 2^attempt
	delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > c.maxDelay {
		delay = c.maxDelay
	}

	if c.enableJitter {
		jitterFactor := 0.8 + rand.Float64()*0.4
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// RateLimitError is returned when retries are exhausted.
type RateLimitError struct {
	Service     string
	Status      int
	Attempt     int
	MaxAttempts int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	service := e.Service
	if service == "" {
		service = "API"
	}
	return fmt.Sprintf("%s still throttled (status %d) after %d retries (max %d)", service, e.Status, e.Attempt, e.MaxAttempts)
}

// ParseRetryAfter parses the Retry-After header value in either
// seconds or HTTP-date form. Returns nil if the value is invalid or empty.
func ParseRetryAfter(value string) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

// Stats counts throttled responses.
type Stats struct {
	mu             sync.RWMutex
	throttleCount  int64
	lastThrottleAt time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordThrottle records a throttled response.
func (s *Stats) RecordThrottle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttleCount++
	s.lastThrottleAt = time.Now()
}

// ThrottleCount returns the number of throttled responses seen.
func (s *Stats) ThrottleCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.throttleCount
}

// LastThrottleTime returns when the last throttled response was seen.
func (s *Stats) LastThrottleTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastThrottleAt
}
