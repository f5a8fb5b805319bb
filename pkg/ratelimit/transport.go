package ratelimit

import (
	"net/http"
)

// RateLimitedTransport wraps an HTTP transport with rate limiting capabilities
type RateLimitedTransport struct {
	// Base transport for actual HTTP operations
	Base http.RoundTripper

	// Rate limiter for controlling request frequency
	RateLimiter RateLimiter
}

// NewRateLimitedTransport creates a new rate-limited HTTP transport
func NewRateLimitedTransport(base http.RoundTripper, rateLimiter RateLimiter) *RateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}

	return &RateLimitedTransport{
		Base:        base,
		RateLimiter: rateLimiter,
	}
}

// RoundTrip implements http.RoundTripper with rate limiting
func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	// Acquire concurrency slot
	if err := t.RateLimiter.AcquireSlot(ctx); err != nil {
		return nil, err
	}
	defer t.RateLimiter.ReleaseSlot()

	// Wait for rate limiting
	if err := t.RateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	// Execute the actual HTTP request
	response, err := t.Base.RoundTrip(req)

	// Handle the response for rate limiting feedback
	if response != nil {
		if handleErr := t.RateLimiter.HandleResponse(response); handleErr != nil {
			// The limiter has recorded the backoff; the caller sees the
			// original response and decides whether to retry.
			_ = handleErr
		}
	}

	return response, err
}

// BasicAuthRateLimitedTransport combines HTTP basic auth with rate limiting
type BasicAuthRateLimitedTransport struct {
	Username    string
	Password    string
	RateLimiter RateLimiter
	Base        http.RoundTripper
}

// NewBasicAuthRateLimitedTransport creates a new transport with both auth and rate limiting
func NewBasicAuthRateLimitedTransport(username, password string, rateLimiter RateLimiter) *BasicAuthRateLimitedTransport {
	return &BasicAuthRateLimitedTransport{
		Username:    username,
		Password:    password,
		RateLimiter: rateLimiter,
		Base:        http.DefaultTransport,
	}
}

// RoundTrip implements http.RoundTripper with auth and rate limiting
func (t *BasicAuthRateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	// Acquire concurrency slot
	if err := t.RateLimiter.AcquireSlot(ctx); err != nil {
		return nil, err
	}
	defer t.RateLimiter.ReleaseSlot()

	// Wait for rate limiting
	if err := t.RateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	// Add authorization header
	req.SetBasicAuth(t.Username, t.Password)

	// Execute the actual HTTP request
	response, err := t.Base.RoundTrip(req)

	// Handle the response for rate limiting feedback
	if response != nil {
		if handleErr := t.RateLimiter.HandleResponse(response); handleErr != nil {
			_ = handleErr
		}
	}

	return response, err
}
