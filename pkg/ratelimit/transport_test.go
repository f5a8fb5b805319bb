package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewRateLimitedTransport(t *testing.T) {
	mock := NewMockRateLimiter()

	transport := NewRateLimitedTransport(nil, mock)
	if transport.Base != http.DefaultTransport {
		t.Error("Expected http.DefaultTransport when base is nil")
	}

	customBase := &http.Transport{}
	transport = NewRateLimitedTransport(customBase, mock)
	if transport.Base != customBase {
		t.Error("Expected custom base transport to be used")
	}
}

func TestRateLimitedTransport_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("test response"))
	}))
	defer server.Close()

	mock := NewMockRateLimiter()
	transport := NewRateLimitedTransport(nil, mock)

	req, err := http.NewRequest("GET", server.URL, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if mock.AcquireSlotCalls != 1 {
		t.Errorf("Expected 1 AcquireSlot call, got %d", mock.AcquireSlotCalls)
	}
	if mock.WaitCalls != 1 {
		t.Errorf("Expected 1 Wait call, got %d", mock.WaitCalls)
	}
	if mock.ReleaseSlotCalls != 1 {
		t.Errorf("Expected 1 ReleaseSlot call, got %d", mock.ReleaseSlotCalls)
	}
	if mock.HandleResponseCalls != 1 {
		t.Errorf("Expected 1 HandleResponse call, got %d", mock.HandleResponseCalls)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestRateLimitedTransport_RoundTrip_AcquireSlotError(t *testing.T) {
	mock := NewMockRateLimiter()
	mock.AcquireSlotFunc = func(ctx context.Context) error {
		return context.DeadlineExceeded
	}

	transport := NewRateLimitedTransport(nil, mock)
	req, _ := http.NewRequest("GET", "http://example.com", nil)

	_, err := transport.RoundTrip(req)
	if err != context.DeadlineExceeded {
		t.Errorf("Expected context.DeadlineExceeded, got: %v", err)
	}

	// Wait and ReleaseSlot must not run when the slot was never acquired.
	if mock.WaitCalls != 0 {
		t.Errorf("Expected 0 Wait calls, got %d", mock.WaitCalls)
	}
	if mock.ReleaseSlotCalls != 0 {
		t.Errorf("Expected 0 ReleaseSlot calls, got %d", mock.ReleaseSlotCalls)
	}
}

func TestRateLimitedTransport_RoundTrip_WaitError(t *testing.T) {
	mock := NewMockRateLimiter()
	mock.WaitFunc = func(ctx context.Context) error {
		return context.DeadlineExceeded
	}

	transport := NewRateLimitedTransport(nil, mock)
	req, _ := http.NewRequest("GET", "http://example.com", nil)

	_, err := transport.RoundTrip(req)
	if err != context.DeadlineExceeded {
		t.Errorf("Expected context.DeadlineExceeded, got: %v", err)
	}

	// The slot was acquired, so it must be released even when Wait fails.
	if mock.ReleaseSlotCalls != 1 {
		t.Errorf("Expected 1 ReleaseSlot call, got %d", mock.ReleaseSlotCalls)
	}
}

func TestNewBasicAuthRateLimitedTransport(t *testing.T) {
	mock := NewMockRateLimiter()

	transport := NewBasicAuthRateLimitedTransport("jira-bot", "secret", mock)

	if transport.Username != "jira-bot" || transport.Password != "secret" {
		t.Error("Expected credentials to be set")
	}
	if transport.RateLimiter != mock {
		t.Error("Expected rate limiter to be set")
	}
	if transport.Base != http.DefaultTransport {
		t.Error("Expected http.DefaultTransport as base")
	}
}

func TestBasicAuthRateLimitedTransport_RoundTrip(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mock := NewMockRateLimiter()
	transport := NewBasicAuthRateLimitedTransport("jira-bot", "secret", mock)

	req, err := http.NewRequest("GET", server.URL, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !gotOK || gotUser != "jira-bot" || gotPass != "secret" {
		t.Errorf("Expected basic auth jira-bot/secret, got %s/%s (ok=%v)", gotUser, gotPass, gotOK)
	}
	if mock.AcquireSlotCalls != 1 || mock.WaitCalls != 1 || mock.ReleaseSlotCalls != 1 {
		t.Errorf("Expected one acquire/wait/release cycle, got %d/%d/%d",
			mock.AcquireSlotCalls, mock.WaitCalls, mock.ReleaseSlotCalls)
	}
}
