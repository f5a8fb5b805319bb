package ratelimit

import (
	"context"
	"net/http"
)

// MockRateLimiter implements RateLimiter for testing. Stub functions may be
// set to customize behavior; calls are counted either way.
type MockRateLimiter struct {
	WaitFunc           func(ctx context.Context) error
	HandleResponseFunc func(response *http.Response) error
	AcquireSlotFunc    func(ctx context.Context) error

	WaitCalls           int
	HandleResponseCalls int
	AcquireSlotCalls    int
	ReleaseSlotCalls    int
}

func NewMockRateLimiter() *MockRateLimiter {
	return &MockRateLimiter{}
}

func (m *MockRateLimiter) Wait(ctx context.Context) error {
	m.WaitCalls++
	if m.WaitFunc != nil {
		return m.WaitFunc(ctx)
	}
	return nil
}

func (m *MockRateLimiter) HandleResponse(response *http.Response) error {
	m.HandleResponseCalls++
	if m.HandleResponseFunc != nil {
		return m.HandleResponseFunc(response)
	}
	return nil
}

func (m *MockRateLimiter) AcquireSlot(ctx context.Context) error {
	m.AcquireSlotCalls++
	if m.AcquireSlotFunc != nil {
		return m.AcquireSlotFunc(ctx)
	}
	return nil
}

func (m *MockRateLimiter) ReleaseSlot() {
	m.ReleaseSlotCalls++
}
