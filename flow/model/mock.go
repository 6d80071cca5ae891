package model

import (
	"context"
	"sync"
)

// MockProvider is a test implementation of Provider.
//
// Use MockProvider in tests to verify dispatch behavior without real API
// calls. It provides:
//   - Configurable response sequences
//   - Error injection (fixed or per-call)
//   - Call history with a thread-safe counter
//
// Example usage:
//
//	mock := &MockProvider{
//	    Responses: []Response{
//	        {Text: "first", Usage: Usage{InputTokens: 10, OutputTokens: 5}},
//	    },
//	}
//	resp, err := mock.Complete(ctx, "m-cheap", Request{Prompt: "hi"})
//
// Example with error injection for the first N calls:
//
//	mock := &MockProvider{FailFirst: 5, Err: errors.New("500 server error")}
type MockProvider struct {
	// Responses is the sequence of responses to return. When exhausted,
	// the last response repeats. An empty slice returns a zero Response.
	Responses []Response

	// Err, if set, is returned instead of a response.
	Err error

	// FailFirst makes only the first N calls return Err; subsequent calls
	// succeed. Zero with Err set means every call fails.
	FailFirst int

	// ErrFunc, if set, decides the error per call and takes precedence
	// over Err/FailFirst.
	ErrFunc func(call int, modelID string, req Request) error

	// Calls records every invocation in order.
	Calls []MockCall

	mu        sync.Mutex
	callIndex int
}

// MockCall records a single Complete invocation.
type MockCall struct {
	ModelID string
	Request Request
}

// Complete implements the Provider interface.
func (m *MockProvider) Complete(ctx context.Context, modelID string, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	call := len(m.Calls)
	m.Calls = append(m.Calls, MockCall{ModelID: modelID, Request: req})

	if m.ErrFunc != nil {
		if err := m.ErrFunc(call, modelID, req); err != nil {
			return Response{}, err
		}
	} else if m.Err != nil {
		if m.FailFirst == 0 || call < m.FailFirst {
			return Response{}, m.Err
		}
	}

	if len(m.Responses) == 0 {
		return Response{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// CallCount returns the number of Complete invocations so far.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears call history and the response cursor.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}
