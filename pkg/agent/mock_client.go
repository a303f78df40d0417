package agent

import (
	"context"
	"sync"
)

// MockClient is an LLMClient for tests. Responses are consumed from a queue;
// when the queue is empty the default response is returned. A CompleteFunc
// override takes precedence over everything else.
type MockClient struct {
	CompleteFunc func(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	mu        sync.Mutex
	model     string
	queue     []CompletionResponse
	fallback  CompletionResponse
	err       error
	callCount int
	requests  []CompletionRequest
}

// NewMockClient creates a MockClient whose default response is the given text.
func NewMockClient(defaultResponse string) *MockClient {
	return &MockClient{
		model:    "mock-model",
		fallback: CompletionResponse{Content: defaultResponse, StopReason: "end_turn"},
	}
}

// QueueResponse appends a scripted response consumed in FIFO order.
func (m *MockClient) QueueResponse(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, CompletionResponse{Content: content, StopReason: "end_turn"})
}

// SetError makes every Complete call fail until cleared with nil.
func (m *MockClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// CallCount returns how many times Complete was invoked.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Requests returns a copy of all recorded requests.
func (m *MockClient) Requests() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest{}, m.requests...)
}

// Complete implements LLMClient.
func (m *MockClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, in)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return CompletionResponse{}, err
	}

	m.callCount++
	m.requests = append(m.requests, in)

	if m.err != nil {
		return CompletionResponse{}, m.err
	}
	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		return resp, nil
	}
	return m.fallback, nil
}

// GetModelName implements LLMClient.
func (m *MockClient) GetModelName() string {
	return m.model
}
