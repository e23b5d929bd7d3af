package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// MockClient implements client.Client for testing. Results are keyed by
// method name and marshalled on every call; methods without a result return
// an empty list.
type MockClient struct {
	CallFn  func(ctx context.Context, method string, params []any) (json.RawMessage, error)
	Results map[string]any
	Errors  map[string]error

	mu     sync.Mutex
	calls  map[string]int
	params map[string][]any
}

func (m *MockClient) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
		m.params = make(map[string][]any)
	}
	m.calls[method]++
	m.params[method] = params
	m.mu.Unlock()

	if m.CallFn != nil {
		return m.CallFn(ctx, method, params)
	}
	if err, ok := m.Errors[method]; ok {
		return nil, err
	}
	v, ok := m.Results[method]
	if !ok {
		return json.RawMessage(`[]`), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (m *MockClient) Close() error {
	return nil
}

// Calls returns how many times method was called.
func (m *MockClient) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Params returns the params of the last call to method.
func (m *MockClient) Params(method string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params[method]
}

var errMockFailure = errors.New("mock failure")
