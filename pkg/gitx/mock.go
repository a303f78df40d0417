package gitx

import (
	"context"
	"strings"
	"sync"
)

// MockGitRunner implements GitRunner for tests. Outputs and errors are keyed
// by command signature; unmatched commands succeed with empty output.
type MockGitRunner struct {
	mu       sync.Mutex
	commands map[string][]byte
	errors   map[string]error
	callLog  []GitCall
}

// GitCall is one logged git invocation.
type GitCall struct {
	Dir  string
	Args []string
}

// NewMockGitRunner creates a MockGitRunner.
func NewMockGitRunner() *MockGitRunner {
	return &MockGitRunner{
		commands: make(map[string][]byte),
		errors:   make(map[string]error),
	}
}

// Run implements GitRunner.
func (m *MockGitRunner) Run(_ context.Context, dir string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callLog = append(m.callLog, GitCall{Dir: dir, Args: append([]string{}, args...)})

	sig := signature(args...)
	if err, exists := m.errors[sig]; exists {
		return nil, err
	}
	if output, exists := m.commands[sig]; exists {
		return output, nil
	}
	return []byte{}, nil
}

// SetOutput sets the output for a command signature.
func (m *MockGitRunner) SetOutput(output []byte, args ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[signature(args...)] = output
}

// SetError sets an error for a command signature.
func (m *MockGitRunner) SetError(err error, args ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[signature(args...)] = err
}

// ClearError removes a previously set error.
func (m *MockGitRunner) ClearError(args ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, signature(args...))
}

// Calls returns a copy of the call log.
func (m *MockGitRunner) Calls() []GitCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GitCall{}, m.callLog...)
}

// CalledWith reports whether a command with the given args was run.
func (m *MockGitRunner) CalledWith(args ...string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := signature(args...)
	for _, call := range m.callLog {
		if signature(call.Args...) == want {
			return true
		}
	}
	return false
}

func signature(args ...string) string {
	return strings.Join(args, " ")
}
